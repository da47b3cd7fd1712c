package docsync

import "errors"

// ErrConnectionClosed is returned by Send once a connection is closed or its
// outbound queue is full.
var ErrConnectionClosed = errors.New("docsync: connection closed")

// Connection is a bidirectional binary message channel to one client.
//
// Transports deliver inbound traffic by calling the Session returned from
// Server.Accept: one message at a time per connection, from a single
// goroutine.
type Connection interface {
	// ID is unique among the server's live connections.
	ID() string

	// Send queues msg for delivery. It must not block on the network. A
	// non-nil error means the connection is lost.
	Send(msg []byte) error

	// Close tears down the transport. It is safe to call more than once.
	Close() error

	IsOpen() bool
}

// Pinger is implemented by connections that support liveness probes. The
// transport reports replies through Session.HandlePong.
type Pinger interface {
	Ping() error
}

// ConnParams are the routing parameters a transport resolved during its
// handshake.
type ConnParams struct {
	// Location is the storage location every document on this connection
	// lives in.
	Location string
}
