// Package memory provides an in-process transport for the sync server. Each
// Client is one connection whose frames are handed directly to the server's
// Session, which makes protocol behaviour deterministic in tests and in
// embedded deployments.
package memory

import (
	"context"
	"fmt"
	stdSync "sync"
	"sync/atomic"

	"github.com/google/uuid"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/protocol"
)

// DefaultQueueSize is the number of server frames a client buffers before
// the server treats it as lost.
const DefaultQueueSize = 256

// Network dials in-process connections to a server.
type Network struct {
	server    *docsync.Server
	queueSize int
}

// NewNetwork returns a Network for server. A queueSize of zero means
// DefaultQueueSize.
func NewNetwork(server *docsync.Server, queueSize int) *Network {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Network{server: server, queueSize: queueSize}
}

// Dial opens a connection bound to location.
func (n *Network) Dial(location string) (*Client, error) {
	conn := &Conn{
		id:    uuid.NewString(),
		inbox: make(chan []byte, n.queueSize),
	}
	conn.open.Store(true)
	conn.autoPong.Store(true)

	sess, err := n.server.Accept(conn, docsync.ConnParams{Location: location})
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	conn.session.Store(sess)
	return &Client{conn: conn, session: sess}, nil
}

// Conn is the server-facing half of an in-process connection.
type Conn struct {
	id       string
	inbox    chan []byte
	open     atomic.Bool
	autoPong atomic.Bool
	pings    atomic.Int64
	session  atomic.Pointer[docsync.Session]
	mu       stdSync.Mutex
}

var (
	_ docsync.Connection = (*Conn)(nil)
	_ docsync.Pinger     = (*Conn)(nil)
)

func (c *Conn) ID() string { return c.id }

// Send queues msg for the client. A full queue counts as a lost connection.
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open.Load() {
		return docsync.ErrConnectionClosed
	}
	select {
	case c.inbox <- append([]byte(nil), msg...):
		return nil
	default:
		return fmt.Errorf("%w: send queue full", docsync.ErrConnectionClosed)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open.Swap(false) {
		close(c.inbox)
	}
	return nil
}

func (c *Conn) IsOpen() bool { return c.open.Load() }

// Ping answers itself immediately unless the client disabled pongs.
func (c *Conn) Ping() error {
	if !c.open.Load() {
		return docsync.ErrConnectionClosed
	}
	c.pings.Add(1)
	if sess := c.session.Load(); sess != nil && c.autoPong.Load() {
		sess.HandlePong()
	}
	return nil
}

// Client is the client-facing half of an in-process connection.
type Client struct {
	conn    *Conn
	session *docsync.Session
	mu      stdSync.Mutex
}

// ID returns the connection ID the server knows this client by.
func (c *Client) ID() string { return c.conn.id }

// Send delivers msg to the server and returns once it has been handled.
// Calls on one client are serialised.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw delivers an already encoded frame.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.conn.IsOpen() {
		return docsync.ErrConnectionClosed
	}
	c.session.HandleMessage(ctx, data)
	return nil
}

// Recv returns the next frame sent by the server.
func (c *Client) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case data, ok := <-c.conn.inbox:
		if !ok {
			return nil, docsync.ErrConnectionClosed
		}
		return protocol.Decode(data)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next frame if one is already queued.
func (c *Client) TryRecv() (*protocol.Message, bool) {
	select {
	case data, ok := <-c.conn.inbox:
		if !ok {
			return nil, false
		}
		msg, err := protocol.Decode(data)
		return msg, err == nil
	default:
		return nil, false
	}
}

// SetAutoPong controls whether pings are answered.
func (c *Client) SetAutoPong(enabled bool) { c.conn.autoPong.Store(enabled) }

// Pings reports how many pings the server sent.
func (c *Client) Pings() int64 { return c.conn.pings.Load() }

// Closed is closed once the server has torn the connection down.
func (c *Client) Closed() <-chan struct{} { return c.session.Done() }

// Close disconnects the client as if the transport had dropped.
func (c *Client) Close() {
	c.session.HandleClose(nil)
}
