// Package websocket serves the sync protocol over WebSocket connections.
//
// Clients connect with two query parameters: location, the directory of the
// knowledge base, and authorization, a JWT with the kb-editor role bound to
// that location. Documents are stored in <location>/<FileName>.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/auth"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/logging"
)

const component = "transport/websocket"

// Config holds the transport settings.
type Config struct {
	// FileName is the store file inside a location directory.
	FileName string

	// AllowedLocations restricts which locations may be opened. Empty
	// allows any location the token is bound to.
	AllowedLocations []string

	// SendQueueSize is the number of outbound frames buffered per
	// connection. A client that falls further behind is disconnected.
	SendQueueSize int

	// WriteTimeout bounds each frame and control message write.
	WriteTimeout time.Duration

	// MaxMessageBytes is the largest inbound frame accepted.
	MaxMessageBytes int64

	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.FileName == "" {
		c.FileName = "app-data.db"
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 64 << 20
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 64 * 1024
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 64 * 1024
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Handler upgrades HTTP requests and hands the connections to a server.
type Handler struct {
	server   *docsync.Server
	verifier *auth.Verifier
	config   Config
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns a Handler. config may be nil.
func NewHandler(server *docsync.Server, verifier *auth.Verifier, config *Config) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	c.setDefaults()

	return &Handler{
		server:   server,
		verifier: verifier,
		config:   c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  c.ReadBufferSize,
			WriteBufferSize: c.WriteBufferSize,
			CheckOrigin:     c.CheckOrigin,
		},
		logger: c.Logger.WithComponent(logging.Component(component)),
	}, nil
}

// Authorize validates the handshake parameters of r and returns the store
// path for the connection, or an HTTP status and error.
func (h *Handler) Authorize(r *http.Request) (string, int, error) {
	query := r.URL.Query()
	location := query.Get("location")
	token := query.Get("authorization")
	if location == "" || token == "" {
		return "", http.StatusBadRequest, syncErrors.E(syncErrors.OpHandshake, syncErrors.Component(component),
			syncErrors.KindInvalid, syncErrors.ErrCodeValidationFailure, "location and authorization are required")
	}
	if len(h.config.AllowedLocations) > 0 && !slices.Contains(h.config.AllowedLocations, location) {
		return "", http.StatusForbidden, syncErrors.E(syncErrors.OpHandshake, syncErrors.Component(component),
			syncErrors.KindForbidden, syncErrors.ErrCodeAuthFailure, fmt.Sprintf("location %q is not served", location))
	}
	if _, err := h.verifier.Authorize(token, auth.RoleKBEditor, location); err != nil {
		return "", http.StatusForbidden, syncErrors.E(syncErrors.OpHandshake, syncErrors.Component(component),
			syncErrors.KindForbidden, syncErrors.ErrCodeAuthFailure, err)
	}
	return filepath.Join(location, h.config.FileName), http.StatusOK, nil
}

// ServeHTTP performs the handshake and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storePath, status, err := h.Authorize(r)
	if err != nil {
		h.logger.Info("handshake rejected",
			slog.Int("status", status),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newConn(ws, &h.config, h.logger)
	sess, err := h.server.Accept(conn, docsync.ConnParams{Location: storePath})
	if err != nil {
		h.logger.LogError(r.Context(), err, "server refused connection")
		conn.Close()
		return
	}

	go conn.writeLoop(sess)
	conn.readLoop(r.Context(), sess)
}

// Conn adapts a gorilla connection to docsync.Connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	config *Config
	logger *logging.Logger

	send      chan []byte
	done      chan struct{}
	open      atomic.Bool
	closeOnce stdSync.Once
}

var (
	_ docsync.Connection = (*Conn)(nil)
	_ docsync.Pinger     = (*Conn)(nil)
)

func newConn(ws *websocket.Conn, config *Config, logger *logging.Logger) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		config: config,
		send:   make(chan []byte, config.SendQueueSize),
		done:   make(chan struct{}),
	}
	c.logger = logger.WithAttrs(slog.String("conn_id", c.id))
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues msg for the writer goroutine without blocking.
func (c *Conn) Send(msg []byte) error {
	if !c.open.Load() {
		return docsync.ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return docsync.ErrConnectionClosed
	default:
		return fmt.Errorf("%w: send queue full", docsync.ErrConnectionClosed)
	}
}

// Ping writes a ping control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
}

// Close sends a close frame and closes the socket. Queued frames are
// dropped.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) IsOpen() bool { return c.open.Load() }

func (c *Conn) writeLoop(sess *docsync.Session) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				sess.HandleClose(err)
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, sess *docsync.Session) {
	c.ws.SetReadLimit(c.config.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		sess.HandlePong()
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				err = nil
			}
			sess.HandleClose(err)
			return
		}
		if messageType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary frame", slog.Int("type", messageType))
			continue
		}
		sess.HandleMessage(ctx, data)
	}
}
