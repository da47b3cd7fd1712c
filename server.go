// Package docsync implements the server side of CRDT document
// synchronisation.
//
// A Server keeps one controller per document, identified by the storage
// location of its connection plus the document ID carried by each message.
// Controllers are created on first reference and loaded from a
// storage.Persister in the background. Updates for the same document are
// applied strictly one at a time: the update is imported, checked by the
// coordinator, appended to the store and broadcast to every subscribed
// connection. Rejected or unpersistable updates are rolled back by forking
// the document at its pre-import frontiers.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/go-doc-sync/coordinator"
	"github.com/c0deZ3R0/go-doc-sync/crdt"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/protocol"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

const component = syncErrors.Component("docsync")

var (
	// ErrServerClosed is returned by Accept and Shrink after Close.
	ErrServerClosed = errors.New("docsync: server closed")

	// ErrUnboundConnection is returned by Accept for connections without a
	// storage location.
	ErrUnboundConnection = errors.New("docsync: connection has no storage location")

	// ErrDuplicateConnection is returned by Accept when the connection ID is
	// already in use.
	ErrDuplicateConnection = errors.New("docsync: duplicate connection id")
)

// Server runs the sync protocol for any number of connections and
// documents. It is safe for concurrent use.
type Server struct {
	persister   storage.Persister
	engine      crdt.Engine
	coordinator coordinator.Coordinator
	options     Options
	logger      *logging.Logger
	metrics     MetricsCollector

	registry *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       stdSync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewServer creates a Server that persists documents with persister and
// builds them with engine. A nil coordinator accepts everything.
func NewServer(persister storage.Persister, engine crdt.Engine, co coordinator.Coordinator, opts ...Option) (*Server, error) {
	if persister == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if co == nil {
		co = coordinator.Permissive{}
	}

	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	options.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		persister:   persister,
		engine:      engine,
		coordinator: co,
		options:     options,
		logger:      options.Logger.WithComponent(logging.Component("docsync")),
		metrics:     options.Metrics,
		registry:    newRegistry(),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}, nil
}

// Accept binds conn to params.Location and starts its heartbeat. The
// transport must feed the returned Session with the connection's traffic.
// A connection without a location is closed and rejected.
func (s *Server) Accept(conn Connection, params ConnParams) (*Session, error) {
	if params.Location == "" {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing unbound connection failed", slog.String("error", err.Error()))
		}
		return nil, syncErrors.E(syncErrors.OpHandshake, component, syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure, ErrUnboundConnection)
	}

	sess := &Session{
		server:   s,
		conn:     conn,
		location: params.Location,
		logger: s.logger.WithAttrs(
			slog.String("conn_id", conn.ID()),
			slog.String("location", params.Location),
		),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if _, ok := s.sessions[conn.ID()]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}
	s.sessions[conn.ID()] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetConnections(n)

	if p, ok := conn.(Pinger); ok && s.options.HeartbeatInterval > 0 {
		sess.hb = newHeartbeat(p, s.options.HeartbeatInterval, func() {
			sess.logger.Info("heartbeat timed out, closing connection")
			sess.Close()
		})
		sess.hb.start()
	}

	sess.logger.Info("connection accepted")
	return sess, nil
}

// controllerFor returns the loaded controller for docID at location,
// creating it on first reference.
func (s *Server) controllerFor(ctx context.Context, docID, location string) (*controller, error) {
	c, created := s.registry.getOrCreate(docID, location, s.engine.New, s.load)
	if created {
		s.metrics.SetControllers(s.registry.len())
	}
	if err := c.wait(ctx); err != nil {
		s.metrics.SetControllers(s.registry.len())
		return nil, syncErrors.E(syncErrors.OpLoad, component, err,
			fmt.Sprintf("load document %q", docID))
	}
	return c, nil
}

func (s *Server) load(c *controller) error {
	start := time.Now()
	err := s.loadWithRetry(c)
	s.metrics.RecordSyncDuration(string(syncErrors.OpLoad), time.Since(start))
	if err != nil {
		c.unsubscribe()
		c.doc.Close()
		s.logger.LogError(s.ctx, err, "document load failed", c.logAttrs()...)
		s.metrics.RecordSyncErrors(string(syncErrors.OpLoad), reason(err))
		return err
	}
	c.saved = c.doc.Version()
	s.logger.Debug("document loaded", append(attrsToArgs(c.logAttrs()),
		slog.Int("op_count", c.doc.OpCount()))...)
	return nil
}

// loadWithRetry loads c.doc, retrying errors the persister marks as
// retryable. Every retry starts from a fresh document.
func (s *Server) loadWithRetry(c *controller) error {
	for attempt := 1; ; attempt++ {
		err := s.persister.Load(s.ctx, c.docID, c.location, c.doc)
		if err == nil || !syncErrors.IsRetryable(err) || attempt >= s.options.LoadAttempts {
			return err
		}
		s.logger.Warn("document load failed, retrying", append(attrsToArgs(c.logAttrs()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))...)
		c.setDoc(s.engine.New())

		timer := time.NewTimer(time.Duration(attempt) * s.options.LoadBackoff)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return err
		}
	}
}

// handleCanSync answers a client's state announcement with startSync, or
// with postConflict when the coordinator refuses the announced state.
func (s *Server) handleCanSync(ctx context.Context, sess *Session, msg *protocol.Message) error {
	remote, err := s.engine.FromSnapshot(msg.Snapshot)
	if err != nil {
		return syncErrors.E(syncErrors.OpCanSync, component, syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure, err, "decode announced snapshot")
	}
	defer remote.Close()

	c, err := s.controllerFor(ctx, msg.DocID, sess.location)
	if err != nil {
		return err
	}

	// The reply is queued under the lock so that no broadcast can overtake it.
	return c.lock.WithLock(ctx, func() error {
		if !s.coordinator.CheckDoc(c.doc, remote) {
			snapshot, err := c.doc.ExportSnapshot()
			if err != nil {
				return syncErrors.E(syncErrors.OpCanSync, component, syncErrors.KindInternal, err, "export snapshot")
			}
			s.metrics.RecordConflict()
			sess.logger.Debug("announced state rejected, sending conflict", slog.String("doc_id", c.docID))
			return sess.send(protocol.NewPostConflict(c.docID, snapshot))
		}

		updates, err := c.doc.ExportFrom(remote.Version())
		if err != nil {
			return syncErrors.E(syncErrors.OpCanSync, component, syncErrors.KindInternal, err, "export missing updates")
		}
		if sess.isClosed() {
			return nil
		}
		c.subscribe(sess.conn)
		sess.logger.Debug("sync started",
			slog.String("doc_id", c.docID),
			slog.Int("update_bytes", len(updates)),
		)
		return sess.send(protocol.NewStartSync(c.docID, updates, c.doc.Version().Encode()))
	}, nil, nil)
}

// handlePostUpdate applies a client update under the document lock.
func (s *Server) handlePostUpdate(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if len(msg.Updates) == 0 {
		sess.logger.Debug("empty update ignored", slog.String("doc_id", msg.DocID))
		return nil
	}

	c, err := s.controllerFor(ctx, msg.DocID, sess.location)
	if err != nil {
		return err
	}
	return c.lock.WithLock(ctx, func() error {
		return s.applyUpdate(ctx, c, msg.Updates)
	}, nil, nil)
}

// applyUpdate must be called with c.lock held.
func (s *Server) applyUpdate(ctx context.Context, c *controller, update []byte) error {
	doc := c.doc
	before := doc.Frontiers()
	beforeOps := doc.OpCount()

	c.lastEvent = nil
	if err := doc.Import(update); err != nil {
		return syncErrors.E(syncErrors.OpPostUpdate, component, syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure, err, "import update")
	}
	if doc.OpCount() == beforeOps {
		s.logger.Debug("update contained no new operations", attrsToArgs(c.logAttrs())...)
		return nil
	}

	batch := c.lastEvent
	c.lastEvent = nil
	if batch == nil {
		s.logger.Debug("update produced no observable change", attrsToArgs(c.logAttrs())...)
		return nil
	}

	if !s.coordinator.CheckEvents(doc, batch) {
		s.metrics.RecordRejection()
		s.logger.Debug("update rejected by coordinator, rolling back", append(attrsToArgs(c.logAttrs()),
			slog.Int("changes", len(batch.Changes)))...)
		return c.rollback(before)
	}

	// The delta starts at the last persisted version so that operations
	// imported earlier without an observable change are written too.
	delta, err := doc.ExportFrom(c.saved)
	if err == nil {
		err = s.persister.SaveUpdates(ctx, c.docID, c.location, [][]byte{delta})
	}
	if err != nil {
		if rbErr := c.rollback(before); rbErr != nil {
			s.logger.LogError(ctx, rbErr, "rollback after failed save", c.logAttrs()...)
		}
		return syncErrors.E(syncErrors.OpSave, component, err, "persist update")
	}
	c.saved = doc.Version()

	s.broadcast(c, protocol.NewPostUpdate(c.docID, delta))
	return nil
}

// broadcast sends msg to every subscriber of c, the originator included.
// Connections that fail to accept it are closed.
func (s *Server) broadcast(c *controller, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.LogError(s.ctx, syncErrors.E(syncErrors.OpBroadcast, component, syncErrors.KindInternal, err),
			"encode broadcast", c.logAttrs()...)
		return
	}

	sent := 0
	for _, conn := range c.subscribers() {
		if err := conn.Send(data); err != nil {
			err = syncErrors.E(syncErrors.OpBroadcast, component, syncErrors.KindUnavailable, err)
			s.logger.Info("broadcast failed, closing connection",
				slog.String("conn_id", conn.ID()),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordSyncErrors(string(syncErrors.OpBroadcast), reason(err))
			s.closeConnection(conn)
			continue
		}
		sent++
	}
	s.metrics.RecordBroadcast(sent)
	s.logger.Debug("update broadcast", append(attrsToArgs(c.logAttrs()), slog.Int("recipients", sent))...)
}

// closeConnection runs the session teardown for conn, or removes a
// connection the server no longer tracks from every controller.
func (s *Server) closeConnection(conn Connection) {
	s.mu.Lock()
	sess, ok := s.sessions[conn.ID()]
	s.mu.Unlock()
	if ok && sess.conn == conn {
		sess.Close()
		return
	}
	for _, c := range s.registry.all() {
		c.removeConn(conn.ID())
	}
	if conn.IsOpen() {
		_ = conn.Close()
	}
}

func (s *Server) teardown(sess *Session) {
	if sess.hb != nil {
		sess.hb.halt()
	}
	for _, c := range s.registry.all() {
		c.removeConn(sess.conn.ID())
	}

	s.mu.Lock()
	if s.sessions[sess.conn.ID()] == sess {
		delete(s.sessions, sess.conn.ID())
	}
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetConnections(n)

	if sess.conn.IsOpen() {
		if err := sess.conn.Close(); err != nil {
			err = syncErrors.E(syncErrors.OpClose, component, syncErrors.KindUnavailable, err)
			sess.logger.Debug("transport close failed", slog.String("error", err.Error()))
		}
	}
	sess.logger.Info("connection closed")
}

// Shrink compacts docID at location, or every document in the store when
// docID is empty. Live documents are compacted while holding their lock.
// With vacuum set the store reclaims free space afterwards.
func (s *Server) Shrink(ctx context.Context, location, docID string, vacuum bool) (storage.ShrinkResult, error) {
	if s.isClosed() {
		return storage.ShrinkResult{}, ErrServerClosed
	}

	if docID != "" {
		var res storage.ShrinkResult
		err := s.withDocLock(ctx, docID, location, func() error {
			var err error
			res, err = s.persister.ShrinkDoc(ctx, docID, location, vacuum)
			return err
		})
		return res, err
	}

	var res storage.ShrinkResult
	err := s.options.Logger.LogOperation(ctx, logging.Operation(syncErrors.OpShrink), logging.Component("docsync"), func() error {
		before, err := s.persister.StoreSize(ctx, location)
		if err != nil {
			return err
		}
		ids, err := s.persister.AllDocIDs(ctx, location)
		if err != nil {
			return err
		}
		for _, id := range ids {
			err := s.withDocLock(ctx, id, location, func() error {
				_, err := s.persister.ShrinkDoc(ctx, id, location, false)
				return err
			})
			if err != nil {
				return err
			}
		}
		if vacuum {
			if err := s.persister.Vacuum(ctx, location); err != nil {
				return err
			}
		}
		after, err := s.persister.StoreSize(ctx, location)
		if err != nil {
			return err
		}
		res = storage.ShrinkResult{BeforeSize: before, AfterSize: after}
		return nil
	})
	return res, err
}

// DocIDs lists the documents stored at location.
func (s *Server) DocIDs(ctx context.Context, location string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrServerClosed
	}
	return s.persister.AllDocIDs(ctx, location)
}

// withDocLock runs fn holding the lock of the live controller for docID, if
// there is one.
func (s *Server) withDocLock(ctx context.Context, docID, location string, fn func() error) error {
	c, ok := s.registry.get(docID, location)
	if !ok {
		return fn()
	}
	if err := c.wait(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return c.lock.WithLock(ctx, fn, nil, nil)
}

// Connections reports the number of accepted, not yet closed connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Documents reports the number of documents held in memory.
func (s *Server) Documents() int {
	return s.registry.len()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disconnects every session and releases all in-memory documents.
// The persister is owned by the caller and stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sess := range sessions {
		sess.Close()
	}

	for _, c := range s.registry.all() {
		<-c.loaded
		if c.loadErr != nil {
			continue
		}
		if err := c.lock.Acquire(context.Background()); err != nil {
			continue
		}
		c.unsubscribe()
		c.doc.Close()
		s.registry.remove(GUID(c.location, c.docID), c)
		c.lock.Release()
	}
	s.metrics.SetControllers(0)
	return nil
}

// Session is the server side of one accepted connection.
type Session struct {
	server   *Server
	conn     Connection
	location string
	logger   *logging.Logger
	hb       *heartbeat

	closeOnce stdSync.Once
	done      chan struct{}
}

// Location returns the storage location the connection is bound to.
func (sess *Session) Location() string {
	return sess.location
}

// Done is closed once the session has been torn down.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// HandleMessage decodes and processes one inbound frame. Failures are
// logged; they never close the connection.
func (sess *Session) HandleMessage(ctx context.Context, data []byte) {
	s := sess.server
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	msg, err := protocol.Decode(data)
	if err != nil {
		sess.logger.Warn("dropping malformed message",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordSyncErrors(string(syncErrors.OpDecode), "malformed")
		return
	}
	if err := storage.ValidateDocID(msg.DocID); err != nil {
		sess.logger.Warn("dropping message with invalid doc id", slog.String("error", err.Error()))
		s.metrics.RecordSyncErrors(string(syncErrors.OpDecode), "invalid_doc_id")
		return
	}
	s.metrics.RecordMessage(msg.Type.String())

	var op syncErrors.Operation
	start := time.Now()
	switch msg.Type {
	case protocol.CanSync:
		op = syncErrors.OpCanSync
		err = s.handleCanSync(ctx, sess, msg)
	case protocol.PostUpdate:
		op = syncErrors.OpPostUpdate
		err = s.handlePostUpdate(ctx, sess, msg)
	default:
		sess.logger.Debug("ignoring server-bound message type", slog.String("type", msg.Type.String()))
		return
	}
	s.metrics.RecordSyncDuration(string(op), time.Since(start))

	if err != nil {
		s.metrics.RecordSyncErrors(string(op), reason(err))
		sess.logger.LogError(ctx, err, "message handling failed",
			slog.String("type", msg.Type.String()),
			slog.String("doc_id", msg.DocID),
		)
	}
}

// HandlePong records a liveness reply.
func (sess *Session) HandlePong() {
	if sess.hb != nil {
		sess.hb.received()
	}
}

// HandleClose is called by the transport when the connection closed or
// failed. err may be nil.
func (sess *Session) HandleClose(err error) {
	if err != nil {
		sess.logger.Debug("connection error", slog.String("error", err.Error()))
	}
	sess.Close()
}

// Close removes the connection from every document and closes the
// transport. It is safe to call more than once.
func (sess *Session) Close() {
	sess.closeOnce.Do(func() {
		sess.server.teardown(sess)
		close(sess.done)
	})
}

func (sess *Session) isClosed() bool {
	select {
	case <-sess.done:
		return true
	default:
		return false
	}
}

// send encodes msg and queues it. A send failure tears the session down.
func (sess *Session) send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return syncErrors.E(syncErrors.OpTransport, component, syncErrors.KindInternal, err, "encode reply")
	}
	if err := sess.conn.Send(data); err != nil {
		sess.Close()
		return syncErrors.NewNetworkError(syncErrors.OpTransport, err)
	}
	return nil
}

// reason maps an error to a low cardinality label for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, storage.ErrStoreNotFound):
		return "store_not_found"
	}
	return string(syncErrors.KindOf(err))
}

func attrsToArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}
