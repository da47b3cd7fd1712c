package docsync

import (
	"context"
	"log/slog"
	"sort"
	stdSync "sync"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
	syncErrors "github.com/c0deZ3R0/go-doc-sync/errors"
	"github.com/c0deZ3R0/go-doc-sync/lock"
)

// GUID identifies a document across all stores.
func GUID(location, docID string) string {
	return location + docID
}

// controller owns the in-memory replica of one document.
//
// doc, lastEvent and saved are only touched while lock is held. conns has its own
// mutex so connection teardown never waits for an update in flight.
type controller struct {
	docID    string
	location string
	lock     *lock.Lock

	loaded  chan struct{}
	loadErr error

	doc         crdt.Doc
	unsubscribe crdt.Subscription
	lastEvent   *crdt.EventBatch
	// saved is the version covered by the persisted state. Rollbacks never
	// move it since they only discard unsaved operations.
	saved crdt.Version

	connsMu stdSync.Mutex
	conns   map[string]Connection
}

func newController(docID, location string, doc crdt.Doc) *controller {
	c := &controller{
		docID:    docID,
		location: location,
		lock:     lock.New(),
		loaded:   make(chan struct{}),
		conns:    make(map[string]Connection),
	}
	c.setDoc(doc)
	return c
}

// setDoc installs doc and subscribes to its change events.
func (c *controller) setDoc(doc crdt.Doc) {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.doc != nil {
		c.doc.Close()
	}
	c.doc = doc
	c.lastEvent = nil
	c.unsubscribe = doc.Subscribe(func(batch *crdt.EventBatch) {
		c.lastEvent = batch
	})
}

// wait blocks until the initial load has finished.
func (c *controller) wait(ctx context.Context) error {
	select {
	case <-c.loaded:
		return c.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controller) subscribe(conn Connection) {
	c.connsMu.Lock()
	c.conns[conn.ID()] = conn
	c.connsMu.Unlock()
}

// removeConn drops the connection with id and reports whether it was
// subscribed.
func (c *controller) removeConn(id string) bool {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if _, ok := c.conns[id]; !ok {
		return false
	}
	delete(c.conns, id)
	return true
}

// subscribers returns the subscribed connections ordered by ID.
func (c *controller) subscribers() []Connection {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	out := make([]Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// registry maps GUIDs to controllers. Lookup-or-insert is atomic, so every
// caller sees the same controller and a document is loaded at most once.
type registry struct {
	mu          stdSync.Mutex
	controllers map[string]*controller
}

func newRegistry() *registry {
	return &registry{controllers: make(map[string]*controller)}
}

// getOrCreate returns the controller for (location, docID). On a miss it
// inserts a new controller and starts load in the background; created
// reports whether that happened.
func (r *registry) getOrCreate(docID, location string, newDoc func() crdt.Doc, load func(*controller) error) (c *controller, created bool) {
	guid := GUID(location, docID)

	r.mu.Lock()
	if c, ok := r.controllers[guid]; ok {
		r.mu.Unlock()
		return c, false
	}
	c = newController(docID, location, newDoc())
	r.controllers[guid] = c
	r.mu.Unlock()

	go func() {
		if err := load(c); err != nil {
			c.loadErr = err
			r.remove(guid, c)
		}
		close(c.loaded)
	}()
	return c, true
}

// get returns a loaded or loading controller without creating one.
func (r *registry) get(docID, location string) (*controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[GUID(location, docID)]
	return c, ok
}

// remove deletes guid only if it still maps to c.
func (r *registry) remove(guid string, c *controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controllers[guid] == c {
		delete(r.controllers, guid)
	}
}

func (r *registry) all() []*controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// rollback replaces the document with a fork at before, keeping its peer ID.
func (c *controller) rollback(before crdt.Frontiers) error {
	forked, err := c.doc.ForkAt(before)
	if err != nil {
		return syncErrors.E(syncErrors.OpPostUpdate, syncErrors.Component("docsync/controller"),
			syncErrors.KindInternal, err, "fork at pre-import frontiers")
	}
	if err := forked.SetPeerID(c.doc.PeerID()); err != nil {
		forked.Close()
		return syncErrors.E(syncErrors.OpPostUpdate, syncErrors.Component("docsync/controller"),
			syncErrors.KindInternal, err, "restore peer id")
	}
	c.setDoc(forked)
	return nil
}

func (c *controller) logAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("doc_id", c.docID),
		slog.String("location", c.location),
	}
}
