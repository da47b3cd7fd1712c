// Package storage defines how documents are persisted: one snapshot plus an
// append-only log of updates per document, grouped into stores addressed by
// a location. Backends live in the sqlite and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

var (
	// ErrStoreNotFound reports that the store at a location does not exist.
	// It is the only open failure that EnsureDoc recovers from by creating
	// the store.
	ErrStoreNotFound = errors.New("storage: store not found")

	// ErrDocNotFound reports that a document has no snapshot or update region.
	ErrDocNotFound = errors.New("storage: document not found")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("storage: store is closed")

	// ErrBadEscape is returned by UnescapeDocID for malformed input.
	ErrBadEscape = errors.New("storage: malformed escaped doc id")

	// ErrInvalidDocID is returned for IDs that cannot be stored.
	ErrInvalidDocID = errors.New("storage: invalid doc id")
)

// ShrinkResult reports the physical store size around a compaction.
type ShrinkResult struct {
	BeforeSize int64 `json:"beforeSize"`
	AfterSize  int64 `json:"afterSize"`
}

// Persister stores document snapshots and update logs.
//
// Implementations are safe for concurrent use. Multi-row writes are atomic.
type Persister interface {
	// EnsureDoc creates the store and the document's regions as needed.
	// It never overwrites existing regions.
	EnsureDoc(ctx context.Context, docID, location string, opts ...EnsureOption) error
	// DocExists reports whether both regions exist. A missing store is
	// reported as false.
	DocExists(ctx context.Context, docID, location string) (bool, error)
	// AllDocIDs lists the documents physically present in a store.
	AllDocIDs(ctx context.Context, location string) ([]string, error)
	// DeleteDoc drops both regions.
	DeleteDoc(ctx context.Context, docID, location string) error

	LoadSnapshot(ctx context.Context, docID, location string) ([]byte, error)
	// LoadUpdates returns the update log in append order.
	LoadUpdates(ctx context.Context, docID, location string) ([][]byte, error)
	// LoadBatch imports the snapshot followed by every update into doc.
	LoadBatch(ctx context.Context, docID, location string, doc crdt.Doc) error
	// Load is EnsureDoc followed by LoadBatch.
	Load(ctx context.Context, docID, location string, doc crdt.Doc) error

	// SaveSnapshot replaces the snapshot and clears the update log in one
	// transaction.
	SaveSnapshot(ctx context.Context, docID, location string, snapshot []byte) error
	// SaveUpdates appends updates in one transaction.
	SaveUpdates(ctx context.Context, docID, location string, updates [][]byte) error

	// ShrinkDoc folds the update log into the snapshot. With vacuum set the
	// store's free space is reclaimed afterwards.
	ShrinkDoc(ctx context.Context, docID, location string, vacuum bool) (ShrinkResult, error)
	// ShrinkAll shrinks every document and reclaims space once.
	ShrinkAll(ctx context.Context, location string) (ShrinkResult, error)
	// Vacuum reclaims free space in the store.
	Vacuum(ctx context.Context, location string) error
	// StoreSize reports the physical size of the store in bytes.
	StoreSize(ctx context.Context, location string) (int64, error)

	Close() error
}

// EnsureOption customises the regions EnsureDoc creates.
type EnsureOption func(*EnsureOptions)

// EnsureOptions holds the initial content for missing regions.
type EnsureOptions struct {
	Snapshot []byte
	Updates  [][]byte
}

// WithSnapshot seeds the snapshot region. The default is an empty document.
func WithSnapshot(snapshot []byte) EnsureOption {
	return func(o *EnsureOptions) { o.Snapshot = snapshot }
}

// WithUpdates seeds the update log. The default is empty.
func WithUpdates(updates [][]byte) EnsureOption {
	return func(o *EnsureOptions) { o.Updates = updates }
}

// ResolveEnsureOptions applies opts and fills the default snapshot from engine.
func ResolveEnsureOptions(engine crdt.Engine, opts []EnsureOption) (EnsureOptions, error) {
	var o EnsureOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Snapshot == nil {
		doc := engine.New()
		defer doc.Close()
		snap, err := doc.ExportSnapshot()
		if err != nil {
			return o, fmt.Errorf("export empty snapshot: %w", err)
		}
		o.Snapshot = snap
	}
	return o, nil
}

// Replay imports a snapshot and its updates into doc as one batch.
func Replay(doc crdt.Doc, snapshot []byte, updates [][]byte) error {
	blobs := make([][]byte, 0, len(updates)+1)
	blobs = append(blobs, snapshot)
	blobs = append(blobs, updates...)
	return doc.ImportBatch(blobs)
}

// Compact replays snapshot and updates into a scratch document and returns
// its fresh snapshot.
func Compact(engine crdt.Engine, snapshot []byte, updates [][]byte) ([]byte, error) {
	scratch := engine.New()
	defer scratch.Close()
	if err := Replay(scratch, snapshot, updates); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return scratch.ExportSnapshot()
}

// SnapshotTable and UpdatesTable name a document's regions in table-per-doc
// backends.
func SnapshotTable(docID string) string { return "doc_snapshot_" + EscapeDocID(docID) }

func UpdatesTable(docID string) string { return "doc_updates_" + EscapeDocID(docID) }
