// Package crdt defines the contract the sync server expects from a CRDT
// document engine. The server never interprets snapshots, updates, versions
// or frontiers; it only moves them between documents, the store and the wire.
package crdt

import "errors"

var (
	// ErrForeignVersion is returned when a Version or Frontiers value produced
	// by one engine is handed to a document of another engine.
	ErrForeignVersion = errors.New("crdt: version belongs to a different engine")

	// ErrNotSnapshot is returned by FromSnapshot for update-mode blobs.
	ErrNotSnapshot = errors.New("crdt: blob is not a snapshot")
)

// Version summarises which operations from which peers a document contains.
type Version interface {
	// Encode returns a deterministic binary form suitable for the wire.
	Encode() []byte
}

// Frontiers identifies the most recent operations of a document, i.e. its
// causal position. Documents can be forked back to a previous Frontiers.
type Frontiers interface {
	Encode() []byte
}

// Trigger says what caused an EventBatch.
type Trigger string

const (
	TriggerLocal  Trigger = "local"
	TriggerImport Trigger = "import"
)

// Change describes one observable effect of a mutation.
type Change struct {
	Path    string
	Value   []byte
	Deleted bool
}

// EventBatch is delivered to subscribers once per mutation batch that produced
// an observable change.
type EventBatch struct {
	By      Trigger
	Changes []Change
}

// Subscription cancels a Subscribe registration when called.
type Subscription func()

// Doc is a single CRDT document replica. Implementations are not safe for
// concurrent use; callers serialise access.
//
// Subscribers are invoked synchronously, before Import (or a local mutation)
// returns. A batch that changes nothing observable fires no event.
type Doc interface {
	PeerID() string
	SetPeerID(id string) error

	// Import applies a snapshot or an update blob.
	Import(blob []byte) error
	// ImportBatch applies blobs in order as one mutation batch.
	ImportBatch(blobs [][]byte) error

	ExportSnapshot() ([]byte, error)
	// ExportFrom returns an update containing everything not covered by from.
	ExportFrom(from Version) ([]byte, error)

	Version() Version
	Frontiers() Frontiers
	// FrontiersToVersion converts frontiers of this document's history to the
	// version they describe.
	FrontiersToVersion(f Frontiers) (Version, error)
	// OpCount reports how many operations have been applied.
	OpCount() int

	// ForkAt returns an independent copy of the document as of f.
	ForkAt(f Frontiers) (Doc, error)

	Subscribe(fn func(*EventBatch)) Subscription

	// Close releases engine resources. The document must not be used afterwards.
	Close()
}

// Engine creates documents of one CRDT implementation.
type Engine interface {
	Name() string
	New() Doc
	FromSnapshot(snapshot []byte) (Doc, error)
	DecodeVersion(b []byte) (Version, error)
}
