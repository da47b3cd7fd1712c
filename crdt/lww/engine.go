package lww

import (
	"fmt"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

// Name is the engine name used in configuration.
const Name = "lww"

// Engine creates LWW documents.
type Engine struct{}

var _ crdt.Engine = Engine{}

func (Engine) Name() string { return Name }

func (Engine) New() crdt.Doc { return New() }

// FromSnapshot builds a document from a snapshot blob. Update blobs are
// rejected with crdt.ErrNotSnapshot.
func (Engine) FromSnapshot(snapshot []byte) (crdt.Doc, error) {
	mode, ops, err := decodeOps(snapshot)
	if err != nil {
		return nil, err
	}
	if mode != modeSnapshot {
		return nil, crdt.ErrNotSnapshot
	}
	d := New()
	d.integrate(ops)
	if len(d.pending) > 0 {
		return nil, fmt.Errorf("%w: snapshot has %d ops with missing predecessors", ErrCorrupt, len(d.pending))
	}
	return d, nil
}

func (Engine) DecodeVersion(b []byte) (crdt.Version, error) {
	vv, err := DecodeVersionVector(b)
	if err != nil {
		return nil, err
	}
	return vv, nil
}
