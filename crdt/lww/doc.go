// Package lww is a pure Go CRDT engine: a map of last-writer-wins registers
// ordered by Lamport timestamp, with the peer ID as tie breaker. Every peer's
// ops are applied in counter order; ops that arrive early wait in a pending
// set until the gap is filled.
package lww

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

// Doc is a replica of an LWW map. It is not safe for concurrent use.
type Doc struct {
	peer    string
	ops     []Op
	version *VersionVector
	pending map[OpID]Op
	state   map[string]Op
	lamport uint64

	subs    map[int]func(*crdt.EventBatch)
	nextSub int
}

var _ crdt.Doc = (*Doc)(nil)

// New returns an empty document with a random peer ID.
func New() *Doc {
	return &Doc{
		peer:    uuid.NewString(),
		version: NewVersionVector(),
		pending: make(map[OpID]Op),
		state:   make(map[string]Op),
		subs:    make(map[int]func(*crdt.EventBatch)),
	}
}

func (d *Doc) PeerID() string { return d.peer }

func (d *Doc) SetPeerID(id string) error {
	if err := validatePeerID(id); err != nil {
		return err
	}
	d.peer = id
	return nil
}

// Set writes value under key.
func (d *Doc) Set(key string, value []byte) {
	d.local(key, append([]byte(nil), value...), false)
}

// Delete removes key. Deleting a missing key records a tombstone but fires no
// event.
func (d *Doc) Delete(key string) {
	d.local(key, nil, true)
}

// Get returns the current value of key.
func (d *Doc) Get(key string) ([]byte, bool) {
	op, ok := d.state[key]
	if !ok || op.Deleted {
		return nil, false
	}
	return append([]byte(nil), op.Value...), true
}

// Keys returns the live keys in sorted order.
func (d *Doc) Keys() []string {
	keys := make([]string, 0, len(d.state))
	for k, op := range d.state {
		if !op.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d *Doc) local(key string, value []byte, deleted bool) {
	op := Op{
		ID:      OpID{Peer: d.peer, Counter: d.version.Get(d.peer) + 1},
		Lamport: d.lamport + 1,
		Key:     key,
		Value:   value,
		Deleted: deleted,
	}
	d.emit(crdt.TriggerLocal, d.integrate([]Op{op}))
}

func (d *Doc) Import(blob []byte) error {
	return d.ImportBatch([][]byte{blob})
}

// ImportBatch decodes every blob before applying any, so a corrupt blob leaves
// the document untouched.
func (d *Doc) ImportBatch(blobs [][]byte) error {
	var all []Op
	for i, blob := range blobs {
		_, ops, err := decodeOps(blob)
		if err != nil {
			return fmt.Errorf("import blob %d: %w", i, err)
		}
		all = append(all, ops...)
	}
	d.emit(crdt.TriggerImport, d.integrate(all))
	return nil
}

func (d *Doc) ExportSnapshot() ([]byte, error) {
	return encodeOps(modeSnapshot, d.ops), nil
}

// ExportFrom returns the applied ops not covered by from. A nil from exports
// everything.
func (d *Doc) ExportFrom(from crdt.Version) ([]byte, error) {
	var since *VersionVector
	if from != nil {
		vv, ok := from.(*VersionVector)
		if !ok {
			return nil, crdt.ErrForeignVersion
		}
		since = vv
	}
	var ops []Op
	for _, op := range d.ops {
		if op.ID.Counter > since.Get(op.ID.Peer) {
			ops = append(ops, op)
		}
	}
	return encodeOps(modeUpdate, ops), nil
}

func (d *Doc) Version() crdt.Version { return d.version.Clone() }

// VersionVector returns a copy of the applied version.
func (d *Doc) VersionVector() *VersionVector { return d.version.Clone() }

func (d *Doc) Frontiers() crdt.Frontiers { return frontiersOf(d.version) }

func (d *Doc) FrontiersToVersion(f crdt.Frontiers) (crdt.Version, error) {
	fr, ok := f.(Frontiers)
	if !ok {
		return nil, crdt.ErrForeignVersion
	}
	vv := fr.toVersion()
	if !d.version.Includes(vv) {
		return nil, fmt.Errorf("lww: frontiers %v are not part of this document", fr)
	}
	return vv, nil
}

func (d *Doc) OpCount() int { return len(d.ops) }

// ForkAt rebuilds the document from the ops covered by f. The fork keeps the
// peer ID and has no subscribers.
func (d *Doc) ForkAt(f crdt.Frontiers) (crdt.Doc, error) {
	v, err := d.FrontiersToVersion(f)
	if err != nil {
		return nil, err
	}
	limit := v.(*VersionVector)

	fork := New()
	fork.peer = d.peer
	var ops []Op
	for _, op := range d.ops {
		if op.ID.Counter <= limit.Get(op.ID.Peer) {
			ops = append(ops, op)
		}
	}
	fork.integrate(ops)
	return fork, nil
}

func (d *Doc) Subscribe(fn func(*crdt.EventBatch)) crdt.Subscription {
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() { delete(d.subs, id) }
}

func (d *Doc) Close() {
	d.subs = make(map[int]func(*crdt.EventBatch))
}

// integrate applies ops in per-peer counter order and returns the net visible
// change per touched key.
func (d *Doc) integrate(ops []Op) []crdt.Change {
	for _, op := range ops {
		if op.ID.Counter <= d.version.Get(op.ID.Peer) {
			continue
		}
		d.pending[op.ID] = op
	}

	before := make(map[string]*Op)
	for progress := true; progress; {
		progress = false
		for _, id := range d.pendingIDs() {
			if id.Counter != d.version.Get(id.Peer)+1 {
				continue
			}
			op := d.pending[id]
			delete(d.pending, id)
			if _, seen := before[op.Key]; !seen {
				if cur, ok := d.state[op.Key]; ok {
					before[op.Key] = &cur
				} else {
					before[op.Key] = nil
				}
			}
			d.apply(op)
			progress = true
		}
	}

	keys := make([]string, 0, len(before))
	for k := range before {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []crdt.Change
	for _, k := range keys {
		after, ok := d.state[k]
		if !ok || !visiblyDiffers(before[k], after) {
			continue
		}
		changes = append(changes, crdt.Change{Path: k, Value: after.Value, Deleted: after.Deleted})
	}
	return changes
}

func (d *Doc) apply(op Op) {
	d.ops = append(d.ops, op)
	d.version.set(op.ID.Peer, op.ID.Counter)
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	if cur, ok := d.state[op.Key]; !ok || wins(op, cur) {
		d.state[op.Key] = op
	}
}

func (d *Doc) pendingIDs() []OpID {
	ids := make([]OpID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Peer != ids[j].Peer {
			return ids[i].Peer < ids[j].Peer
		}
		return ids[i].Counter < ids[j].Counter
	})
	return ids
}

func (d *Doc) emit(by crdt.Trigger, changes []crdt.Change) {
	if len(changes) == 0 {
		return
	}
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fn, ok := d.subs[id]
		if !ok {
			continue
		}
		fn(&crdt.EventBatch{By: by, Changes: changes})
	}
}

// wins reports whether a should replace b as the register value.
func wins(a, b Op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.ID.Peer != b.ID.Peer {
		return a.ID.Peer > b.ID.Peer
	}
	return a.ID.Counter > b.ID.Counter
}

func visiblyDiffers(before *Op, after Op) bool {
	if before == nil || before.Deleted {
		return !after.Deleted
	}
	if after.Deleted {
		return true
	}
	return !bytes.Equal(before.Value, after.Value)
}
