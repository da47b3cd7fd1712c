// Package automerge adapts github.com/automerge/automerge-go to the crdt
// engine contract. Versions and frontiers are both expressed as the set of
// change hashes at the head of the document's history.
package automerge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	am "github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

// Name is the engine name used in configuration.
const Name = "automerge"

// ErrCorrupt is returned for heads that cannot be decoded.
var ErrCorrupt = errors.New("automerge: corrupt heads")

// Heads is a set of change hashes. It satisfies both crdt.Version and
// crdt.Frontiers.
type Heads []am.ChangeHash

var (
	_ crdt.Version   = Heads(nil)
	_ crdt.Frontiers = Heads(nil)
)

// headsHash is the field number of the repeated hash field in the protobuf
// form of Heads:
//
//	message Heads {
//	  repeated bytes hashes = 1; // 32 bytes each, sorted
//	}
const headsHash protowire.Number = 1

// Encode returns the protobuf form of the sorted heads.
func (h Heads) Encode() []byte {
	sorted := append(Heads(nil), h...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	var buf []byte
	for _, ch := range sorted {
		buf = protowire.AppendTag(buf, headsHash, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ch[:])
	}
	return buf
}

func (h Heads) equal(other Heads) bool {
	return bytes.Equal(h.Encode(), other.Encode())
}

// DecodeHeads parses the output of Heads.Encode.
func DecodeHeads(b []byte) (Heads, error) {
	var h Heads
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		if num != headsHash || typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		var ch am.ChangeHash
		if len(v) != len(ch) {
			return nil, fmt.Errorf("%w: hash is %d bytes", ErrCorrupt, len(v))
		}
		copy(ch[:], v)
		h = append(h, ch)
		b = b[n:]
	}
	return h, nil
}

// Doc wraps an automerge document. Subscribers fire whenever a mutation moves
// the document's heads and changes at least one root map value. Each change
// in a batch names the root key it touched.
type Doc struct {
	doc     *am.Doc
	subs    map[int]func(*crdt.EventBatch)
	nextSub int
}

var _ crdt.Doc = (*Doc)(nil)

// New returns an empty document.
func New() *Doc {
	return wrap(am.New())
}

func wrap(d *am.Doc) *Doc {
	return &Doc{doc: d, subs: make(map[int]func(*crdt.EventBatch))}
}

// Raw exposes the underlying automerge document for reads.
func (d *Doc) Raw() *am.Doc { return d.doc }

func (d *Doc) PeerID() string { return d.doc.ActorID() }

// SetPeerID sets the automerge actor. Actor IDs are hex encoded.
func (d *Doc) SetPeerID(id string) error { return d.doc.SetActorID(id) }

// Set writes value at key in the root map and commits it.
func (d *Doc) Set(key string, value any) error {
	before, values := d.heads(), d.rootValues()
	if err := d.doc.Path(key).Set(value); err != nil {
		return err
	}
	if _, err := d.doc.Commit("set " + key); err != nil {
		return err
	}
	d.emitIfMoved(crdt.TriggerLocal, before, values)
	return nil
}

// Delete removes key from the root map and commits it.
func (d *Doc) Delete(key string) error {
	before, values := d.heads(), d.rootValues()
	if err := d.doc.Path(key).Delete(); err != nil {
		return err
	}
	if _, err := d.doc.Commit("delete " + key); err != nil {
		return err
	}
	d.emitIfMoved(crdt.TriggerLocal, before, values)
	return nil
}

// Get reads key from the root map.
func (d *Doc) Get(key string) (*am.Value, error) {
	return d.doc.Path(key).Get()
}

func (d *Doc) Import(blob []byte) error {
	return d.ImportBatch([][]byte{blob})
}

func (d *Doc) ImportBatch(blobs [][]byte) error {
	before, values := d.heads(), d.rootValues()
	for i, blob := range blobs {
		if err := d.doc.LoadIncremental(blob); err != nil {
			return fmt.Errorf("import blob %d: %w", i, err)
		}
	}
	d.emitIfMoved(crdt.TriggerImport, before, values)
	return nil
}

func (d *Doc) ExportSnapshot() ([]byte, error) {
	return d.doc.Save(), nil
}

// ExportFrom returns the changes since from. Heads this document has never
// seen make automerge refuse the query, in which case every change is sent.
func (d *Doc) ExportFrom(from crdt.Version) ([]byte, error) {
	var since Heads
	if from != nil {
		h, ok := from.(Heads)
		if !ok {
			return nil, crdt.ErrForeignVersion
		}
		since = h
	}
	changes, err := d.doc.Changes(since...)
	if err != nil {
		if changes, err = d.doc.Changes(); err != nil {
			return nil, err
		}
	}
	return am.SaveChanges(changes), nil
}

func (d *Doc) heads() Heads { return Heads(d.doc.Heads()) }

func (d *Doc) Version() crdt.Version { return d.heads() }

func (d *Doc) Frontiers() crdt.Frontiers { return d.heads() }

func (d *Doc) FrontiersToVersion(f crdt.Frontiers) (crdt.Version, error) {
	h, ok := f.(Heads)
	if !ok {
		return nil, crdt.ErrForeignVersion
	}
	return h, nil
}

func (d *Doc) OpCount() int {
	changes, err := d.doc.Changes()
	if err != nil {
		return 0
	}
	return len(changes)
}

func (d *Doc) ForkAt(f crdt.Frontiers) (crdt.Doc, error) {
	h, ok := f.(Heads)
	if !ok {
		return nil, crdt.ErrForeignVersion
	}
	forked, err := d.doc.Fork(h...)
	if err != nil {
		return nil, err
	}
	if err := forked.SetActorID(d.doc.ActorID()); err != nil {
		return nil, err
	}
	return wrap(forked), nil
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

// emitIfMoved reports every root key whose value differs from values, if
// the heads moved past before.
func (d *Doc) emitIfMoved(by crdt.Trigger, before Heads, values map[string]any) {
	if d.heads().equal(before) {
		return
	}
	changes := diffRoot(values, d.rootValues())
	if len(changes) == 0 {
		return
	}
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := d.subs[id]; ok {
			fn(&crdt.EventBatch{By: by, Changes: changes})
		}
	}
}

// rootValues materialises the root map, nested objects included.
func (d *Doc) rootValues() map[string]any {
	values, err := d.doc.RootMap().Values()
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v.Interface()
	}
	return out
}

// diffRoot returns one change per root key that was added, modified or
// removed, sorted by key.
func diffRoot(before, after map[string]any) []crdt.Change {
	keys := make([]string, 0, len(after))
	for k := range after {
		keys = append(keys, k)
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []crdt.Change
	for _, k := range keys {
		old, had := before[k]
		cur, has := after[k]
		switch {
		case !has:
			changes = append(changes, crdt.Change{Path: k, Deleted: true})
		case !had || !reflect.DeepEqual(old, cur):
			changes = append(changes, crdt.Change{Path: k, Value: encodeValue(cur)})
		}
	}
	return changes
}

// encodeValue renders a root value for a Change. Strings and bytes are
// passed through; everything else is JSON.
func encodeValue(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case string:
		return []byte(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Engine creates automerge documents.
type Engine struct{}

var _ crdt.Engine = Engine{}

func (Engine) Name() string { return Name }

func (Engine) New() crdt.Doc { return New() }

func (Engine) FromSnapshot(snapshot []byte) (crdt.Doc, error) {
	d, err := am.Load(snapshot)
	if err != nil {
		return nil, err
	}
	return wrap(d), nil
}

func (Engine) DecodeVersion(b []byte) (crdt.Version, error) {
	h, err := DecodeHeads(b)
	if err != nil {
		return nil, err
	}
	return h, nil
}
