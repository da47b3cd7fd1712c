package lww

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-doc-sync/crdt"
)

func newPeer(t *testing.T, id string) *Doc {
	t.Helper()
	d := New()
	require.NoError(t, d.SetPeerID(id))
	return d
}

func TestLocalWritesFireEvents(t *testing.T) {
	d := newPeer(t, "a")
	var got []*crdt.EventBatch
	d.Subscribe(func(e *crdt.EventBatch) { got = append(got, e) })

	d.Set("title", []byte("hello"))
	d.Delete("missing")

	require.Len(t, got, 1)
	assert.Equal(t, crdt.TriggerLocal, got[0].By)
	assert.Equal(t, []crdt.Change{{Path: "title", Value: []byte("hello")}}, got[0].Changes)
	assert.Equal(t, 2, d.OpCount())
	assert.Equal(t, []string{"title"}, d.Keys())
}

func TestReplicasConverge(t *testing.T) {
	a := newPeer(t, "a")
	b := newPeer(t, "b")

	a.Set("k", []byte("from-a"))
	b.Set("k", []byte("from-b"))
	b.Set("other", []byte("x"))

	fromA, err := a.ExportFrom(nil)
	require.NoError(t, err)
	fromB, err := b.ExportFrom(nil)
	require.NoError(t, err)

	require.NoError(t, a.Import(fromB))
	require.NoError(t, b.Import(fromA))

	va, _ := a.Get("k")
	vb, _ := b.Get("k")
	assert.Equal(t, va, vb)
	// equal lamport, higher peer id wins
	assert.Equal(t, []byte("from-b"), va)
	assert.True(t, a.VersionVector().IsEqual(b.VersionVector()))
}

func TestImportIsIdempotent(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("k", []byte("v"))
	update, err := a.ExportFrom(nil)
	require.NoError(t, err)

	b := newPeer(t, "b")
	events := 0
	b.Subscribe(func(*crdt.EventBatch) { events++ })

	require.NoError(t, b.Import(update))
	require.NoError(t, b.Import(update))

	assert.Equal(t, 1, events)
	assert.Equal(t, 1, b.OpCount())
}

func TestLosingWriteFiresNoEvent(t *testing.T) {
	a := newPeer(t, "a")
	z := newPeer(t, "z")

	z.Set("k", []byte("winner"))
	a.Set("k", []byte("loser"))
	loser, err := a.ExportFrom(nil)
	require.NoError(t, err)

	events := 0
	z.Subscribe(func(*crdt.EventBatch) { events++ })
	require.NoError(t, z.Import(loser))

	assert.Equal(t, 0, events)
	assert.Equal(t, 2, z.OpCount())
	v, ok := z.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("winner"), v)
}

func TestOutOfOrderOpsWaitForPredecessors(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("k", []byte("1"))
	v1 := a.VersionVector()
	first, err := a.ExportFrom(nil)
	require.NoError(t, err)
	a.Set("k", []byte("2"))
	second, err := a.ExportFrom(v1)
	require.NoError(t, err)

	b := newPeer(t, "b")
	require.NoError(t, b.Import(second))
	_, ok := b.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, b.OpCount())

	require.NoError(t, b.Import(first))
	v, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	assert.Equal(t, 2, b.OpCount())
}

func TestExportFromOnlyReturnsMissingOps(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("x", []byte("1"))
	mid := a.Version()
	a.Set("y", []byte("2"))

	delta, err := a.ExportFrom(mid)
	require.NoError(t, err)
	mode, ops, err := decodeOps(delta)
	require.NoError(t, err)
	assert.Equal(t, modeUpdate, mode)
	require.Len(t, ops, 1)
	assert.Equal(t, "y", ops[0].Key)
}

func TestForkAtRestoresEarlierState(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("x", []byte("1"))
	at := a.Frontiers()
	a.Set("x", []byte("2"))
	a.Set("y", []byte("3"))

	forked, err := a.ForkAt(at)
	require.NoError(t, err)
	fork := forked.(*Doc)

	assert.Equal(t, "a", fork.PeerID())
	assert.Equal(t, 1, fork.OpCount())
	v, ok := fork.Get("x")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	_, ok = fork.Get("y")
	assert.False(t, ok)

	// the original is untouched
	assert.Equal(t, 3, a.OpCount())
}

func TestFrontiersToVersionRejectsForeignFrontiers(t *testing.T) {
	a := newPeer(t, "a")
	_, err := a.FrontiersToVersion(Frontiers{{Peer: "zz", Counter: 4}})
	assert.Error(t, err)
}

func TestImportBatchIsAllOrNothing(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("k", []byte("v"))
	good, err := a.ExportFrom(nil)
	require.NoError(t, err)

	b := newPeer(t, "b")
	err = b.ImportBatch([][]byte{good, []byte("garbage")})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, 0, b.OpCount())
}

func TestUnsubscribe(t *testing.T) {
	d := newPeer(t, "a")
	events := 0
	unsub := d.Subscribe(func(*crdt.EventBatch) { events++ })
	d.Set("k", []byte("1"))
	unsub()
	d.Set("k", []byte("2"))
	assert.Equal(t, 1, events)
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("k", []byte("v"))
	a.Delete("k")
	a.Set("j", []byte("w"))

	snap, err := a.ExportSnapshot()
	require.NoError(t, err)

	doc, err := Engine{}.FromSnapshot(snap)
	require.NoError(t, err)
	b := doc.(*Doc)
	assert.Equal(t, []string{"j"}, b.Keys())
	assert.Equal(t, 3, b.OpCount())
	assert.Equal(t, a.Version().Encode(), b.Version().Encode())

	update, err := a.ExportFrom(nil)
	require.NoError(t, err)
	_, err = Engine{}.FromSnapshot(update)
	assert.ErrorIs(t, err, crdt.ErrNotSnapshot)
}

func TestEngineDecodeVersion(t *testing.T) {
	a := newPeer(t, "a")
	a.Set("k", []byte("v"))

	v, err := Engine{}.DecodeVersion(a.Version().Encode())
	require.NoError(t, err)
	delta, err := a.ExportFrom(v)
	require.NoError(t, err)
	_, ops, err := decodeOps(delta)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSetPeerIDValidation(t *testing.T) {
	d := New()
	assert.Error(t, d.SetPeerID(""))
	assert.NoError(t, d.SetPeerID("server"))
	assert.Equal(t, "server", d.PeerID())
}
