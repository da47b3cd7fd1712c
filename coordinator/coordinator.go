// Package coordinator holds the policies the sync server consults before it
// accepts a client's document state or a batch of imported changes.
package coordinator

import "github.com/c0deZ3R0/go-doc-sync/crdt"

// Coordinator decides whether the server accepts remote input. Both methods
// must be free of side effects on the documents they inspect.
type Coordinator interface {
	// CheckDoc is called with the server's document and the state a client
	// announced. Returning false answers the client with a conflict.
	CheckDoc(local, remote crdt.Doc) bool
	// CheckEvents is called after an update was imported into local.
	// Returning false rolls the import back.
	CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool
}

// Permissive accepts everything.
type Permissive struct{}

func (Permissive) CheckDoc(local, remote crdt.Doc) bool { return true }

func (Permissive) CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool { return true }

// MaxOpCount caps the number of operations a document may hold.
type MaxOpCount struct {
	Limit int
}

// CheckDoc rejects announced states that already exceed the quota.
func (m MaxOpCount) CheckDoc(local, remote crdt.Doc) bool {
	return remote.OpCount() <= m.Limit
}

// CheckEvents rejects imports that pushed the document over the quota.
func (m MaxOpCount) CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool {
	return local.OpCount() <= m.Limit
}

// MaxChanges limits how many observable changes one update may carry.
type MaxChanges struct {
	Limit int
}

func (MaxChanges) CheckDoc(local, remote crdt.Doc) bool { return true }

func (m MaxChanges) CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool {
	return batch == nil || len(batch.Changes) <= m.Limit
}

// Chain accepts only if every coordinator accepts. An empty Chain accepts
// everything.
type Chain []Coordinator

func (c Chain) CheckDoc(local, remote crdt.Doc) bool {
	for _, co := range c {
		if !co.CheckDoc(local, remote) {
			return false
		}
	}
	return true
}

func (c Chain) CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool {
	for _, co := range c {
		if !co.CheckEvents(local, batch) {
			return false
		}
	}
	return true
}

// Funcs adapts plain functions to a Coordinator. A nil function accepts.
type Funcs struct {
	Doc    func(local, remote crdt.Doc) bool
	Events func(local crdt.Doc, batch *crdt.EventBatch) bool
}

func (f Funcs) CheckDoc(local, remote crdt.Doc) bool {
	return f.Doc == nil || f.Doc(local, remote)
}

func (f Funcs) CheckEvents(local crdt.Doc, batch *crdt.EventBatch) bool {
	return f.Events == nil || f.Events(local, batch)
}

// FromLimits builds the coordinator described by the server configuration.
// Zero limits are disabled.
func FromLimits(maxOpCount, maxChangesPerBatch int) Coordinator {
	var chain Chain
	if maxOpCount > 0 {
		chain = append(chain, MaxOpCount{Limit: maxOpCount})
	}
	if maxChangesPerBatch > 0 {
		chain = append(chain, MaxChanges{Limit: maxChangesPerBatch})
	}
	if len(chain) == 0 {
		return Permissive{}
	}
	return chain
}
