package docsync_test

import (
	"context"
	stdSync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/coordinator"
	"github.com/c0deZ3R0/go-doc-sync/crdt"
	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/protocol"
	"github.com/c0deZ3R0/go-doc-sync/transport/memory"
)

// recordingMetrics captures every call for assertions.
type recordingMetrics struct {
	mu          stdSync.Mutex
	messages    []string
	durations   []string
	broadcasts  []int
	conflicts   int
	rejections  int
	errors      []string
	connections int
	controllers int
}

var _ docsync.MetricsCollector = (*recordingMetrics)(nil)

func (m *recordingMetrics) RecordMessage(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msgType)
}

func (m *recordingMetrics) RecordSyncDuration(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, op)
}

func (m *recordingMetrics) RecordBroadcast(recipients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, recipients)
}

func (m *recordingMetrics) RecordConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *recordingMetrics) RecordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

func (m *recordingMetrics) RecordSyncErrors(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, op+":"+reason)
}

func (m *recordingMetrics) SetConnections(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = n
}

func (m *recordingMetrics) SetControllers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers = n
}

func TestMetricsCollection(t *testing.T) {
	rejectAll := coordinator.Funcs{
		Doc:    func(local, remote crdt.Doc) bool { return false },
		Events: func(local crdt.Doc, batch *crdt.EventBatch) bool { return false },
	}

	tests := []struct {
		name       string
		co         coordinator.Coordinator
		operation  func(t *testing.T, env *testEnv)
		assertions func(t *testing.T, m *recordingMetrics)
	}{
		{
			name: "accepted update is counted and broadcast",
			operation: func(t *testing.T, env *testEnv) {
				alice, bob := env.dial(t), env.dial(t)
				syncDoc(t, alice, "doc1", lww.New())
				syncDoc(t, bob, "doc1", lww.New())
				post(t, alice, "doc1", edit(t, lww.New(), "k", "v"))
			},
			assertions: func(t *testing.T, m *recordingMetrics) {
				assert.Equal(t, []string{"canSync", "canSync", "postUpdate"}, m.messages)
				assert.Equal(t, []int{2}, m.broadcasts)
				assert.Equal(t, 2, m.connections)
				assert.Equal(t, 1, m.controllers)
				assert.Contains(t, m.durations, "post_update")
			},
		},
		{
			name: "conflicts and rejections are counted",
			co:   rejectAll,
			operation: func(t *testing.T, env *testEnv) {
				alice := env.dial(t)
				reply := syncDoc(t, alice, "doc1", lww.New())
				require.Equal(t, protocol.PostConflict, reply.Type)
				post(t, alice, "doc1", edit(t, lww.New(), "k", "v"))
			},
			assertions: func(t *testing.T, m *recordingMetrics) {
				assert.Equal(t, 1, m.conflicts)
				assert.Equal(t, 1, m.rejections)
				assert.Empty(t, m.broadcasts)
			},
		},
		{
			name: "failed broadcast is counted",
			operation: func(t *testing.T, env *testEnv) {
				alice := env.dial(t)
				syncDoc(t, alice, "doc1", lww.New())

				// bob never drains the startSync reply, so his queue is full.
				slow, err := memory.NewNetwork(env.server, 1).Dial(env.location)
				require.NoError(t, err)
				snap, err := lww.New().ExportSnapshot()
				require.NoError(t, err)
				require.NoError(t, slow.Send(context.Background(), protocol.NewCanSync("doc1", snap)))

				post(t, alice, "doc1", edit(t, lww.New(), "k", "v"))
				<-slow.Closed()
			},
			assertions: func(t *testing.T, m *recordingMetrics) {
				assert.Equal(t, []int{1}, m.broadcasts)
				assert.Equal(t, []string{"broadcast:unavailable"}, m.errors)
				assert.Equal(t, 1, m.connections)
			},
		},
		{
			name: "closed connections are reported",
			operation: func(t *testing.T, env *testEnv) {
				alice := env.dial(t)
				alice.Close()
			},
			assertions: func(t *testing.T, m *recordingMetrics) {
				assert.Equal(t, 0, m.connections)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &recordingMetrics{}
			env := setupTestServer(t, newPersister(t), tt.co, docsync.WithMetrics(m))
			tt.operation(t, env)

			m.mu.Lock()
			defer m.mu.Unlock()
			tt.assertions(t, m)
		})
	}
}
