package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/storage"
)

// setupTestPersister connects to the database named by
// POSTGRES_TEST_CONNECTION and returns a location unique to the test.
func setupTestPersister(t *testing.T) (*Persister, string) {
	t.Helper()
	connStr := os.Getenv("POSTGRES_TEST_CONNECTION")
	if connStr == "" {
		t.Skip("POSTGRES_TEST_CONNECTION not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	config := DefaultConfig(connStr)
	config.Logger = logging.Discard()
	p, err := New(ctx, lww.Engine{}, config)
	require.NoError(t, err)

	location := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, err := p.db.Exec(fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, pq.QuoteIdentifier(SchemaName(location))))
		if err != nil {
			t.Logf("Failed to drop test schema: %v", err)
		}
		p.Close()
	})
	return p, location
}

func TestSchemaName(t *testing.T) {
	a := SchemaName("/data/kb1/app-data.db")
	assert.Len(t, a, len("docsync_")+16)
	assert.Equal(t, a, SchemaName("/data/kb1/app-data.db"))
	assert.NotEqual(t, a, SchemaName("/data/kb2/app-data.db"))
}

func TestNewRequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), lww.Engine{}, &Config{})
	assert.Error(t, err)
}

func TestConcreteScenario(t *testing.T) {
	p, loc := setupTestPersister(t)
	ctx := context.Background()

	exists, err := p.DocExists(ctx, "doc1", loc)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.EnsureDoc(ctx, "doc1", loc))
	require.NoError(t, p.EnsureDoc(ctx, "doc1", loc))

	updates, err := p.LoadUpdates(ctx, "doc1", loc)
	require.NoError(t, err)
	assert.Empty(t, updates)

	origin := lww.New()
	origin.Set("title", []byte("hello"))
	u1, err := origin.ExportFrom(nil)
	require.NoError(t, err)

	require.NoError(t, p.SaveUpdates(ctx, "doc1", loc, [][]byte{u1}))
	updates, err = p.LoadUpdates(ctx, "doc1", loc)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{u1}, updates)

	_, err = p.ShrinkDoc(ctx, "doc1", loc, false)
	require.NoError(t, err)
	updates, err = p.LoadUpdates(ctx, "doc1", loc)
	require.NoError(t, err)
	assert.Empty(t, updates)

	snap, err := p.LoadSnapshot(ctx, "doc1", loc)
	require.NoError(t, err)
	restored, err := lww.Engine{}.FromSnapshot(snap)
	require.NoError(t, err)
	assert.True(t, restored.(*lww.Doc).VersionVector().Includes(origin.VersionVector()))
}

func TestAllDocIDsAndDelete(t *testing.T) {
	p, loc := setupTestPersister(t)
	ctx := context.Background()

	ids := []string{"plain", "with space", "中文"}
	for _, id := range ids {
		require.NoError(t, p.EnsureDoc(ctx, id, loc))
	}
	got, err := p.AllDocIDs(ctx, loc)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, got)

	require.NoError(t, p.DeleteDoc(ctx, "plain", loc))
	exists, err := p.DocExists(ctx, "plain", loc)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = p.LoadSnapshot(ctx, "plain", loc)
	assert.ErrorIs(t, err, storage.ErrDocNotFound)
}

func TestMissingStore(t *testing.T) {
	p, loc := setupTestPersister(t)
	_, err := p.LoadSnapshot(context.Background(), "doc1", loc)
	assert.ErrorIs(t, err, storage.ErrStoreNotFound)
}

func TestShrinkAll(t *testing.T) {
	p, loc := setupTestPersister(t)
	ctx := context.Background()

	doc := lww.New()
	require.NoError(t, p.Load(ctx, "doc1", loc, doc))
	for i := 0; i < 10; i++ {
		before := doc.VersionVector()
		doc.Set("n", []byte{byte(i)})
		u, err := doc.ExportFrom(before)
		require.NoError(t, err)
		require.NoError(t, p.SaveUpdates(ctx, "doc1", loc, [][]byte{u}))
	}

	res, err := p.ShrinkAll(ctx, loc)
	require.NoError(t, err)
	assert.Positive(t, res.BeforeSize)

	fresh := lww.New()
	require.NoError(t, p.LoadBatch(ctx, "doc1", loc, fresh))
	assert.True(t, fresh.VersionVector().IsEqual(doc.VersionVector()))
}
