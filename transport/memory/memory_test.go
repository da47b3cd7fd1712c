package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docsync "github.com/c0deZ3R0/go-doc-sync"
	"github.com/c0deZ3R0/go-doc-sync/crdt/lww"
	"github.com/c0deZ3R0/go-doc-sync/logging"
	"github.com/c0deZ3R0/go-doc-sync/protocol"
	"github.com/c0deZ3R0/go-doc-sync/storage/sqlite"
)

func TestConnQueue(t *testing.T) {
	c := &Conn{id: "c1", inbox: make(chan []byte, 1)}
	c.open.Store(true)

	buf := []byte("a")
	require.NoError(t, c.Send(buf))
	buf[0] = 'z'
	assert.Equal(t, []byte("a"), <-c.inbox, "Send must copy the frame")

	require.NoError(t, c.Send([]byte("b")))
	assert.ErrorIs(t, c.Send([]byte("c")), docsync.ErrConnectionClosed)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Send([]byte("d")), docsync.ErrConnectionClosed)
	assert.ErrorIs(t, c.Ping(), docsync.ErrConnectionClosed)
}

func TestClientRoundTrip(t *testing.T) {
	pc := sqlite.DefaultConfig()
	pc.Logger = logging.Discard()
	p, err := sqlite.New(lww.Engine{}, pc)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	server, err := docsync.NewServer(p, lww.Engine{}, nil,
		docsync.WithLogger(logging.Discard()),
		docsync.WithHeartbeatInterval(-1),
	)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	network := NewNetwork(server, 0)
	_, err = network.Dial("")
	assert.ErrorIs(t, err, docsync.ErrUnboundConnection)

	client, err := network.Dial(t.TempDir() + "/app-data.db")
	require.NoError(t, err)

	snap, err := lww.New().ExportSnapshot()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, protocol.NewCanSync("doc1", snap)))

	msg, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StartSync, msg.Type)

	client.Close()
	select {
	case <-client.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("session not torn down")
	}
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, docsync.ErrConnectionClosed)
	assert.ErrorIs(t, client.Send(ctx, protocol.NewCanSync("doc1", snap)), docsync.ErrConnectionClosed)
	assert.Equal(t, 0, server.Connections())
}
