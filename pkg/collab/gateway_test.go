package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/events"
	"github.com/atelier-run/atelier/pkg/ot"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, mutate func(*config.CollabConfig)) (*Gateway, *ot.Engine, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig().Collab
	if mutate != nil {
		mutate(&cfg)
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	engine := ot.NewEngine(store, cfg.HistoryWindow)
	g := NewGateway(cfg, engine, broker)
	t.Cleanup(g.channel.Close)
	return g, engine, broker
}

func clientFrame(t *testing.T, frame ClientFrame) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	return data
}

func nextFrame(t *testing.T, sess *Session) *ServerFrame {
	t.Helper()
	select {
	case frame, ok := <-sess.Out():
		require.True(t, ok, "session closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func waitFrame(t *testing.T, sess *Session, frameType string) *ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-sess.Out():
			require.True(t, ok, "session closed")
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
			return nil
		}
	}
}

func register(t *testing.T, g *Gateway, sess *Session, docID string) *ServerFrame {
	t.Helper()
	g.HandleFrame(sess, clientFrame(t, ClientFrame{Type: FrameRegister, DocumentID: docID}))
	return waitFrame(t, sess, FrameRegistered)
}

func opFrame(t *testing.T, docID string, base uint64, ops ...*types.Operation) []byte {
	t.Helper()
	return clientFrame(t, ClientFrame{
		Type:       FrameOperation,
		DocumentID: docID,
		Batch:      &types.OperationBatch{BaseVersion: base, Operations: ops},
	})
}

func insertOp(pos int, text string) *types.Operation {
	return &types.Operation{Type: types.OpInsert, Position: pos, Text: text}
}

func TestGatewayRegisterAndEdit(t *testing.T) {
	g, engine, _ := newTestGateway(t, nil)

	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	bob, err := g.Connect("bob", "Bob")
	require.NoError(t, err)

	reg := register(t, g, alice, "doc-1")
	assert.Equal(t, uint64(0), reg.Version)
	assert.Empty(t, reg.Content)
	require.Len(t, reg.Presence, 1)

	reg = register(t, g, bob, "doc-1")
	assert.Len(t, reg.Presence, 2)
	joined := waitFrame(t, alice, FramePresenceJoin)
	assert.Equal(t, "bob", joined.Cursor.UserID)

	g.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "Hello")))

	ack := waitFrame(t, alice, FrameAck)
	assert.Equal(t, uint64(1), ack.Version)
	assert.Equal(t, ot.Hash("Hello"), ack.Hash)

	remote := waitFrame(t, bob, FrameOperation)
	assert.Equal(t, uint64(1), remote.Version)
	assert.Equal(t, "alice", remote.Batch.UserID)

	doc, err := engine.GetOrCreate("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Content)
}

func TestGatewayStaleBatchTransformed(t *testing.T) {
	g, engine, _ := newTestGateway(t, nil)

	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	bob, err := g.Connect("bob", "Bob")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")
	register(t, g, bob, "doc-1")

	g.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "Hello")))
	waitFrame(t, alice, FrameAck)

	// Bob edits against version 0, unaware of Alice's insert. History
	// wins the position tie, so his insert lands after hers.
	g.HandleFrame(bob, opFrame(t, "doc-1", 0, insertOp(0, ">")))
	waitFrame(t, bob, FrameAck)

	doc, err := engine.GetOrCreate("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello>", doc.Content)
}

func TestGatewayOperationRateLimit(t *testing.T) {
	g, _, _ := newTestGateway(t, func(cfg *config.CollabConfig) {
		cfg.OpsPerSecond = 1
		cfg.OpsBurst = 1
	})

	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")

	g.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "a")))
	waitFrame(t, alice, FrameAck)

	g.HandleFrame(alice, opFrame(t, "doc-1", 1, insertOp(1, "b")))
	errFrame := waitFrame(t, alice, FrameError)
	assert.Equal(t, string(errdefs.KindRateLimited), errFrame.Code)
	assert.Greater(t, errFrame.RetryAfter, 0.0)
}

func TestGatewayConnectionLimits(t *testing.T) {
	t.Run("per user rate", func(t *testing.T) {
		g, _, _ := newTestGateway(t, func(cfg *config.CollabConfig) {
			cfg.ConnectionsPerMin = 1
		})
		_, err := g.Connect("alice", "Alice")
		require.NoError(t, err)
		_, err = g.Connect("alice", "Alice")
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
		assert.Greater(t, errdefs.RetryAfter(err), time.Duration(0))
	})

	t.Run("global cap", func(t *testing.T) {
		g, _, _ := newTestGateway(t, func(cfg *config.CollabConfig) {
			cfg.MaxConnections = 1
		})
		_, err := g.Connect("alice", "Alice")
		require.NoError(t, err)
		_, err = g.Connect("bob", "Bob")
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
	})

	t.Run("breaker open rejects", func(t *testing.T) {
		g, _, _ := newTestGateway(t, nil)
		g.breaker.Observe(1.0)
		_, err := g.Connect("alice", "Alice")
		require.Error(t, err)
		assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
	})
}

func TestGatewayUnknownFrameRejected(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)

	g.HandleFrame(alice, []byte(`{"type":"teleport","document_id":"doc-1"}`))
	errFrame := waitFrame(t, alice, FrameError)
	assert.Contains(t, errFrame.Message, "unknown frame type")
}

func TestGatewaySync(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")

	g.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "ab")))
	waitFrame(t, alice, FrameAck)
	g.HandleFrame(alice, opFrame(t, "doc-1", 1, insertOp(2, "cd")))
	waitFrame(t, alice, FrameAck)

	g.HandleFrame(alice, clientFrame(t, ClientFrame{Type: FrameSync, DocumentID: "doc-1", Version: 1}))
	sync := waitFrame(t, alice, FrameSyncReply)
	assert.Equal(t, uint64(2), sync.Version)
	require.Len(t, sync.Operations, 1)
	assert.Empty(t, sync.Content)
}

func TestGatewaySyncFallsBackToSnapshot(t *testing.T) {
	g, _, _ := newTestGateway(t, func(cfg *config.CollabConfig) {
		cfg.HistoryWindow = 1
	})
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")

	for i := uint64(0); i < 3; i++ {
		g.HandleFrame(alice, opFrame(t, "doc-1", i, insertOp(int(i), "x")))
		waitFrame(t, alice, FrameAck)
	}

	g.HandleFrame(alice, clientFrame(t, ClientFrame{Type: FrameSync, DocumentID: "doc-1", Version: 0}))
	sync := waitFrame(t, alice, FrameSyncReply)
	assert.Equal(t, uint64(3), sync.Version)
	assert.Equal(t, "xxx", sync.Content)
	assert.Equal(t, ot.Hash("xxx"), sync.Hash)
	assert.Empty(t, sync.Operations)
}

func TestGatewayPresenceLeaveAfterGrace(t *testing.T) {
	g, _, _ := newTestGateway(t, func(cfg *config.CollabConfig) {
		cfg.PresenceGrace = 20 * time.Millisecond
	})
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	bob, err := g.Connect("bob", "Bob")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")
	register(t, g, bob, "doc-1")
	waitFrame(t, alice, FramePresenceJoin)

	g.Disconnect(bob)
	left := waitFrame(t, alice, FramePresenceLeave)
	assert.Equal(t, "bob", left.Cursor.UserID)
}

func TestGatewayResume(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	bob, err := g.Connect("bob", "Bob")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")
	register(t, g, bob, "doc-1")

	g.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "one")))
	waitFrame(t, alice, FrameAck)

	rec := g.Disconnect(alice)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.Docs["doc-1"])

	// Bob keeps editing while Alice is away
	g.HandleFrame(bob, opFrame(t, "doc-1", 1, insertOp(3, " two")))
	waitFrame(t, bob, FrameAck)

	sess, frames, err := g.Resume(rec.Token, "alice", "Alice")
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameSyncReply, frames[0].Type)
	assert.Equal(t, uint64(2), frames[0].Version)
	require.Len(t, frames[0].Operations, 1)

	// The resumed session is live in the room again
	g.HandleFrame(bob, opFrame(t, "doc-1", 2, insertOp(7, "!")))
	waitFrame(t, bob, FrameAck)
	op := waitFrame(t, sess, FrameOperation)
	assert.Equal(t, "bob", op.Batch.UserID)
}

func TestGatewayResumeTokenOneShot(t *testing.T) {
	g, _, _ := newTestGateway(t, nil)
	alice, err := g.Connect("alice", "Alice")
	require.NoError(t, err)
	register(t, g, alice, "doc-1")

	rec := g.Disconnect(alice)
	require.NotNil(t, rec)

	_, _, err = g.Resume(rec.Token, "alice", "Alice")
	require.NoError(t, err)

	_, _, err = g.Resume(rec.Token, "alice", "Alice")
	require.Error(t, err)
}

func TestGatewayCrossInstanceFanOut(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig().Collab
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	engine := ot.NewEngine(store, cfg.HistoryWindow)
	a := NewGateway(cfg, engine, broker)
	b := NewGateway(cfg, engine, broker)
	t.Cleanup(a.channel.Close)
	t.Cleanup(b.channel.Close)

	alice, err := a.Connect("alice", "Alice")
	require.NoError(t, err)
	bob, err := b.Connect("bob", "Bob")
	require.NoError(t, err)
	register(t, a, alice, "doc-1")
	register(t, b, bob, "doc-1")

	a.HandleFrame(alice, opFrame(t, "doc-1", 0, insertOp(0, "hi")))
	waitFrame(t, alice, FrameAck)

	// Delivered to the other instance's session through the broker
	op := waitFrame(t, bob, FrameOperation)
	assert.Equal(t, "alice", op.Batch.UserID)
	require.Len(t, op.Batch.Operations, 1)
	assert.Equal(t, "hi", op.Batch.Operations[0].Text)
}
