package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPair(t *testing.T) (*transport.TCPTransport, *transport.TCPTransport, func()) {
	logger := zap.NewNop()

	addrs := map[model.NodeID]string{
		"node-a": "127.0.0.1:18471",
		"node-b": "127.0.0.1:18472",
	}
	resolver := func(n model.NodeID) (string, bool) {
		a, ok := addrs[n]
		return a, ok
	}

	a, err := transport.NewTCPTransport("node-a", addrs["node-a"], resolver, logger)
	require.NoError(t, err)
	b, err := transport.NewTCPTransport("node-b", addrs["node-b"], resolver, logger)
	require.NoError(t, err)

	return a, b, func() {
		a.Close()
		b.Close()
	}
}

func TestTCPTransport_Send_DeliversToHandler(t *testing.T) {
	a, b, cleanup := newPair(t)
	defer cleanup()

	var mu sync.Mutex
	var received *wire.DhtDeferredAckResponse
	done := make(chan struct{})

	var from model.NodeID
	b.RegisterHandler(wire.TypeDhtDeferredAckResponse, func(sender model.NodeID, msg wire.Message) {
		mu.Lock()
		from = sender
		received = msg.(*wire.DhtDeferredAckResponse)
		mu.Unlock()
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.Send(ctx, "node-b", &wire.DhtDeferredAckResponse{FutureVersions: []uint64{1, 2}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, []uint64{1, 2}, received.FutureVersions)
	assert.Equal(t, model.NodeID("node-a"), from)
}

func TestTCPTransport_SendOrdered_PreservesOrder(t *testing.T) {
	a, b, cleanup := newPair(t)
	defer cleanup()

	var mu sync.Mutex
	var seen []uint64
	const n = 20
	done := make(chan struct{})

	b.RegisterHandler(wire.TypeDhtDeferredAckResponse, func(from model.NodeID, msg wire.Message) {
		mu.Lock()
		seen = append(seen, msg.(*wire.DhtDeferredAckResponse).FutureVersions[0])
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := uint64(0); i < n; i++ {
		err := a.SendOrdered(context.Background(), "node-b", "dht-update", i,
			&wire.DhtDeferredAckResponse{FutureVersions: []uint64{i}}, time.Second, false)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive all ordered messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := uint64(0); i < n; i++ {
		assert.Equal(t, i, seen[i])
	}
}
