package nearcoordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/backupcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/clock"
	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/dedup"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/nearcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/store"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testNode struct {
	id    model.NodeID
	near  *nearcoordinator.Coordinator
	topo  *topology.Topology
	tp    *transport.TCPTransport
	backs *backupcoordinator.Coordinator
}

func newTestNode(t *testing.T, id model.NodeID, order uint32, addr string, addrs map[model.NodeID]string) *testNode {
	t.Helper()

	resolver := func(n model.NodeID) (string, bool) {
		a, ok := addrs[n]
		return a, ok
	}
	tp, err := transport.NewTCPTransport(id, addr, resolver, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() })

	ring := affinity.NewRing(64, 8)
	for n := range addrs {
		ring.AddNode(n)
	}
	topo := topology.New(ring, id, 0)
	entries := entrystore.NewStore(64)
	timers := timer.NewService()
	t.Cleanup(timers.Stop)

	m := metrics.New(string(id) + "-" + t.Name())
	backs := backupcoordinator.New(id, tp, entries, topo, conflict.NewVersionResolver(), timers, m,
		backupcoordinator.Config{NetworkTimeout: time.Second, DeferredAckCapacity: 4, DeferredAckPeriod: 50 * time.Millisecond}, zap.NewNop())
	backs.RegisterHandlers(tp)

	eng := engine.New(entries, topo, conflict.NewVersionResolver(), clock.NewDomain(order, 0), store.NewNopStore(), backs, timers, m, engine.Config{StoreEnabled: false}, zap.NewNop())
	eng.SetDispatcher(backs)

	near := nearcoordinator.New(id, order, eng, backs, tp, topo, dedup.NewNopCache(), m,
		nearcoordinator.Config{MaxRemapAttempts: 8, NetworkTimeout: time.Second}, zap.NewNop())
	near.RegisterHandlers(tp)

	return &testNode{id: id, near: near, topo: topo, tp: tp, backs: backs}
}

func TestCoordinator_Update_LocalKeyAppliesThroughEngineDirectly(t *testing.T) {
	addrs := map[model.NodeID]string{"node-a": "127.0.0.1:18511", "node-b": "127.0.0.1:18512"}
	a := newTestNode(t, "node-a", 1, addrs["node-a"], addrs)
	_ = newTestNode(t, "node-b", 2, addrs["node-b"], addrs)

	req := &nearcoordinator.UpdateRequest{
		WriteSync:       model.FullSync,
		AtomicOrder:     model.Clock,
		Operation:       model.OpUpdate,
		Keys:            []model.Key{"local-key"},
		Values:          [][]byte{[]byte("v1")},
		ReturnValueFlag: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := a.near.Update(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, result.FailedKeys)
}

func TestCoordinator_Update_RemoteKeyRoundTripsAndReads(t *testing.T) {
	addrs := map[model.NodeID]string{"node-a": "127.0.0.1:18513", "node-b": "127.0.0.1:18514"}
	a := newTestNode(t, "node-a", 1, addrs["node-a"], addrs)
	b := newTestNode(t, "node-b", 2, addrs["node-b"], addrs)

	// Find a key whose partition's primary, under this two-node ring,
	// is node-b as seen from node-a.
	var key model.Key
	for i := 0; i < 10000; i++ {
		candidate := model.Key(time.Duration(i).String())
		p := a.topo.Partition(candidate)
		if a.topo.Owners(p).Primary() == "node-b" {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key, "expected to find at least one key owned by node-b")

	req := &nearcoordinator.UpdateRequest{
		WriteSync:   model.FullSync,
		AtomicOrder: model.Clock,
		Operation:   model.OpUpdate,
		Keys:        []model.Key{key},
		Values:      [][]byte{[]byte("remote-value")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := a.near.Update(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, result.FailedKeys)

	getResults, err := a.near.Get(ctx, []model.Key{key})
	require.NoError(t, err)
	require.Len(t, getResults, 1)
	assert.True(t, getResults[0].Found)
	assert.Equal(t, []byte("remote-value"), getResults[0].Value)

	_ = b
}

func TestCoordinator_OnLeave_RemapsRatherThanFailsAnInFlightRequest(t *testing.T) {
	addrs := map[model.NodeID]string{"node-a": "127.0.0.1:18515", "node-b": "127.0.0.1:18516"}
	a := newTestNode(t, "node-a", 1, addrs["node-a"], addrs)
	_ = newTestNode(t, "node-b", 2, addrs["node-b"], addrs)

	var key model.Key
	for i := 0; i < 10000; i++ {
		candidate := model.Key(time.Duration(i).String())
		p := a.topo.Partition(candidate)
		if a.topo.Owners(p).Primary() == "node-b" {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key)

	req := &nearcoordinator.UpdateRequest{
		WriteSync:   model.FullSync,
		AtomicOrder: model.Clock,
		Operation:   model.OpUpdate,
		Keys:        []model.Key{key},
		Values:      [][]byte{[]byte("v")},
	}

	done := make(chan *nearcoordinator.UpdateResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		result, err := a.near.Update(ctx, req)
		require.NoError(t, err)
		done <- result
	}()

	// Simulate node-b departing mid-flight — a.near's outstanding
	// dispatch to node-b should be canceled and remapped, and since
	// node-b is still actually reachable the remap attempt succeeds.
	time.Sleep(20 * time.Millisecond)
	a.near.OnLeave("node-b", 1)

	select {
	case result := <-done:
		assert.Empty(t, result.FailedKeys)
	case <-time.After(3 * time.Second):
		t.Fatal("update did not complete after a simulated OnLeave")
	}
}
