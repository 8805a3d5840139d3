package backupcoordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/backupcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type node struct {
	id      model.NodeID
	coord   *backupcoordinator.Coordinator
	entries *entrystore.Store
	topo    *topology.Topology
	tp      *transport.TCPTransport
}

func newNode(t *testing.T, id model.NodeID, addr string, addrs map[model.NodeID]string, cfg backupcoordinator.Config) *node {
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
	topo := topology.New(ring, id, 1)
	entries := entrystore.NewStore(64)
	timers := timer.NewService()
	t.Cleanup(timers.Stop)

	coord := backupcoordinator.New(id, tp, entries, topo, conflict.NewVersionResolver(), timers, metrics.New(string(id)+"-"+t.Name()), cfg, zap.NewNop())
	coord.RegisterHandlers(tp)

	return &node{id: id, coord: coord, entries: entries, topo: topo, tp: tp}
}

func planFor(futureVersion uint64, writeVersion model.CacheVersion, writeSync model.WriteSyncMode, backup model.NodeID, key model.Key, value []byte, deleted bool) engine.BackupPlan {
	return engine.BackupPlan{
		FutureVersion:   futureVersion,
		WriteVersion:    writeVersion,
		WriteSync:       writeSync,
		TopologyVersion: 0,
		Buckets: map[model.NodeID][]wire.DhtEntry{
			backup: {{Key: key, Value: value, Version: writeVersion, Deleted: deleted}},
		},
	}
}

func TestCoordinator_Dispatch_FullSync_CompletesAfterBackupAcks(t *testing.T) {
	addrs := map[model.NodeID]string{
		"node-a": "127.0.0.1:18491",
		"node-b": "127.0.0.1:18492",
	}
	cfg := backupcoordinator.Config{NetworkTimeout: 2 * time.Second, DeferredAckCapacity: 4, DeferredAckPeriod: 50 * time.Millisecond}

	primary := newNode(t, "node-a", addrs["node-a"], addrs, cfg)
	backup := newNode(t, "node-b", addrs["node-b"], addrs, cfg)

	wv := model.CacheVersion{TopologyVersion: 0, Order: 1, NodeOrder: 1}
	plan := planFor(1, wv, model.FullSync, "node-b", "k", []byte("v"), false)
	primary.coord.Dispatch(context.Background(), plan)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	failedKeys, errs := primary.coord.AwaitCompletion(ctx, 1)
	assert.Empty(t, failedKeys)
	assert.Empty(t, errs)

	partition := backup.topo.Partition("k")
	entry, ok := backup.entries.Partition(partition).Peek("k")
	require.True(t, ok)
	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	assert.Equal(t, []byte("v"), entry.Value)
}

func TestCoordinator_Dispatch_PrimarySync_NothingPendingToAwait(t *testing.T) {
	addrs := map[model.NodeID]string{
		"node-a": "127.0.0.1:18493",
		"node-b": "127.0.0.1:18494",
	}
	cfg := backupcoordinator.Config{NetworkTimeout: 2 * time.Second, DeferredAckCapacity: 4, DeferredAckPeriod: 30 * time.Millisecond}

	primary := newNode(t, "node-a", addrs["node-a"], addrs, cfg)
	_ = newNode(t, "node-b", addrs["node-b"], addrs, cfg)

	wv := model.CacheVersion{TopologyVersion: 0, Order: 2, NodeOrder: 1}
	plan := planFor(7, wv, model.PrimarySync, "node-b", "k2", []byte("v2"), false)
	primary.coord.Dispatch(context.Background(), plan)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	failedKeys, errs := primary.coord.AwaitCompletion(ctx, 7)
	assert.Nil(t, failedKeys)
	assert.Nil(t, errs)
}

func TestCoordinator_FailedBackupSend_CompletesPendingFullSyncWithFailedKeys(t *testing.T) {
	addrs := map[model.NodeID]string{
		"node-a": "127.0.0.1:18495",
		"node-b": "127.0.0.1:18496",
	}
	cfg := backupcoordinator.Config{NetworkTimeout: 100 * time.Millisecond, DeferredAckCapacity: 4, DeferredAckPeriod: time.Second}

	primary := newNode(t, "node-a", addrs["node-a"], addrs, cfg)
	// node-b is never started: its address resolves but nothing is
	// listening, so the backup send fails and the future's key should
	// be treated the same as a mid-flight departure.

	wv := model.CacheVersion{TopologyVersion: 0, Order: 3, NodeOrder: 1}
	plan := planFor(9, wv, model.FullSync, "node-b", "k3", []byte("v3"), false)
	primary.coord.Dispatch(context.Background(), plan)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	failedKeys, errs := primary.coord.AwaitCompletion(ctx, 9)
	require.Len(t, failedKeys, 1)
	assert.Equal(t, model.Key("k3"), failedKeys[0])
	require.Len(t, errs, 1)
}

func TestCoordinator_BackupReject_AcrossDataCentersFailsTheKey(t *testing.T) {
	addrs := map[model.NodeID]string{
		"node-a": "127.0.0.1:18497",
		"node-b": "127.0.0.1:18498",
	}
	cfg := backupcoordinator.Config{NetworkTimeout: 2 * time.Second, DeferredAckCapacity: 4, DeferredAckPeriod: 50 * time.Millisecond}

	primary := newNode(t, "node-a", addrs["node-a"], addrs, cfg)
	backup := newNode(t, "node-b", addrs["node-b"], addrs, cfg)

	partition := backup.topo.Partition("k4")
	table := backup.entries.Partition(partition)
	locked := table.LockKeys([]model.Key{"k4"})
	locked.Entries[0].Version = model.CacheVersion{TopologyVersion: 1, Order: 1, NodeOrder: 1, DataCenterID: 1}
	locked.Entries[0].Value = []byte("dc1-value")
	locked.Unlock()

	wv := model.CacheVersion{TopologyVersion: 1, Order: 2, NodeOrder: 1, DataCenterID: 2}
	plan := planFor(11, wv, model.FullSync, "node-b", "k4", []byte("dc2-value"), false)
	primary.coord.Dispatch(context.Background(), plan)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	failedKeys, _ := primary.coord.AwaitCompletion(ctx, 11)
	require.Len(t, failedKeys, 1)
	assert.Equal(t, model.Key("k4"), failedKeys[0])
}
