package engine_test

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/clock"
	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/store"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	plans []engine.BackupPlan
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, plan engine.BackupPlan) {
	d.plans = append(d.plans, plan)
}

func newTestEngine(t *testing.T, local model.NodeID, backups int) (*engine.Engine, *recordingDispatcher, *topology.Topology) {
	t.Helper()

	ring := affinity.NewRing(64, 8)
	ring.AddNode(local)
	ring.AddNode("node-b")
	ring.AddNode("node-c")

	topo := topology.New(ring, local, backups)
	entries := entrystore.NewStore(64)
	resolver := conflict.NewVersionResolver()
	versions := clock.NewDomain(1, 0)
	timers := timer.NewService()
	t.Cleanup(timers.Stop)

	dispatcher := &recordingDispatcher{}
	e := engine.New(entries, topo, resolver, versions, store.NewNopStore(), dispatcher, timers, metrics.New(string(local)+"-"+t.Name()), engine.Config{StoreEnabled: false}, zap.NewNop())
	return e, dispatcher, topo
}

func TestEngine_Apply_SinglePutAssignsVersionAndFansOutBackups(t *testing.T) {
	e, dispatcher, _ := newTestEngine(t, "node-a", 2)

	req := &engine.Request{
		FutureVersion:   1,
		TopologyVersion: 0,
		WriteSync:       model.FullSync,
		AtomicOrder:     model.Clock,
		Operation:       model.OpUpdate,
		Keys:            []model.Key{"k"},
		Values:          [][]byte{[]byte("v")},
		ReturnValueFlag: true,
	}

	resp, err := e.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys)
	assert.Empty(t, resp.RemapKeys)

	require.Len(t, dispatcher.plans, 1)
	plan := dispatcher.plans[0]
	assert.Equal(t, uint64(1), plan.FutureVersion)
	assert.NotZero(t, plan.WriteVersion)

	var total int
	for _, entries := range plan.Buckets {
		total += len(entries)
	}
	assert.Greater(t, total, 0, "expected at least one backup bucket entry")
}

func TestEngine_Apply_ClockSubsumesStaleWrite(t *testing.T) {
	e, _, _ := newTestEngine(t, "node-a", 0)
	ctx := context.Background()

	first := &engine.Request{
		FutureVersion: 1, TopologyVersion: 0, WriteSync: model.FullSync, AtomicOrder: model.Clock,
		Operation: model.OpUpdate, Keys: []model.Key{"k"}, Values: [][]byte{[]byte("v2")},
	}
	_, err := e.Apply(ctx, first)
	require.NoError(t, err)

	stale := &engine.Request{
		FutureVersion: 2, TopologyVersion: 0, WriteSync: model.FullSync, AtomicOrder: model.Clock,
		Operation: model.OpUpdate, Keys: []model.Key{"k"}, Values: [][]byte{[]byte("v1")},
		WriteVersion:    model.CacheVersion{TopologyVersion: 0, Order: 0, NodeOrder: 1, DataCenterID: 0},
		ReturnValueFlag: true,
	}
	resp, err := e.Apply(ctx, stale)
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys, "a subsumed write must not be reported as a failure")

	res, remap := e.Get(ctx, "k", 0)
	assert.False(t, remap)
	assert.Equal(t, []byte("v2"), res.Value, "the stale write must not have overwritten the accepted one")
}

func TestEngine_Apply_StaleTopologyUnderPrimaryModeRemaps(t *testing.T) {
	e, _, topo := newTestEngine(t, "node-a", 0)
	topo.Bump(5)

	req := &engine.Request{
		FutureVersion: 1, TopologyVersion: 0, WriteSync: model.FullSync, AtomicOrder: model.Primary,
		Operation: model.OpUpdate, Keys: []model.Key{"k"}, Values: [][]byte{[]byte("v")},
	}
	resp, err := e.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []model.Key{"k"}, resp.RemapKeys)
	assert.Empty(t, resp.FailedKeys)
}

func TestEngine_Apply_DeleteProducesTombstoneDhtEntry(t *testing.T) {
	e, dispatcher, _ := newTestEngine(t, "node-a", 1)
	ctx := context.Background()

	put := &engine.Request{
		FutureVersion: 1, TopologyVersion: 0, WriteSync: model.FullSync, AtomicOrder: model.Clock,
		Operation: model.OpUpdate, Keys: []model.Key{"k"}, Values: [][]byte{[]byte("v")},
	}
	_, err := e.Apply(ctx, put)
	require.NoError(t, err)

	del := &engine.Request{
		FutureVersion: 2, TopologyVersion: 0, WriteSync: model.FullSync, AtomicOrder: model.Clock,
		Operation: model.OpDelete, Keys: []model.Key{"k"},
	}
	_, err = e.Apply(ctx, del)
	require.NoError(t, err)

	require.Len(t, dispatcher.plans, 2)
	var sawTombstone bool
	for _, entries := range dispatcher.plans[1].Buckets {
		for _, de := range entries {
			if de.Key == "k" && de.Deleted {
				sawTombstone = true
			}
		}
	}
	assert.True(t, sawTombstone)

	res, remap := e.Get(ctx, "k", 0)
	assert.False(t, remap)
	assert.False(t, res.Found, "a deleted key must read as not found")
}
