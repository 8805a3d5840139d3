package deferredack_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/deferredack"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingShipper struct {
	mu      sync.Mutex
	batches [][]uint64
}

func (s *recordingShipper) ShipDeferredAck(ctx context.Context, node model.NodeID, futureVersions []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]uint64, len(futureVersions))
	copy(cp, futureVersions)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *recordingShipper) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *recordingShipper) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestAggregator_FlushesOnCapacity(t *testing.T) {
	shipper := &recordingShipper{}
	timers := timer.NewService()
	defer timers.Stop()
	agg := deferredack.New(shipper, timers, metrics.New("agg-capacity"), 4, time.Hour, zap.NewNop())

	for i := uint64(1); i <= 4; i++ {
		agg.Add(context.Background(), "backup-1", 7, i)
	}

	require.Equal(t, 1, shipper.batchCount())
	assert.Equal(t, 4, shipper.total())
}

func TestAggregator_FlushesOnTimeout(t *testing.T) {
	shipper := &recordingShipper{}
	timers := timer.NewService()
	defer timers.Stop()
	agg := deferredack.New(shipper, timers, metrics.New("agg-timeout"), 256, 20*time.Millisecond, zap.NewNop())

	agg.Add(context.Background(), "backup-1", 7, 1)
	agg.Add(context.Background(), "backup-1", 7, 2)

	require.Eventually(t, func() bool { return shipper.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, shipper.total())
}

func TestAggregator_DistinctTopologyVersionsDoNotShareABuffer(t *testing.T) {
	shipper := &recordingShipper{}
	timers := timer.NewService()
	defer timers.Stop()
	agg := deferredack.New(shipper, timers, metrics.New("agg-topo"), 2, time.Hour, zap.NewNop())

	agg.Add(context.Background(), "backup-1", 1, 10)
	agg.Add(context.Background(), "backup-1", 2, 20)

	assert.Equal(t, 0, shipper.batchCount(), "neither buffer has reached capacity 2 on its own")

	agg.Add(context.Background(), "backup-1", 1, 11)
	require.Eventually(t, func() bool { return shipper.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint64{10, 11}, shipper.batches[0])
}

func TestAggregator_EachVersionShippedExactlyOnce(t *testing.T) {
	shipper := &recordingShipper{}
	timers := timer.NewService()
	defer timers.Stop()
	agg := deferredack.New(shipper, timers, metrics.New("agg-once"), 50, 15*time.Millisecond, zap.NewNop())

	for i := uint64(1); i <= 50; i++ {
		agg.Add(context.Background(), "backup-1", 3, i)
	}
	require.Eventually(t, func() bool { return shipper.batchCount() >= 1 }, time.Second, 5*time.Millisecond)

	seen := make(map[uint64]int)
	shipper.mu.Lock()
	for _, b := range shipper.batches {
		for _, v := range b {
			seen[v]++
		}
	}
	shipper.mu.Unlock()

	for v, count := range seen {
		assert.Equal(t, 1, count, "version %d shipped %d times", v, count)
	}
}
