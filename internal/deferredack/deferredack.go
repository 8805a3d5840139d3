// Package deferredack implements the backup-side deferred-ack
// aggregator of spec.md §4.5: instead of sending one DhtUpdateResponse
// per applied key, a backup coalesces many future versions destined for
// the same primary into one DhtDeferredAckResponse, flushed either when
// the buffer crosses a capacity threshold or when a scheduled timeout
// elapses, whichever comes first. A sealed boolean on the buffer
// guarantees each version ships in exactly one flush.
package deferredack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"go.uber.org/zap"
)

const (
	DefaultCapacity    = 256
	DefaultFlushPeriod = 500 * time.Millisecond
)

// Shipper sends one coalesced batch of acknowledged future versions to
// node. Implemented by internal/backupcoordinator over
// transport.Transport.
type Shipper interface {
	ShipDeferredAck(ctx context.Context, node model.NodeID, futureVersions []uint64) error
}

// bufferKey addresses §9's open question about the deferred-ack map
// using the node id alone as both key and timer id: a node can be the
// backup target of requests stamped at two different topology versions
// in quick succession (a rebalance mid-flight), and collapsing their
// acks into one buffer keyed only by node id risks a stale timer id
// silently replacing a live one. Keying by (node, topology_version)
// keeps each topology epoch's buffer independent; both still ship over
// the same DhtDeferredAckResponse wire message, which carries no
// topology version field, so nothing about the wire format changes.
type bufferKey struct {
	node            model.NodeID
	topologyVersion uint64
}

func (k bufferKey) timerID() string {
	return fmt.Sprintf("%s@%d", k.node, k.topologyVersion)
}

// Aggregator owns one buffer per bufferKey at a time.
type Aggregator struct {
	mu      sync.RWMutex
	buffers map[bufferKey]*buffer

	capacity    int
	flushPeriod time.Duration
	shipper     Shipper
	timers      *timer.Service
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates an aggregator. capacity/flushPeriod fall back to the
// spec's defaults (256, 500ms) when zero.
func New(shipper Shipper, timers *timer.Service, m *metrics.Metrics, capacity int, flushPeriod time.Duration, logger *zap.Logger) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if flushPeriod <= 0 {
		flushPeriod = DefaultFlushPeriod
	}
	return &Aggregator{
		buffers:     make(map[bufferKey]*buffer),
		capacity:    capacity,
		flushPeriod: flushPeriod,
		shipper:     shipper,
		timers:      timers,
		metrics:     m,
		logger:      logger,
	}
}

// Add records futureVersion as owed to node for topologyVersion. If the
// buffer it lands in crosses the capacity threshold, it is flushed
// immediately; otherwise it waits for the scheduled flush this buffer's
// creation armed.
func (a *Aggregator) Add(ctx context.Context, node model.NodeID, topologyVersion uint64, futureVersion uint64) {
	key := bufferKey{node: node, topologyVersion: topologyVersion}

	for {
		buf := a.bufferFor(key)
		if !buf.add(futureVersion) {
			// Lost a race with a concurrent flush sealing this buffer
			// just before our add; a fresh buffer is created for the
			// same key on the next loop iteration.
			continue
		}
		a.metrics.DeferredAckBufferedTotal.Inc()
		if buf.size() >= a.capacity {
			a.flush(ctx, key, buf, "capacity")
		}
		return
	}
}

func (a *Aggregator) bufferFor(key bufferKey) *buffer {
	a.mu.RLock()
	buf, ok := a.buffers[key]
	a.mu.RUnlock()
	if ok {
		return buf
	}

	a.mu.Lock()
	if buf, ok = a.buffers[key]; ok {
		a.mu.Unlock()
		return buf
	}
	buf = newBuffer()
	a.buffers[key] = buf
	a.mu.Unlock()

	a.timers.Schedule(key.timerID(), a.flushPeriod, func() {
		a.flush(context.Background(), key, buf, "timeout")
	})
	return buf
}

// flush seals buf and, if this call is the one that sealed it (not a
// second concurrent flush racing on the same buffer), ships its
// contents and removes it from the map.
func (a *Aggregator) flush(ctx context.Context, key bufferKey, buf *buffer, trigger string) {
	versions, sealed := buf.seal()
	if !sealed {
		return
	}
	a.timers.Cancel(key.timerID())

	a.mu.Lock()
	if a.buffers[key] == buf {
		delete(a.buffers, key)
	}
	a.mu.Unlock()

	if len(versions) == 0 {
		return
	}
	a.metrics.DeferredAckFlushesTotal.WithLabelValues(trigger).Inc()
	a.metrics.DeferredAckFlushSize.Observe(float64(len(versions)))
	if err := a.shipper.ShipDeferredAck(ctx, key.node, versions); err != nil {
		a.logger.Warn("deferred ack ship failed",
			zap.String("node", string(key.node)), zap.Uint64("topology_version", key.topologyVersion), zap.Error(err))
	}
}

// buffer is one generation's accumulation of future versions owed to a
// single node at a single topology version.
type buffer struct {
	mu       sync.Mutex
	versions []uint64
	sealed   atomic.Bool
}

func newBuffer() *buffer {
	return &buffer{}
}

// add appends version, returning false if the buffer is already sealed
// (a flush beat this add to the punch).
func (b *buffer) add(version uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed.Load() {
		return false
	}
	b.versions = append(b.versions, version)
	return true
}

func (b *buffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.versions)
}

// seal marks the buffer sealed exactly once and returns its contents.
// The second and subsequent callers get sealed=false, guaranteeing a
// buffer is shipped by exactly one flush.
func (b *buffer) seal() (versions []uint64, sealed bool) {
	if !b.sealed.CompareAndSwap(false, true) {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions, true
}
