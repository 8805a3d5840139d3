// Package backupcoordinator implements spec.md §4.4: on the primary
// side, fanning an engine.BackupPlan out to every backup node under the
// write-synchronization discipline the request asked for; on the
// backup side, applying an inbound DhtUpdateRequest and replying either
// directly or through the deferred-ack aggregator. A single Coordinator
// plays both roles at once, exactly as a real node is simultaneously
// the primary for some partitions and a backup for others.
package backupcoordinator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/deferredack"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// Topics split backup traffic the same way the deferred-ack shipment
// is split from the replication stream itself, so a slow deferred-ack
// flush can never hold up an in-flight DHT update to the same backup.
const (
	TopicDhtUpdate   = "dht-update"
	TopicDeferredAck = "deferred-ack"
)

const backupTombstoneGrace = 2 * time.Second

// maxAsyncRetries/asyncRetryBackoff bound spec.md §3's "failed keys are
// retried internally" for FULL_ASYNC: a send failure gets a few spaced
// retries through the timer service before it is only logged and
// dropped, rather than retried forever against a backup that is gone
// for good.
const (
	maxAsyncRetries   = 3
	asyncRetryBackoff = 200 * time.Millisecond
)

var _ engine.BackupDispatcher = (*Coordinator)(nil)

// Coordinator is grounded on the futures-plus-pending-set shape of
// GridGain's GridDhtAtomicUpdateFuture (original_source/): Dispatch
// registers a pendingFullSync exactly when FULL_SYNC demands one, and
// pendingFullSync's ack/onNodeLeft/maybeComplete mirror that future's
// own onResult/onNodeLeft/checkComplete.
type Coordinator struct {
	local     model.NodeID
	transport transport.Transport
	entries   *entrystore.Store
	topo      *topology.Topology
	resolver  conflict.Resolver
	timers    *timer.Service
	ackAgg    *deferredack.Aggregator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	networkTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[uint64]*pendingFullSync
}

// Config bundles the network timeout and deferred-ack tuning this
// coordinator needs; the rest of its dependencies are collaborators
// constructed once at node startup.
type Config struct {
	NetworkTimeout      time.Duration
	DeferredAckCapacity int
	DeferredAckPeriod   time.Duration
}

// New creates a Coordinator wired into transport for both its primary-
// side sends and its backup-side handlers. Call RegisterHandlers once
// the returned Coordinator is also handed to internal/engine via
// Engine.SetDispatcher.
func New(
	local model.NodeID,
	tp transport.Transport,
	entries *entrystore.Store,
	topo *topology.Topology,
	resolver conflict.Resolver,
	timers *timer.Service,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		local:          local,
		transport:      tp,
		entries:        entries,
		topo:           topo,
		resolver:       resolver,
		timers:         timers,
		metrics:        m,
		logger:         logger,
		networkTimeout: cfg.NetworkTimeout,
		pending:        make(map[uint64]*pendingFullSync),
	}
	c.ackAgg = deferredack.New(c, timers, m, cfg.DeferredAckCapacity, cfg.DeferredAckPeriod, logger)
	return c
}

// RegisterHandlers wires this coordinator's inbound message handlers
// into tp: DhtUpdateRequest (backup-apply role), DhtUpdateResponse and
// DhtDeferredAckResponse (primary-side ack collection role).
func (c *Coordinator) RegisterHandlers(tp transport.Transport) {
	tp.RegisterHandler(wire.TypeDhtUpdateRequest, c.handleDhtUpdateRequest)
	tp.RegisterHandler(wire.TypeDhtUpdateResponse, c.handleDhtUpdateResponse)
	tp.RegisterHandler(wire.TypeDhtDeferredAckResponse, c.handleDeferredAck)
}

// Dispatch is spec.md §4.2 step 10's hand-off point, invoked by
// internal/engine after a primary update applies locally. It implements
// engine.BackupDispatcher.
func (c *Coordinator) Dispatch(_ context.Context, plan engine.BackupPlan) {
	if len(plan.Buckets) == 0 {
		return
	}

	if plan.WriteSync == model.FullSync {
		pending := newPendingFullSync(plan.FutureVersion, plan.Buckets)
		c.pendingMu.Lock()
		c.pending[plan.FutureVersion] = pending
		c.pendingMu.Unlock()
	}

	for node, entries := range plan.Buckets {
		req := &wire.DhtUpdateRequest{
			FutureVersion:   plan.FutureVersion,
			WriteVersion:    plan.WriteVersion,
			WriteSync:       plan.WriteSync,
			TopologyVersion: plan.TopologyVersion,
			Entries:         entries,
		}
		go c.send(node, plan.FutureVersion, req, plan.WriteSync)
	}
}

// send ships req to node on its own background context, deliberately
// detached from the Dispatch caller's ctx: replication to a backup must
// keep going even if the near-update request that triggered it has
// already returned to its own caller (PRIMARY_SYNC/FULL_ASYNC) or is
// being awaited elsewhere (FULL_SYNC, via AwaitCompletion).
func (c *Coordinator) send(node model.NodeID, futureVersion uint64, req *wire.DhtUpdateRequest, writeSync model.WriteSyncMode) {
	c.sendAttempt(node, futureVersion, req, writeSync, 0)
}

func (c *Coordinator) sendAttempt(node model.NodeID, futureVersion uint64, req *wire.DhtUpdateRequest, writeSync model.WriteSyncMode, attempt int) {
	sendCtx, cancel := context.WithTimeout(context.Background(), c.networkTimeout)
	defer cancel()

	c.metrics.DhtUpdateRequestsTotal.Inc()
	err := c.transport.SendOrdered(sendCtx, node, TopicDhtUpdate, futureVersion, req, c.networkTimeout, false)
	if err == nil {
		return
	}

	switch writeSync {
	case model.FullSync:
		// Treated the same as the backup leaving: it never gets a
		// chance to ack, so its keys fail and the pending set shrinks.
		c.onNodeLeft(node)
	case model.FullAsync:
		if attempt < maxAsyncRetries {
			c.logger.Warn("backup send failed, retrying",
				zap.String("node", string(node)), zap.Uint64("future_version", futureVersion),
				zap.Int("attempt", attempt), zap.Error(err))
			id := retryTimerID(node, futureVersion)
			backoff := asyncRetryBackoff * time.Duration(attempt+1)
			c.timers.Schedule(id, backoff, func() {
				c.sendAttempt(node, futureVersion, req, writeSync, attempt+1)
			})
			return
		}
		c.logger.Warn("backup send failed, retries exhausted",
			zap.String("node", string(node)), zap.Uint64("future_version", futureVersion), zap.Error(err))
	default:
		c.logger.Warn("backup send failed", zap.String("node", string(node)), zap.Uint64("future_version", futureVersion), zap.Error(err))
	}
}

func retryTimerID(node model.NodeID, futureVersion uint64) string {
	return "async-retry:" + string(node) + ":" + strconv.FormatUint(futureVersion, 10)
}

// AwaitCompletion blocks until every backup in plan.FutureVersion's
// FULL_SYNC pending set has acked or left, or ctx is done, and returns
// the keys that failed along the way. Called only for FULL_SYNC
// requests; for PRIMARY_SYNC/FULL_ASYNC (or a request with no remote
// backups) there is nothing registered under futureVersion and this
// returns immediately with no failures.
func (c *Coordinator) AwaitCompletion(ctx context.Context, futureVersion uint64) (failedKeys []model.Key, errs []string) {
	c.pendingMu.Lock()
	pending, ok := c.pending[futureVersion]
	c.pendingMu.Unlock()
	if !ok {
		return nil, nil
	}

	select {
	case <-pending.done:
	case <-ctx.Done():
	}
	return pending.snapshot()
}

// OnLeave implements membership.Listener so a departed backup's pending
// FULL_SYNC futures complete immediately with its keys marked failed,
// per spec.md §4.6's first bullet.
func (c *Coordinator) OnLeave(node model.NodeID, topologyVersion uint64) {
	c.onNodeLeft(node)
}

// OnJoin implements membership.Listener; a joining node has nothing
// pending yet, so there is nothing to do here.
func (c *Coordinator) OnJoin(node model.NodeID, addr string, topologyVersion uint64) {}

func (c *Coordinator) onNodeLeft(node model.NodeID) {
	c.pendingMu.Lock()
	snapshot := make([]*pendingFullSync, 0, len(c.pending))
	for _, p := range c.pending {
		snapshot = append(snapshot, p)
	}
	c.pendingMu.Unlock()

	for _, p := range snapshot {
		if p.onNodeLeft(node) {
			c.removeIfSame(p.futureVersion, p)
		}
	}
}

func (c *Coordinator) handleDhtUpdateResponse(from model.NodeID, msg wire.Message) {
	resp := msg.(*wire.DhtUpdateResponse)
	c.ack(resp.FutureVersion, from, resp.FailedKeys, resp.Errors)
}

func (c *Coordinator) handleDeferredAck(from model.NodeID, msg wire.Message) {
	resp := msg.(*wire.DhtDeferredAckResponse)
	for _, v := range resp.FutureVersions {
		c.ack(v, from, nil, nil)
	}
}

func (c *Coordinator) ack(futureVersion uint64, node model.NodeID, failedKeys []model.Key, errs []string) {
	c.pendingMu.Lock()
	pending, ok := c.pending[futureVersion]
	c.pendingMu.Unlock()
	if !ok {
		// PRIMARY_SYNC/FULL_ASYNC: acks are dropped silently per
		// spec.md §4.4, except that any failed keys they carry are
		// still worth a log line since nothing else will surface them.
		if len(failedKeys) > 0 {
			c.logger.Warn("backup reported failed keys outside FULL_SYNC tracking",
				zap.String("node", string(node)), zap.Uint64("future_version", futureVersion), zap.Int("failed_keys", len(failedKeys)))
		}
		return
	}
	if pending.ack(node, failedKeys, errs) {
		c.removeIfSame(futureVersion, pending)
	}
}

func (c *Coordinator) removeIfSame(futureVersion uint64, p *pendingFullSync) {
	c.pendingMu.Lock()
	if c.pending[futureVersion] == p {
		delete(c.pending, futureVersion)
	}
	c.pendingMu.Unlock()
}

// ShipDeferredAck implements deferredack.Shipper: it is how this
// coordinator, acting as a backup, ships a coalesced batch of
// acknowledged future versions back to the primary that sent them.
func (c *Coordinator) ShipDeferredAck(ctx context.Context, node model.NodeID, futureVersions []uint64) error {
	resp := &wire.DhtDeferredAckResponse{FutureVersions: futureVersions}
	return c.transport.SendOrdered(ctx, node, TopicDeferredAck, futureVersions[0], resp, c.networkTimeout, true)
}
