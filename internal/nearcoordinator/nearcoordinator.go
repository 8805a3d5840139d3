// Package nearcoordinator implements spec.md §4.3's client-facing near
// coordinator: the entry point a caller's own goroutine runs on to map
// keys to their owning primaries, dispatch one request per primary
// (local calls go straight into internal/engine; remote ones cross
// internal/transport), and merge the responses into one result,
// remapping rather than failing when a primary reports a topology miss.
// The same Coordinator also serves as the primary-side inbound handler
// for NearUpdateRequest/NearGetRequest arriving from other nodes' own
// near coordinators, since every node plays both roles.
package nearcoordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/backupcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/dedup"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/futures"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/devrev/pairdb/cachegrid/internal/validation"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// DefaultMaxRemapAttempts bounds spec.md §9's remap loop: each attempt
// must either complete every key or advance on a newer topology
// version, and this cap is the fallback that turns a pathological flap
// into a permanent failure instead of an infinite retry.
const DefaultMaxRemapAttempts = 8

// Config is the near coordinator's tunables.
type Config struct {
	MaxRemapAttempts int
	NetworkTimeout   time.Duration
}

// Coordinator is the near-update/near-get client coordinator. Its own
// mutable state is exactly what spec.md §4.3 calls out: the two
// futures.Registry instances are each guarded by their own single
// mutex, used only for set membership, never held across a network
// wait.
type Coordinator struct {
	local     model.NodeID
	nodeOrder uint32

	engine    *engine.Engine
	backups   *backupcoordinator.Coordinator
	transport transport.Transport
	topo      *topology.Topology
	dedup     dedup.Cache
	metrics   *metrics.Metrics
	logger    *zap.Logger
	validator *validation.Validator

	cfg Config

	updates *futures.Registry[*wire.NearUpdateResponse]
	gets    *futures.Registry[*wire.NearGetResponse]
	counter atomic.Uint64

	outstandingMu      sync.Mutex
	outstandingUpdates map[uint64]model.NodeID
	outstandingGets    map[uint64]model.NodeID
}

// New creates a Coordinator. backups may be nil on a deployment with no
// configured replicas, in which case FULL_SYNC locally degenerates to
// "there is nothing to await."
func New(
	local model.NodeID,
	nodeOrder uint32,
	eng *engine.Engine,
	backups *backupcoordinator.Coordinator,
	tp transport.Transport,
	topo *topology.Topology,
	dedupCache dedup.Cache,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.MaxRemapAttempts <= 0 {
		cfg.MaxRemapAttempts = DefaultMaxRemapAttempts
	}
	return &Coordinator{
		local:              local,
		nodeOrder:          nodeOrder,
		engine:             eng,
		backups:            backups,
		transport:          tp,
		topo:               topo,
		dedup:              dedupCache,
		metrics:            m,
		logger:             logger,
		validator:          validation.NewValidator(),
		cfg:                cfg,
		updates:            futures.NewRegistry[*wire.NearUpdateResponse](),
		gets:               futures.NewRegistry[*wire.NearGetResponse](),
		outstandingUpdates: make(map[uint64]model.NodeID),
		outstandingGets:    make(map[uint64]model.NodeID),
	}
}

// OnLeave implements membership.Listener: spec.md §4.6's second bullet
// — a near future whose target primary just left has its keys
// canceled out of the local registry rather than left to time out, so
// Update's/Get's own remap loop picks them up and re-resolves them
// against the topology version the departure itself just bumped.
func (c *Coordinator) OnLeave(node model.NodeID, topologyVersion uint64) {
	c.outstandingMu.Lock()
	var updateIDs, getIDs []uint64
	for id, n := range c.outstandingUpdates {
		if n == node {
			updateIDs = append(updateIDs, id)
		}
	}
	for id, n := range c.outstandingGets {
		if n == node {
			getIDs = append(getIDs, id)
		}
	}
	c.outstandingMu.Unlock()

	for _, id := range updateIDs {
		c.updates.Cancel(id)
	}
	for _, id := range getIDs {
		c.gets.Cancel(id)
	}
}

// OnJoin implements membership.Listener; a joining node has no
// outstanding futures pointed at it yet.
func (c *Coordinator) OnJoin(node model.NodeID, addr string, topologyVersion uint64) {}

func (c *Coordinator) trackOutstandingUpdate(id uint64, node model.NodeID) {
	c.outstandingMu.Lock()
	c.outstandingUpdates[id] = node
	c.outstandingMu.Unlock()
}

func (c *Coordinator) untrackOutstandingUpdate(id uint64) {
	c.outstandingMu.Lock()
	delete(c.outstandingUpdates, id)
	c.outstandingMu.Unlock()
}

func (c *Coordinator) trackOutstandingGet(id uint64, node model.NodeID) {
	c.outstandingMu.Lock()
	c.outstandingGets[id] = node
	c.outstandingMu.Unlock()
}

func (c *Coordinator) untrackOutstandingGet(id uint64) {
	c.outstandingMu.Lock()
	delete(c.outstandingGets, id)
	c.outstandingMu.Unlock()
}

// RegisterHandlers wires this coordinator's four inbound message
// handlers into tp: the two request types (this node acting as a
// remote primary) and the two response types (this node acting as the
// original near coordinator awaiting a reply).
func (c *Coordinator) RegisterHandlers(tp transport.Transport) {
	tp.RegisterHandler(wire.TypeNearUpdateRequest, c.handleNearUpdateRequest)
	tp.RegisterHandler(wire.TypeNearUpdateResponse, c.handleNearUpdateResponse)
	tp.RegisterHandler(wire.TypeNearGetRequest, c.handleNearGetRequest)
	tp.RegisterHandler(wire.TypeNearGetResponse, c.handleNearGetResponse)
}

// nextFutureVersion mints a correlation id unique across this node's
// outstanding requests. Packing the node's membership order into the
// high bits keeps ids distinct across nodes too, the same purpose
// GridGain's IgniteUuid (node order + counter) serves in
// original_source — useful belt-and-suspenders here even though the
// backup coordinator's own pending-future map is, per spec.md §4.4,
// keyed on the future version alone.
func (c *Coordinator) nextFutureVersion() uint64 {
	n := c.counter.Add(1)
	return uint64(c.nodeOrder)<<40 | (n & 0xFFFFFFFFFF)
}

func (c *Coordinator) handleNearUpdateResponse(_ model.NodeID, msg wire.Message) {
	resp := msg.(*wire.NearUpdateResponse)
	c.updates.Complete(resp.FutureVersion, resp)
}

func (c *Coordinator) handleNearGetResponse(_ model.NodeID, msg wire.Message) {
	resp := msg.(*wire.NearGetResponse)
	c.gets.Complete(resp.FutureVersion, resp)
}
