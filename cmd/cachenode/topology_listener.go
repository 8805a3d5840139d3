package main

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/clock"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"go.uber.org/zap"
)

// topologyListener is the membership.Listener that keeps the affinity
// ring, the topology version and this node's own version-domain ordinal
// in sync with cluster membership, exactly as topology.Topology's own
// doc comments describe. It must be registered with membership before
// backupcoordinator and nearcoordinator, since both of those read the
// topology a join/leave event just bumped.
type topologyListener struct {
	local  model.NodeID
	ring   *affinity.Ring
	topo   *topology.Topology
	clock  *clock.Domain
	logger *zap.Logger

	mu      sync.Mutex
	members map[model.NodeID]bool
}

func newTopologyListener(local model.NodeID, ring *affinity.Ring, topo *topology.Topology, c *clock.Domain, logger *zap.Logger) *topologyListener {
	return &topologyListener{
		local:   local,
		ring:    ring,
		topo:    topo,
		clock:   c,
		logger:  logger,
		members: map[model.NodeID]bool{local: true},
	}
}

func (l *topologyListener) OnJoin(node model.NodeID, addr string, topologyVersion uint64) {
	l.mu.Lock()
	l.members[node] = true
	l.mu.Unlock()

	l.topo.WriteLocked(func() {
		l.ring.AddNode(node)
	})
	l.topo.Bump(topologyVersion)
	l.clock.SetTopologyVersion(topologyVersion)
	l.renumber()
	l.logger.Info("topology: node added", zap.String("node", string(node)), zap.Uint64("topology_version", topologyVersion))
}

func (l *topologyListener) OnLeave(node model.NodeID, topologyVersion uint64) {
	l.mu.Lock()
	delete(l.members, node)
	l.mu.Unlock()

	l.topo.WriteLocked(func() {
		l.ring.RemoveNode(node)
	})
	l.topo.Bump(topologyVersion)
	l.clock.SetTopologyVersion(topologyVersion)
	l.renumber()
	l.logger.Info("topology: node removed", zap.String("node", string(node)), zap.Uint64("topology_version", topologyVersion))
}

// renumber recomputes this node's node_order as its rank in the sorted
// member set, matching model.CacheVersion's node_order field to
// something every node can derive independently from the same
// membership view rather than needing a separately coordinated counter.
func (l *topologyListener) renumber() {
	l.mu.Lock()
	members := make([]model.NodeID, 0, len(l.members))
	for n := range l.members {
		members = append(members, n)
	}
	l.mu.Unlock()

	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	for i, n := range members {
		if n == l.local {
			l.clock.SetNodeOrder(uint32(i + 1))
			return
		}
	}
}
