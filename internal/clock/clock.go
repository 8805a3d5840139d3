// Package clock generates the per-node monotonic write-version stamps
// described in spec.md §3: (topology_version, order, node_order,
// data_center_id). It is the "version domain" leaf component (~5% of
// the core per spec.md §2), grounded on the counter-increment shape of
// storage-node's internal/service/vectorclock_service.go but producing
// a single totally-ordered tuple rather than a vector.
package clock

import (
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// Domain generates CacheVersions for the local node.
type Domain struct {
	nodeOrder    uint32
	dataCenterID uint32

	mu              sync.Mutex
	topologyVersion uint64
	order           uint64
}

// NewDomain creates a version domain for this node. nodeOrder is the
// node's ordinal in the current membership; dataCenterID identifies the
// DR region (0 if DR is not in use).
func NewDomain(nodeOrder uint32, dataCenterID uint32) *Domain {
	return &Domain{nodeOrder: nodeOrder, dataCenterID: dataCenterID}
}

// SetTopologyVersion updates the topology version new versions are
// stamped with. Called by the membership listener right after it bumps
// the topology version (spec.md §4.6).
func (d *Domain) SetTopologyVersion(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v > d.topologyVersion {
		d.topologyVersion = v
	}
}

// SetNodeOrder updates the node's ordinal, called after a membership
// change re-numbers the cluster.
func (d *Domain) SetNodeOrder(order uint32) {
	atomic.StoreUint32(&d.nodeOrder, order)
}

// Next returns the next strictly increasing version for this node.
func (d *Domain) Next() model.CacheVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order++
	return model.CacheVersion{
		TopologyVersion: d.topologyVersion,
		Order:           d.order,
		NodeOrder:       atomic.LoadUint32(&d.nodeOrder),
		DataCenterID:    d.dataCenterID,
	}
}
