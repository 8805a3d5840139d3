// Package topology tracks partition ownership at the current topology
// version and exposes the RW-locked read/write contract spec.md §4.2 and
// §4.6 require: many readers during normal update processing, a single
// writer bumping the version on membership change.
package topology

import (
	"sync"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// Topology is the primary-engine-visible view of partition ownership.
type Topology struct {
	mu      sync.RWMutex
	version uint64
	backups int
	ring    *affinity.Ring
	local   model.NodeID
}

// New creates a Topology at version 0, generalized into its wired form
// by AddNode calls from the membership listener (§4.6).
func New(ring *affinity.Ring, local model.NodeID, backups int) *Topology {
	return &Topology{ring: ring, local: local, backups: backups}
}

// Version returns the current topology version.
func (t *Topology) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Owners returns the owning-nodes list for partition at the current
// topology version.
func (t *Topology) Owners(partition model.Partition) model.PartitionOwners {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.Owners(partition, t.version, t.backups)
}

// OwnersAt returns the owning-nodes list for partition stamped with
// topologyVersion — used when the near coordinator re-resolves after a
// remap. The ring keeps no history: the nodes are computed from its
// current membership, the same as Owners, whatever topologyVersion is.
func (t *Topology) OwnersAt(partition model.Partition, topologyVersion uint64) model.PartitionOwners {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.Owners(partition, topologyVersion, t.backups)
}

// IsPrimaryLocal reports whether this node is the primary owner of
// partition at the current topology version.
func (t *Topology) IsPrimaryLocal(partition model.Partition) bool {
	return t.Owners(partition).Primary() == t.local
}

// Partition resolves a key to its partition.
func (t *Topology) Partition(key model.Key) model.Partition {
	return t.ring.Partition(key)
}

// Local returns the local node id.
func (t *Topology) Local() model.NodeID {
	return t.local
}

// Bump advances the topology version. Called by the membership listener
// holding only this write lock, as spec.md §4.6 specifies — the engine
// takes the read lock on every update.
func (t *Topology) Bump(newVersion uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newVersion > t.version {
		t.version = newVersion
	}
}

// WriteLocked runs fn holding the topology write lock — used by the
// membership listener to mutate the ring; the version bump that follows
// is a separate Bump call.
func (t *Topology) WriteLocked(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}
