// Package affinity implements the key-to-partition and
// partition-to-owners functions of spec.md §6's affinity collaborator,
// grounded on coordinator/internal/algorithm/consistent_hash.go's
// virtual-node ring: the same SHA-256-truncated-to-uint64 hash, the same
// sorted-ring-with-wraparound lookup, generalized from "N replicas" to
// "primary-first owners list" by simply taking the first 1+backups
// distinct physical nodes walked from the partition's anchor position.
package affinity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// Affinity maps keys to partitions and partitions to ordered owner
// lists. Ring computes owners from its current membership only: the
// topologyVersion argument is recorded on the result and does not
// select an older ring.
type Affinity interface {
	Partition(key model.Key) model.Partition
	Owners(partition model.Partition, topologyVersion uint64, backups int) model.PartitionOwners
}

// Ring is a consistent-hash ring with virtual nodes, refreshed wholesale
// on every membership change (AddNode/RemoveNode), exactly like
// coordinator's ConsistentHasher.
type Ring struct {
	mu           sync.RWMutex
	partitions   int
	ring         []uint64
	ringMap      map[uint64]model.NodeID
	nodeVNodes   map[model.NodeID][]uint64
	virtualNodes int
}

// NewRing creates a ring with the given partition count and per-node
// virtual-node fan-out.
func NewRing(partitions, virtualNodes int) *Ring {
	return &Ring{
		partitions:   partitions,
		ring:         make([]uint64, 0),
		ringMap:      make(map[uint64]model.NodeID),
		nodeVNodes:   make(map[model.NodeID][]uint64),
		virtualNodes: virtualNodes,
	}
}

// AddNode adds a physical node and its virtual nodes to the ring.
func (r *Ring) AddNode(node model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[node]; exists {
		return
	}

	vnodeHashes := make([]uint64, 0, r.virtualNodes)
	for i := 0; i < r.virtualNodes; i++ {
		vnodeID := fmt.Sprintf("%s-vnode-%d", node, i)
		h := hashString(vnodeID)
		r.ring = append(r.ring, h)
		r.ringMap[h] = node
		vnodeHashes = append(vnodeHashes, h)
	}
	r.nodeVNodes[node] = vnodeHashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes a physical node and its virtual nodes.
func (r *Ring) RemoveNode(node model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, ok := r.nodeVNodes[node]
	if !ok {
		return
	}
	remove := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		remove[h] = true
		delete(r.ringMap, h)
	}
	newRing := make([]uint64, 0, len(r.ring)-len(hashes))
	for _, h := range r.ring {
		if !remove[h] {
			newRing = append(newRing, h)
		}
	}
	r.ring = newRing
	delete(r.nodeVNodes, node)
}

// Partition returns the fixed partition id for key: hash(key) mod P.
// Partition assignment does not move when nodes join/leave — only
// ownership of a partition does — so this does not need the ring at all.
func (r *Ring) Partition(key model.Key) model.Partition {
	h := hashString(string(key))
	return model.Partition(h % uint64(r.partitions))
}

// Owners walks the ring starting at the partition's anchor hash,
// collecting 1+backups distinct physical nodes in ring order. Position
// 0 is the primary.
func (r *Ring) Owners(partition model.Partition, topologyVersion uint64, backups int) model.PartitionOwners {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := 1 + backups
	if len(r.ring) == 0 {
		return model.PartitionOwners{TopologyVersion: topologyVersion, Partition: partition}
	}

	anchor := hashString(fmt.Sprintf("partition-%d", partition))
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= anchor })
	if idx >= len(r.ring) {
		idx = 0
	}

	nodes := make([]model.NodeID, 0, want)
	seen := make(map[model.NodeID]bool, want)
	for i := 0; i < len(r.ring) && len(nodes) < want; i++ {
		h := r.ring[(idx+i)%len(r.ring)]
		node := r.ringMap[h]
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}

	return model.PartitionOwners{TopologyVersion: topologyVersion, Partition: partition, Nodes: nodes}
}

// NodeCount returns the number of distinct physical nodes in the ring.
func (r *Ring) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeVNodes)
}

func hashString(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
