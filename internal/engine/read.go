package engine

import (
	"context"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// GetResult is one key's outcome from Get/GetAll.
type GetResult struct {
	Value   []byte
	Version model.CacheVersion
	Found   bool
}

// Get reads a single key per spec.md §4.2.1: it locks the entry (a read
// that needs a consistent view takes the same mutex a write would,
// since there is no cheap reader/writer lock per object), never
// mutates, never touches the backup path or the store. remap reports
// whether the local node is not an owner of key's partition at the
// requested topology version, in which case the caller should
// re-resolve and retry elsewhere.
func (e *Engine) Get(ctx context.Context, key model.Key, topologyVersion uint64) (result GetResult, remap bool) {
	partition := e.topo.Partition(key)
	owners := e.topo.OwnersAt(partition, topologyVersion)
	if !containsNode(owners.Nodes, e.topo.Local()) {
		return GetResult{}, true
	}

	table := e.store.Partition(partition)
	entry, ok := table.Peek(key)
	if !ok {
		return GetResult{}, false
	}

	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	if entry.Obsolete || entry.Deleted {
		return GetResult{}, false
	}
	return GetResult{Value: entry.Value, Version: entry.Version, Found: true}, false
}

// GetAll reads many keys, returning one GetResult per key in the same
// order and the subset that needs to be remapped elsewhere.
func (e *Engine) GetAll(ctx context.Context, keys []model.Key, topologyVersion uint64) (results []GetResult, remapKeys []model.Key) {
	results = make([]GetResult, len(keys))
	for i, k := range keys {
		res, remap := e.Get(ctx, k, topologyVersion)
		if remap {
			remapKeys = append(remapKeys, k)
			continue
		}
		results[i] = res
	}
	return results, remapKeys
}

func containsNode(nodes []model.NodeID, n model.NodeID) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}
