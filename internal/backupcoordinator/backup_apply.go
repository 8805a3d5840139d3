package backupcoordinator

import (
	"context"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// handleDhtUpdateRequest is spec.md §4.4.b's backup-apply path: resolve
// or create the entry, apply under its per-entry lock with the same
// version-comparison discipline the primary used, and either reply
// directly (FULL_SYNC, or any key failed) or let the deferred-ack
// aggregator coalesce the ack for later shipment.
func (c *Coordinator) handleDhtUpdateRequest(from model.NodeID, msg wire.Message) {
	req := msg.(*wire.DhtUpdateRequest)
	ctx := context.Background()

	byPartition := make(map[model.Partition][]wire.DhtEntry)
	for _, e := range req.Entries {
		p := c.topo.Partition(e.Key)
		byPartition[p] = append(byPartition[p], e)
	}

	var failedKeys []model.Key
	var errs []string

	for partition, entries := range byPartition {
		keys := make([]model.Key, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
		}

		table := c.entries.Partition(partition)
		locked := table.LockKeys(keys)

		var tombstones []*model.Entry
		for i, e := range entries {
			entry := locked.Entries[i]
			currentExists := !entry.Version.Zero() && !entry.Deleted

			outcome := c.resolver.Resolve(entry.Version, currentExists, e.Version)
			switch outcome {
			case conflict.Reject:
				failedKeys = append(failedKeys, e.Key)
				errs = append(errs, "write version not comparable across data centers")
				continue
			case conflict.Subsumed:
				continue
			}

			entry.Version = e.Version
			entry.Deleted = e.Deleted
			if e.Deleted {
				entry.Value = nil
			} else {
				entry.Value = e.Value
			}
			if e.TTL > 0 {
				entry.TTL = time.Duration(e.TTL)
				entry.ExpiresAt = time.Now().Add(entry.TTL)
			}
			if entry.Deleted {
				tombstones = append(tombstones, entry)
			}
		}
		locked.Unlock()

		for _, entry := range tombstones {
			c.enqueueDeferredDelete(table, entry)
		}
	}

	if len(failedKeys) > 0 || req.WriteSync == model.FullSync {
		resp := &wire.DhtUpdateResponse{FutureVersion: req.FutureVersion, FailedKeys: failedKeys, Errors: errs}
		if err := c.transport.Send(ctx, from, resp); err != nil {
			c.logger.Warn("dht update ack send failed", zap.String("primary", string(from)), zap.Uint64("future_version", req.FutureVersion), zap.Error(err))
		}
		return
	}

	c.ackAgg.Add(ctx, from, req.TopologyVersion, req.FutureVersion)
}

// enqueueDeferredDelete mirrors internal/engine's own deferred-delete
// queue (spec.md §8 invariant 5): a tombstone stays lockable for a
// grace window after a backup applies it, not just after a primary
// applies it, since a read on this node could land on it too.
func (c *Coordinator) enqueueDeferredDelete(table interface {
	Evict(entry *model.Entry)
}, entry *model.Entry) {
	id := string(entry.Key)
	c.timers.Schedule(id, backupTombstoneGrace, func() {
		entry.Mu.Lock()
		stillTombstone := entry.Deleted && !entry.Obsolete
		if stillTombstone {
			table.Evict(entry)
		}
		entry.Mu.Unlock()
	})
}
