// Package engine implements the primary-update engine of spec.md §4.2:
// the component that actually applies an accepted write to local
// entries, write-through the optional persistence store, and hands the
// resulting per-backup buckets off to the backup-update coordinator.
// Grounded on the lock/apply/write-through shape of
// storage-node/internal/service/memtable_service.go, generalized from a
// single memtable Put to the version-stamped, multi-key, multi-partition
// apply loop spec.md §4.2 describes.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/clock"
	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	cerrors "github.com/devrev/pairdb/cachegrid/internal/errors"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/store"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
	"go.uber.org/zap"
)

// tombstoneGrace is how long an entry stays in the table after it is
// marked Deleted before the deferred-delete queue actually evicts it.
// Keeping it lockable for a short window lets a racing reader that
// already found the entry see the tombstone rather than a missing key.
const tombstoneGrace = 2 * time.Second

// Request is the engine's own apply request, carrying Go-native
// collaborators (Transform, Filter) that cannot cross the wire — those
// two fields are only ever set for a request the near coordinator is
// applying against its own local partitions. A request built from an
// inbound wire.NearUpdateRequest always leaves them nil.
type Request struct {
	FutureVersion   uint64
	TopologyVersion uint64
	WriteSync       model.WriteSyncMode
	AtomicOrder     model.AtomicWriteOrderMode
	Operation       model.Operation
	Keys            []model.Key
	Values          [][]byte // parallel to Keys; nil entry means delete/transform
	Transform       model.TransformFunc
	Filter          func(current []byte, exists bool) bool
	TTL             time.Duration
	ReturnValueFlag bool
	WriteVersion    model.CacheVersion // externally supplied; zero means assign fresh
}

// Response is the engine's own apply response, field-compatible with
// wire.NearUpdateResponse.
type Response struct {
	FutureVersion uint64
	ReturnValue   []byte
	FailedKeys    []model.Key
	Errors        []string
	RemapKeys     []model.Key
}

// BackupPlan is everything the backup-update coordinator needs to fan
// out one request's replication writes (spec.md §4.2 step 10).
type BackupPlan struct {
	FutureVersion   uint64
	WriteVersion    model.CacheVersion
	WriteSync       model.WriteSyncMode
	TopologyVersion uint64
	Buckets         map[model.NodeID][]wire.DhtEntry
}

// BackupDispatcher is implemented by internal/backupcoordinator. Kept as
// an interface here so engine has no import-time dependency on it.
type BackupDispatcher interface {
	Dispatch(ctx context.Context, plan BackupPlan)
}

// Engine applies accepted writes to this node's local partitions.
type Engine struct {
	store      *entrystore.Store
	topo       *topology.Topology
	resolver   conflict.Resolver
	versions   *clock.Domain
	persist    store.Store
	dispatcher BackupDispatcher
	timers     *timer.Service
	metrics    *metrics.Metrics
	logger     *zap.Logger

	storeEnabled        bool
	batchUpdateOnCommit bool
	stopping            atomic.Bool
}

// Config is the subset of cache configuration the engine needs.
type Config struct {
	StoreEnabled bool
	// BatchUpdateOnCommit selects the write-through call shape: true
	// batches a partition's dirty entries into one PutAll/RemoveAll
	// call (spec.md §4.2 step 5's default), false issues one call per
	// entry (step 7's single-key path), trading batching efficiency for
	// a failure that names exactly the entry that did not persist.
	BatchUpdateOnCommit bool
}

// New creates an Engine. dispatcher may be nil until
// internal/backupcoordinator is wired in by cmd/cachenode, in which
// case backup fan-out is skipped and a warning is logged.
func New(
	entries *entrystore.Store,
	topo *topology.Topology,
	resolver conflict.Resolver,
	versions *clock.Domain,
	persist store.Store,
	dispatcher BackupDispatcher,
	timers *timer.Service,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:               entries,
		topo:                topo,
		resolver:            resolver,
		versions:            versions,
		persist:             persist,
		dispatcher:          dispatcher,
		timers:              timers,
		metrics:             m,
		storeEnabled:        cfg.StoreEnabled,
		batchUpdateOnCommit: cfg.BatchUpdateOnCommit,
		logger:              logger,
	}
}

// SetDispatcher wires the backup coordinator in after both are
// constructed, breaking the engine/backupcoordinator init-order cycle.
func (e *Engine) SetDispatcher(d BackupDispatcher) {
	e.dispatcher = d
}

// Stop sets the "node stopping" flag; every Apply call that starts
// afterwards fails with Interrupted. Calls already past that check run
// to completion.
func (e *Engine) Stop() {
	e.stopping.Store(true)
}

// Apply runs spec.md §4.2 steps 2-10 against req's keys. Step 1 (await
// preloader) is a Non-goal here: rebalance/preloading is out of scope,
// so every key is assumed immediately resolvable against the local
// partition table.
func (e *Engine) Apply(ctx context.Context, req *Request) (*Response, error) {
	if e.stopping.Load() {
		return nil, cerrors.NewInterrupted()
	}
	if req.ReturnValueFlag && len(req.Keys) > 1 {
		return nil, cerrors.NewRejected("return_value_flag is only valid for a single-key request")
	}

	resp := &Response{FutureVersion: req.FutureVersion}
	groups := e.groupByPartition(req.Keys)

	buckets := make(map[model.NodeID][]wire.DhtEntry)
	var anyApplied bool
	var writeVersion model.CacheVersion

	for _, partition := range groups.orderedPartitions {
		idxs := groups.byPartition[partition]

		if !e.topo.IsPrimaryLocal(partition) {
			for _, i := range idxs {
				resp.RemapKeys = append(resp.RemapKeys, req.Keys[i])
			}
			continue
		}

		currentVersion := e.topo.Version()
		if currentVersion != req.TopologyVersion && req.AtomicOrder == model.Primary {
			for _, i := range idxs {
				resp.RemapKeys = append(resp.RemapKeys, req.Keys[i])
			}
			continue
		}

		if !anyApplied {
			if !req.WriteVersion.Zero() {
				writeVersion = req.WriteVersion
			} else {
				writeVersion = e.versions.Next()
			}
			anyApplied = true
		}

		owners := e.topo.Owners(partition)
		e.applyPartition(ctx, partition, idxs, req, writeVersion, owners.Backups(), resp, buckets)
	}

	if anyApplied && len(buckets) > 0 {
		if e.dispatcher == nil {
			e.logger.Warn("no backup dispatcher wired, skipping backup fan-out", zap.Uint64("future_version", req.FutureVersion))
		} else {
			e.dispatcher.Dispatch(ctx, BackupPlan{
				FutureVersion:   req.FutureVersion,
				WriteVersion:    writeVersion,
				WriteSync:       req.WriteSync,
				TopologyVersion: req.TopologyVersion,
				Buckets:         buckets,
			})
		}
	}

	return resp, nil
}

type partitionGroups struct {
	orderedPartitions []model.Partition
	byPartition       map[model.Partition][]int
}

// groupByPartition buckets key indices by owning partition and returns
// the partitions in ascending order. Locking partitions in a fixed
// global order (not just keys within one partition) extends §4.1's
// canonical lock ordering across partition boundaries, so two batches
// that share keys from two different partitions can never deadlock
// against each other by acquiring those partitions' locks in opposite
// order.
func (e *Engine) groupByPartition(keys []model.Key) partitionGroups {
	byPartition := make(map[model.Partition][]int)
	for i, k := range keys {
		p := e.topo.Partition(k)
		byPartition[p] = append(byPartition[p], i)
	}
	ordered := make([]model.Partition, 0, len(byPartition))
	for p := range byPartition {
		ordered = append(ordered, p)
	}
	sortPartitions(ordered)
	return partitionGroups{orderedPartitions: ordered, byPartition: byPartition}
}

func sortPartitions(ps []model.Partition) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j-1] > ps[j]; j-- {
			ps[j-1], ps[j] = ps[j], ps[j-1]
		}
	}
}

func (e *Engine) applyPartition(
	ctx context.Context,
	partition model.Partition,
	idxs []int,
	req *Request,
	writeVersion model.CacheVersion,
	backups []model.NodeID,
	resp *Response,
	buckets map[model.NodeID][]wire.DhtEntry,
) {
	keys := make([]model.Key, len(idxs))
	for j, i := range idxs {
		keys[j] = req.Keys[i]
	}

	table := e.store.Partition(partition)
	locked := table.LockKeys(keys)
	defer locked.Unlock()

	puts := make(map[model.Key]store.Record)
	var removes []model.Key
	var tombstones []*model.Entry

	for j, i := range idxs {
		key := keys[j]
		entry := locked.Entries[j]

		// entry.Mu is already held for every key in this call — LockKeys
		// keeps it locked across the whole batch, not just acquisition —
		// so field access here needs no further lock/unlock of its own.
		currentValue := entry.Value
		currentExists := !entry.Version.Zero() && !entry.Deleted

		if req.Filter != nil && !req.Filter(currentValue, currentExists) {
			if req.ReturnValueFlag {
				resp.FailedKeys = append(resp.FailedKeys, key)
				resp.Errors = append(resp.Errors, "filter failed")
			}
			continue
		}

		op := req.Operation
		var newValue []byte
		if op == model.OpTransform {
			if req.Transform == nil {
				resp.FailedKeys = append(resp.FailedKeys, key)
				resp.Errors = append(resp.Errors, cerrors.NewDeployment(nil).Error())
				continue
			}
			result, err := req.Transform(currentValue, currentExists)
			if err != nil {
				resp.FailedKeys = append(resp.FailedKeys, key)
				resp.Errors = append(resp.Errors, cerrors.NewDeployment(err).Error())
				continue
			}
			if result == nil {
				op = model.OpDelete
			} else {
				op = model.OpUpdate
				newValue = result
			}
		} else if op == model.OpUpdate {
			newValue = req.Values[i]
		}

		outcome := e.resolver.Resolve(entry.Version, currentExists, writeVersion)
		switch outcome {
		case conflict.Reject:
			resp.FailedKeys = append(resp.FailedKeys, key)
			resp.Errors = append(resp.Errors, "write version not comparable across data centers")
			e.metrics.ConflictOutcomesTotal.WithLabelValues("reject").Inc()
			continue
		case conflict.Subsumed:
			if req.ReturnValueFlag {
				resp.ReturnValue = currentValue
			}
			e.metrics.ConflictOutcomesTotal.WithLabelValues("subsumed").Inc()
			continue
		}
		e.metrics.ConflictOutcomesTotal.WithLabelValues("accept").Inc()

		oldValue := entry.Value
		entry.Version = writeVersion
		if op == model.OpDelete {
			entry.Deleted = true
			entry.Value = nil
		} else {
			entry.Deleted = false
			entry.Value = newValue
		}
		if req.TTL > 0 {
			entry.TTL = req.TTL
			entry.ExpiresAt = time.Now().Add(req.TTL)
		}
		deleted := entry.Deleted

		if req.ReturnValueFlag {
			resp.ReturnValue = oldValue
		}

		if deleted {
			removes = append(removes, key)
			tombstones = append(tombstones, entry)
		} else {
			puts[key] = store.Record{Value: newValue, Version: writeVersion}
		}

		dhtEntry := wire.DhtEntry{Key: key, Value: newValue, Version: writeVersion, Deleted: deleted, TTL: int64(req.TTL)}
		for _, b := range backups {
			buckets[b] = append(buckets[b], dhtEntry)
		}
	}

	if e.storeEnabled && e.persist != nil {
		if e.batchUpdateOnCommit {
			e.writeThroughBatch(ctx, partition, puts, removes, resp)
		} else {
			e.writeThroughPerEntry(ctx, partition, puts, removes, resp)
		}
	}

	for _, entry := range tombstones {
		e.enqueueDeferredDelete(table, entry)
	}
}

// writeThroughBatch issues one PutAll and one RemoveAll for the whole
// partition's dirty set (spec.md §4.2 step 5). A failure marks every
// key in the failing call, since the batch does not say which entry
// within it actually failed.
func (e *Engine) writeThroughBatch(ctx context.Context, partition model.Partition, puts map[model.Key]store.Record, removes []model.Key, resp *Response) {
	if len(puts) > 0 {
		if err := e.persist.PutAll(ctx, puts); err != nil {
			e.logger.Warn("write-through putAll failed", zap.Error(err), zap.Uint32("partition", uint32(partition)))
			storeErr := cerrors.NewStore(err).Error()
			for key := range puts {
				resp.FailedKeys = append(resp.FailedKeys, key)
				resp.Errors = append(resp.Errors, storeErr)
			}
		}
	}
	if len(removes) > 0 {
		if err := e.persist.RemoveAll(ctx, removes); err != nil {
			e.logger.Warn("write-through removeAll failed", zap.Error(err), zap.Uint32("partition", uint32(partition)))
			storeErr := cerrors.NewStore(err).Error()
			for _, key := range removes {
				resp.FailedKeys = append(resp.FailedKeys, key)
				resp.Errors = append(resp.Errors, storeErr)
			}
		}
	}
}

// writeThroughPerEntry issues one store call per entry (spec.md §4.2
// step 7's single-key write-through path), so a failure names exactly
// the entry that did not persist instead of the whole batch.
func (e *Engine) writeThroughPerEntry(ctx context.Context, partition model.Partition, puts map[model.Key]store.Record, removes []model.Key, resp *Response) {
	for key, rec := range puts {
		if err := e.persist.PutAll(ctx, map[model.Key]store.Record{key: rec}); err != nil {
			e.logger.Warn("write-through put failed", zap.Error(err), zap.Uint32("partition", uint32(partition)))
			resp.FailedKeys = append(resp.FailedKeys, key)
			resp.Errors = append(resp.Errors, cerrors.NewStore(err).Error())
		}
	}
	for _, key := range removes {
		if err := e.persist.RemoveAll(ctx, []model.Key{key}); err != nil {
			e.logger.Warn("write-through remove failed", zap.Error(err), zap.Uint32("partition", uint32(partition)))
			resp.FailedKeys = append(resp.FailedKeys, key)
			resp.Errors = append(resp.Errors, cerrors.NewStore(err).Error())
		}
	}
}

// enqueueDeferredDelete schedules entry's removal from the partition
// table after tombstoneGrace, satisfying spec.md §8 invariant 5: a
// tombstone remains lockable for a grace window rather than vanishing
// the instant the lock that created it is released.
func (e *Engine) enqueueDeferredDelete(table *entrystore.Partition, entry *model.Entry) {
	id := string(entry.Key)
	e.timers.Schedule(id, tombstoneGrace, func() {
		entry.Mu.Lock()
		stillTombstone := entry.Deleted && !entry.Obsolete
		if stillTombstone {
			table.Evict(entry)
		}
		entry.Mu.Unlock()
	})
}
