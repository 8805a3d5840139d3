package backupcoordinator

import (
	"sync"

	cerrors "github.com/devrev/pairdb/cachegrid/internal/errors"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/wire"
)

// pendingFullSync tracks one FULL_SYNC future's outstanding backups.
// Grounded on GridDhtAtomicUpdateFuture's map-of-mini-futures (onResult/
// onNodeLeft/checkComplete): here one outstanding-node set per future
// version replaces the per-backup mini-future objects, since there is
// nothing per-backup left to retry once a node is removed from the set.
type pendingFullSync struct {
	futureVersion uint64

	mu          sync.Mutex
	outstanding map[model.NodeID]bool
	bucketKeys  map[model.NodeID][]model.Key
	failedKeys  []model.Key
	errs        []string
	closed      bool
	done        chan struct{}
}

func newPendingFullSync(futureVersion uint64, buckets map[model.NodeID][]wire.DhtEntry) *pendingFullSync {
	outstanding := make(map[model.NodeID]bool, len(buckets))
	bucketKeys := make(map[model.NodeID][]model.Key, len(buckets))
	for node, entries := range buckets {
		outstanding[node] = true
		keys := make([]model.Key, len(entries))
		for i, e := range entries {
			keys[i] = e.Key
		}
		bucketKeys[node] = keys
	}
	return &pendingFullSync{
		futureVersion: futureVersion,
		outstanding:   outstanding,
		bucketKeys:    bucketKeys,
		done:          make(chan struct{}),
	}
}

// ack removes node from the outstanding set and folds in any failed
// keys it reported. Returns true if this call just completed the
// future (so the caller should remove it from the coordinator's map).
func (p *pendingFullSync) ack(node model.NodeID, failedKeys []model.Key, errs []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outstanding[node] {
		return false
	}
	delete(p.outstanding, node)
	p.failedKeys = append(p.failedKeys, failedKeys...)
	p.errs = append(p.errs, errs...)
	return p.maybeComplete()
}

// onNodeLeft removes node from the outstanding set, if present, failing
// every key that was bound for it with a Topology error — mirroring
// GridDhtAtomicUpdateFuture.onNodeLeft, which fails a mini-future's keys
// rather than waiting forever for an ack that will never arrive.
func (p *pendingFullSync) onNodeLeft(node model.NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outstanding[node] {
		return false
	}
	delete(p.outstanding, node)
	topoErr := cerrors.NewTopology(string(node))
	for _, k := range p.bucketKeys[node] {
		p.failedKeys = append(p.failedKeys, k)
		p.errs = append(p.errs, topoErr.Error())
	}
	return p.maybeComplete()
}

func (p *pendingFullSync) maybeComplete() bool {
	if p.closed || len(p.outstanding) > 0 {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}

func (p *pendingFullSync) snapshot() (failedKeys []model.Key, errs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Key(nil), p.failedKeys...), append([]string(nil), p.errs...)
}
