// Package entrystore holds the in-memory per-partition entry tables and
// the multi-key locking discipline spec.md §4.1 requires: keys touched
// by one request are locked in a canonical order (ascending key) to
// avoid the classic two-writers-opposite-order deadlock, and a lock
// acquisition that lands on an entry marked Obsolete is abandoned and
// retried from scratch rather than proceeding against a half-evicted
// entry.
package entrystore

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// Partition is one partition's entry table. The RWMutex guards only the
// map's structural shape (key presence); each Entry's own Mu guards its
// field values, acquired by LockKeys in canonical order.
type Partition struct {
	id      model.Partition
	mu      sync.RWMutex
	entries map[model.Key]*model.Entry
}

func newPartition(id model.Partition) *Partition {
	return &Partition{id: id, entries: make(map[model.Key]*model.Entry)}
}

// getOrCreate returns the entry for key, creating an empty one if absent.
func (p *Partition) getOrCreate(key model.Key) *model.Entry {
	p.mu.RLock()
	if e, ok := p.entries[key]; ok {
		p.mu.RUnlock()
		return e
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e
	}
	e := model.NewEntry(key)
	p.entries[key] = e
	return e
}

// Peek returns the entry for key without creating one.
func (p *Partition) Peek(key model.Key) (*model.Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	return e, ok
}

// evict marks entry obsolete and removes it from the table. Callers must
// hold entry.Mu already (e.g. LockKeys' held set) before calling this.
func (p *Partition) evict(entry *model.Entry) {
	entry.Obsolete = true
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, entry.Key)
}

// Evict is evict's exported form, used by the deferred-delete queue in
// internal/engine once a tombstone's grace window elapses. Callers must
// hold entry.Mu before calling, same as evict.
func (p *Partition) Evict(entry *model.Entry) {
	p.evict(entry)
}

// Len reports the number of live entries in the partition.
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot returns every entry in the partition in ascending key order.
// Used only by tests today; kept ordered because it is cheap at the
// sizes those tests run and callers should not have to care whether
// the underlying table happens to preserve order.
func (p *Partition) Snapshot() []*model.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]model.Key, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]*model.Entry, len(keys))
	for i, k := range keys {
		out[i] = p.entries[k]
	}
	return out
}

// Store is the node-wide collection of partitions.
type Store struct {
	partitions []*Partition
}

// NewStore creates a store with numPartitions empty partitions.
func NewStore(numPartitions int) *Store {
	s := &Store{partitions: make([]*Partition, numPartitions)}
	for i := range s.partitions {
		s.partitions[i] = newPartition(model.Partition(i))
	}
	return s
}

// Partition returns the partition table for id.
func (s *Store) Partition(id model.Partition) *Partition {
	return s.partitions[int(id)]
}

// NumPartitions returns the partition count this store was built with.
func (s *Store) NumPartitions() int {
	return len(s.partitions)
}

// LockedKeys is the held-lock handle LockKeys returns: the entries in
// the caller's original key order, and an Unlock that must be called
// exactly once to release every held entry mutex.
type LockedKeys struct {
	Entries []*model.Entry
	unlock  func()
}

// Unlock releases every entry mutex this handle holds.
func (l *LockedKeys) Unlock() {
	l.unlock()
}

// LockKeys locks every entry for keys in partition p, acquiring the
// underlying mutexes in ascending key order regardless of the order
// keys were supplied in, so two requests racing over an overlapping key
// set can never deadlock against each other. If any entry is found
// Obsolete after acquisition — it was evicted between get-or-create and
// lock — any obsolete entry still in the table is dropped from it, every
// held lock is released and the whole acquisition is retried from
// scratch with a fresh entry for that key, exactly as GridDhtAtomicCache
// restarts a failed update future on GridCacheEntryRemovedException.
func (p *Partition) LockKeys(keys []model.Key) *LockedKeys {
	ordered := make([]model.Key, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for {
		entries := make([]*model.Entry, len(ordered))
		for i, k := range ordered {
			entries[i] = p.getOrCreate(k)
		}
		for _, e := range entries {
			e.Mu.Lock()
		}

		obsolete := false
		for _, e := range entries {
			if e.Obsolete {
				obsolete = true
				break
			}
		}
		if obsolete {
			p.mu.Lock()
			for _, e := range entries {
				if e.Obsolete && p.entries[e.Key] == e {
					delete(p.entries, e.Key)
				}
			}
			p.mu.Unlock()
			for _, e := range entries {
				e.Mu.Unlock()
			}
			continue
		}

		byKey := make(map[model.Key]*model.Entry, len(entries))
		for _, e := range entries {
			byKey[e.Key] = e
		}
		result := make([]*model.Entry, len(keys))
		for i, k := range keys {
			result[i] = byKey[k]
		}

		held := entries
		return &LockedKeys{
			Entries: result,
			unlock: func() {
				for _, e := range held {
					e.Mu.Unlock()
				}
			},
		}
	}
}
