package entrystore_test

import (
	"sync"
	"testing"

	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PartitionIsStable(t *testing.T) {
	s := entrystore.NewStore(4)
	require.Equal(t, 4, s.NumPartitions())

	p0 := s.Partition(model.Partition(0))
	p1 := s.Partition(model.Partition(0))
	assert.Same(t, p0, p1)
}

func TestPartition_LockKeys_CreatesAndLocksInOrder(t *testing.T) {
	s := entrystore.NewStore(1)
	p := s.Partition(0)

	locked := p.LockKeys([]model.Key{"z", "a", "m"})
	require.Len(t, locked.Entries, 3)
	assert.Equal(t, model.Key("z"), locked.Entries[0].Key)
	assert.Equal(t, model.Key("a"), locked.Entries[1].Key)
	assert.Equal(t, model.Key("m"), locked.Entries[2].Key)
	locked.Unlock()

	assert.Equal(t, 3, p.Len())
}

func TestPartition_LockKeys_RetriesOnObsolete(t *testing.T) {
	s := entrystore.NewStore(1)
	p := s.Partition(0)

	entry, _ := p.Peek("k")
	assert.Nil(t, entry)

	first := p.LockKeys([]model.Key{"k"})
	stale := first.Entries[0]
	stale.Obsolete = true
	first.Unlock()

	second := p.LockKeys([]model.Key{"k"})
	defer second.Unlock()

	assert.NotSame(t, stale, second.Entries[0])
	assert.False(t, second.Entries[0].Obsolete)
}

func TestPartition_LockKeys_NoDeadlockUnderReversedOrdering(t *testing.T) {
	s := entrystore.NewStore(1)
	p := s.Partition(0)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			l := p.LockKeys([]model.Key{"a", "b"})
			l.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			l := p.LockKeys([]model.Key{"b", "a"})
			l.Unlock()
		}
	}()

	wg.Wait()
	assert.Equal(t, 2, p.Len())
}

func TestPartition_Snapshot_AscendingOrder(t *testing.T) {
	s := entrystore.NewStore(1)
	p := s.Partition(0)

	for _, k := range []model.Key{"c", "a", "b"} {
		l := p.LockKeys([]model.Key{k})
		l.Unlock()
	}

	snap := p.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, model.Key("a"), snap[0].Key)
	assert.Equal(t, model.Key("b"), snap[1].Key)
	assert.Equal(t, model.Key("c"), snap[2].Key)
}
