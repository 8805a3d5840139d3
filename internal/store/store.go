// Package store defines the optional write-through persistence
// collaborator: every applied primary update is mirrored here before
// the near future completes, and tombstones are mirrored as deletes.
package store

import (
	"context"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// Record is one key's persisted payload.
type Record struct {
	Value   []byte
	Version model.CacheVersion
}

// Store is the write-through persistence contract. Implementations must
// treat PutAll/RemoveAll as idempotent, so that replaying a write for
// the same key is safe.
type Store interface {
	PutAll(ctx context.Context, entries map[model.Key]Record) error
	RemoveAll(ctx context.Context, keys []model.Key) error
	Close() error
}
