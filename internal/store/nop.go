package store

import (
	"context"

	"github.com/devrev/pairdb/cachegrid/internal/model"
)

// NopStore is wired in when store.driver is not "postgres": the atomic pipeline
// runs purely in memory and every write-through call is a no-op.
type NopStore struct{}

func NewNopStore() *NopStore { return &NopStore{} }

func (*NopStore) PutAll(ctx context.Context, entries map[model.Key]Record) error { return nil }

func (*NopStore) RemoveAll(ctx context.Context, keys []model.Key) error { return nil }

func (*NopStore) Close() error { return nil }
