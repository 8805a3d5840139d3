package store

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements Store over a single `cache_entries` table,
// batching each PutAll/RemoveAll call into one multi-row statement.
// Grounded on coordinator/internal/store/postgres_metadata_store.go's
// pgxpool setup and query style, generalized from per-row Exec calls to
// one batched statement per call since updates here arrive as whole
// key sets rather than single records.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to dsn and verifies the connection with a
// Ping before returning.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, logger *zap.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// PutAll upserts every entry in one statement using UNNEST to build the
// row set, matching the batched-write shape this pipeline needs instead
// of one round trip per key.
func (s *PostgresStore) PutAll(ctx context.Context, entries map[model.Key]Record) error {
	if len(entries) == 0 {
		return nil
	}

	keys := make([]string, 0, len(entries))
	values := make([][]byte, 0, len(entries))
	topologyVersions := make([]int64, 0, len(entries))
	orders := make([]int64, 0, len(entries))
	nodeOrders := make([]int32, 0, len(entries))
	dataCenterIDs := make([]int32, 0, len(entries))

	for k, rec := range entries {
		keys = append(keys, string(k))
		values = append(values, rec.Value)
		topologyVersions = append(topologyVersions, int64(rec.Version.TopologyVersion))
		orders = append(orders, int64(rec.Version.Order))
		nodeOrders = append(nodeOrders, int32(rec.Version.NodeOrder))
		dataCenterIDs = append(dataCenterIDs, int32(rec.Version.DataCenterID))
	}

	query := `
		INSERT INTO cache_entries (key, value, topology_version, version_order, node_order, data_center_id, updated_at)
		SELECT * , NOW() FROM UNNEST($1::text[], $2::bytea[], $3::bigint[], $4::bigint[], $5::int[], $6::int[])
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			topology_version = EXCLUDED.topology_version,
			version_order = EXCLUDED.version_order,
			node_order = EXCLUDED.node_order,
			data_center_id = EXCLUDED.data_center_id,
			updated_at = NOW()
		WHERE (cache_entries.topology_version, cache_entries.version_order, cache_entries.node_order)
			< (EXCLUDED.topology_version, EXCLUDED.version_order, EXCLUDED.node_order)
	`

	_, err := s.pool.Exec(ctx, query, keys, values, topologyVersions, orders, nodeOrders, dataCenterIDs)
	if err != nil {
		return fmt.Errorf("store: put all: %w", err)
	}
	return nil
}

// RemoveAll deletes every key in one statement.
func (s *PostgresStore) RemoveAll(ctx context.Context, keys []model.Key) error {
	if len(keys) == 0 {
		return nil
	}
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = string(k)
	}

	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, strKeys)
	if err != nil {
		return fmt.Errorf("store: remove all: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
