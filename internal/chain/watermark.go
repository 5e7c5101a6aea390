package chain

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// PostgresWatermarkStore persists sync watermarks in chain_watermarks.
type PostgresWatermarkStore struct {
	db *sql.DB
}

// NewPostgresWatermarkStore creates a Postgres-backed watermark store.
func NewPostgresWatermarkStore(db *sql.DB) *PostgresWatermarkStore {
	return &PostgresWatermarkStore{db: db}
}

var _ WatermarkStore = (*PostgresWatermarkStore)(nil)

func (p *PostgresWatermarkStore) Get(ctx context.Context, name string) (uint64, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_block FROM chain_watermarks WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(block), nil
}

func (p *PostgresWatermarkStore) Set(ctx context.Context, name string, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chain_watermarks (name, last_block, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET last_block = $2, updated_at = $3`,
		name, int64(block), time.Now())
	return err
}

// MemoryWatermarkStore is an in-memory WatermarkStore for tests.
type MemoryWatermarkStore struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

// NewMemoryWatermarkStore creates an empty in-memory store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{blocks: make(map[string]uint64)}
}

var _ WatermarkStore = (*MemoryWatermarkStore)(nil)

func (m *MemoryWatermarkStore) Get(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[name], nil
}

func (m *MemoryWatermarkStore) Set(ctx context.Context, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[name] = block
	return nil
}
