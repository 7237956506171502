package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNoSnapshot = errors.New("no snapshot stored")

// SnapshotStore persists serialized document state between restarts.
type SnapshotStore interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, data []byte) error
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Load(_ context.Context, docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[docID]
	if !ok {
		return nil, errNoSnapshot
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryStore) Save(_ context.Context, docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[docID] = append([]byte(nil), data...)
	return nil
}

type postgresStore struct {
	pool *pgxpool.Pool
}

const createSnapshots = `CREATE TABLE IF NOT EXISTS document_snapshots (
	doc_id     TEXT PRIMARY KEY,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func newPostgresStore(ctx context.Context, url string) (*postgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createSnapshots); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) Load(ctx context.Context, docID string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM document_snapshots WHERE doc_id = $1`, docID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
	}
	return data, nil
}

func (p *postgresStore) Save(ctx context.Context, docID string, data []byte) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO document_snapshots (doc_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, docID, data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", docID, err)
	}
	return nil
}

func (p *postgresStore) Close() { p.pool.Close() }
