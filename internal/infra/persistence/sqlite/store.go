// Package sqlite persists store snapshots to an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"sleecore/internal/infra/persistence/buckets"
	"sleecore/internal/infra/persistence/memory"
	"sleecore/pkg/domain"
)

const defaultPath = "sleecore.db"

var _ domain.SnapshotPersister = (*Persister)(nil)

// Persister writes touched buckets into a single state table as JSON blobs.
type Persister struct {
	db   *sql.DB
	path string
}

// NewPersister opens (creating if needed) the SQLite file at path.
func NewPersister(path string) (*Persister, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Persister{db: db, path: path}, nil
}

// Load reads every stored bucket.
func (p *Persister) Load(ctx context.Context) (domain.Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := domain.NewSnapshot()
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		if err := buckets.Decode(&snapshot, bucket, payload); err != nil {
			return domain.Snapshot{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// Persist upserts the buckets touched by changes in one SQLite transaction.
func (p *Persister) Persist(ctx context.Context, snapshot domain.Snapshot, changes []domain.Change) (retErr error) {
	encoded, err := buckets.Encode(snapshot, buckets.Touched(changes)...)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, b := range encoded {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.Name, b.Payload); err != nil {
			return fmt.Errorf("upsert %s: %w", b.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Persister) Close() error { return p.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (p *Persister) DB() *sql.DB { return p.db }

// Path returns the configured database path.
func (p *Persister) Path() string { return p.path }

// NewStore opens a transactional store whose state is loaded from and
// persisted to the SQLite file at path.
func NewStore(ctx context.Context, path string, engine *domain.RulesEngine, opts ...memory.Option) (*memory.Store, error) {
	p, err := NewPersister(path)
	if err != nil {
		return nil, err
	}
	store, err := memory.Open(ctx, engine, p, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return store, nil
}
