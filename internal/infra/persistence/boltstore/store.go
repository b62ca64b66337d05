// Package boltstore persists store records to an embedded bbolt file, one key per
// record, writing only the records a transaction changed.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"sleecore/internal/infra/persistence/buckets"
	"sleecore/internal/infra/persistence/memory"
	"sleecore/pkg/domain"
)

const (
	defaultPath = "sleecore.bolt"
	fileMode    = 0o600
)

var _ domain.SnapshotPersister = (*Persister)(nil)

// Persister stores each record under its bucket keyed by record key.
type Persister struct {
	db *bolt.DB
}

// NewPersister opens (creating if needed) the bbolt file at path.
func NewPersister(path string) (*Persister, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets.Names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Persister{db: db}, nil
}

// Load decodes every record.
func (p *Persister) Load(context.Context) (domain.Snapshot, error) {
	snapshot := domain.NewSnapshot()
	err := p.db.View(func(tx *bolt.Tx) error {
		if err := loadBucket(tx, buckets.Services, snapshot.Services); err != nil {
			return err
		}
		if err := loadBucket(tx, buckets.Entities, snapshot.Entities); err != nil {
			return err
		}
		return loadBucket(tx, buckets.ActivityContexts, snapshot.ActivityContexts)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

func loadBucket[V any](tx *bolt.Tx, name string, into map[string]V) error {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var rec V
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s/%s: %w", name, k, err)
		}
		into[string(k)] = rec
		return nil
	})
}

// Persist writes the final state of every changed key in one bbolt
// transaction. Keys absent from snapshot are deleted.
func (p *Persister) Persist(_ context.Context, snapshot domain.Snapshot, changes []domain.Change) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		for _, c := range changes {
			name, ok := buckets.ForEntity(c.Entity)
			if !ok {
				continue
			}
			b := tx.Bucket([]byte(name))
			if b == nil {
				return fmt.Errorf("missing bucket %s", name)
			}
			value, exists, err := lookup(snapshot, name, c.Key)
			if err != nil {
				return err
			}
			if !exists {
				if err := b.Delete([]byte(c.Key)); err != nil {
					return fmt.Errorf("delete %s/%s: %w", name, c.Key, err)
				}
				continue
			}
			if err := b.Put([]byte(c.Key), value); err != nil {
				return fmt.Errorf("put %s/%s: %w", name, c.Key, err)
			}
		}
		return nil
	})
}

func lookup(snapshot domain.Snapshot, bucket, key string) ([]byte, bool, error) {
	var (
		rec any
		ok  bool
	)
	switch bucket {
	case buckets.Services:
		rec, ok = snapshot.Services[key]
	case buckets.Entities:
		rec, ok = snapshot.Entities[key]
	case buckets.ActivityContexts:
		rec, ok = snapshot.ActivityContexts[key]
	}
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return data, true, nil
}

// Close closes the database file.
func (p *Persister) Close() error { return p.db.Close() }

// NewStore opens a transactional store backed by the bbolt file at path.
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
