// Package blobsnap persists whole-store snapshots as numbered JSON
// generations in a blob store (filesystem, S3 or memory).
package blobsnap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"sleecore/internal/blob"
	"sleecore/internal/infra/persistence/buckets"
	"sleecore/internal/infra/persistence/memory"
	"sleecore/pkg/domain"
)

const (
	// DefaultPrefix is the key prefix generations are written under.
	DefaultPrefix = "sleecore/snapshots"
	defaultRetain = 2
	contentType   = "application/json"
	generationFmt = "%020d.json"
)

var _ domain.SnapshotPersister = (*Persister)(nil)

type envelope struct {
	Generation uint64                     `json:"generation"`
	Buckets    map[string]json.RawMessage `json:"buckets"`
}

// Option configures a Persister.
type Option func(*Persister)

// WithRetain keeps the newest n generations (minimum 1).
func WithRetain(n int) Option {
	return func(p *Persister) {
		if n > 0 {
			p.retain = n
		}
	}
}

// Persister writes a new generation per commit and prunes older ones.
type Persister struct {
	store  blob.Store
	prefix string
	retain int

	mu         sync.Mutex
	generation uint64
}

// NewPersister returns a persister writing under prefix in store.
func NewPersister(store blob.Store, prefix string, opts ...Option) (*Persister, error) {
	if store == nil {
		return nil, errors.New("blob store required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := &Persister{store: store, prefix: prefix, retain: defaultRetain}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Persister) key(gen uint64) string {
	return p.prefix + "/" + fmt.Sprintf(generationFmt, gen)
}

func (p *Persister) generations(ctx context.Context) ([]uint64, error) {
	infos, err := p.store.List(ctx, p.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var gens []uint64
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(info.Key, p.prefix+"/"), ".json")
		gen, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	return gens, nil
}

// Load decodes the newest generation, or returns an empty snapshot.
func (p *Persister) Load(ctx context.Context) (domain.Snapshot, error) {
	gens, err := p.generations(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snapshot := domain.NewSnapshot()
	if len(gens) == 0 {
		return snapshot, nil
	}
	latest := gens[len(gens)-1]
	_, rc, err := p.store.Get(ctx, p.key(latest))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("get snapshot %d: %w", latest, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read snapshot %d: %w", latest, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot %d: %w", latest, err)
	}
	for name, payload := range env.Buckets {
		if err := buckets.Decode(&snapshot, name, payload); err != nil {
			return domain.Snapshot{}, err
		}
	}
	p.mu.Lock()
	p.generation = latest
	p.mu.Unlock()
	return snapshot, nil
}

// Persist writes the full snapshot as the next generation. The blob store
// has no partial update so every bucket is written.
func (p *Persister) Persist(ctx context.Context, snapshot domain.Snapshot, _ []domain.Change) error {
	encoded, err := buckets.Encode(snapshot)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	env := envelope{Generation: p.generation + 1, Buckets: make(map[string]json.RawMessage, len(encoded))}
	for _, b := range encoded {
		env.Buckets[b.Name] = b.Payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = p.store.Put(ctx, p.key(env.Generation), bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"generation": strconv.FormatUint(env.Generation, 10)},
	})
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", env.Generation, err)
	}
	p.generation = env.Generation
	// stale generations left behind are pruned on the next commit
	_ = p.prune(ctx)
	return nil
}

func (p *Persister) prune(ctx context.Context) error {
	gens, err := p.generations(ctx)
	if err != nil {
		return err
	}
	if len(gens) <= p.retain {
		return nil
	}
	for _, gen := range gens[:len(gens)-p.retain] {
		if _, err := p.store.Delete(ctx, p.key(gen)); err != nil {
			return fmt.Errorf("prune snapshot %d: %w", gen, err)
		}
	}
	return nil
}

// Generation returns the last generation loaded or written.
func (p *Persister) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Close is a no-op; the blob store is owned by the caller.
func (p *Persister) Close() error { return nil }

// NewStore opens a transactional store whose commits are written to store.
func NewStore(ctx context.Context, store blob.Store, prefix string, engine *domain.RulesEngine, opts ...memory.Option) (*memory.Store, error) {
	p, err := NewPersister(store, prefix)
	if err != nil {
		return nil, err
	}
	return memory.Open(ctx, engine, p, opts...)
}
