package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	lockStripes          = 32
	defaultGenerationTTL = 24 * time.Hour
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store on go-cache. Generation checks and
// invalidations for one group are serialised by a striped lock.
type MemoryStore struct {
	entries *gocache.Cache
	gens    *gocache.Cache
	genTTL  time.Duration
	locks   [lockStripes]sync.Mutex
}

// NewMemoryStore creates a store that sweeps expired items every cleanup.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryStore{
		entries: gocache.New(gocache.NoExpiration, cleanup),
		gens:    gocache.New(gocache.NoExpiration, cleanup),
		genTTL:  defaultGenerationTTL,
	}
}

func (s *MemoryStore) lock(group string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *MemoryStore) generation(group string) uint64 {
	if v, ok := s.gens.Get(group); ok {
		return v.(uint64)
	}
	return 0
}

func (s *MemoryStore) Get(ctx context.Context, key, group string) (*Entry, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	gen := s.generation(group)
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, gen, nil
	}
	e := v.(Entry)
	return &e, gen, nil
}

func (s *MemoryStore) SetIf(ctx context.Context, key, group string, gen uint64, e Entry, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	mu := s.lock(group)
	mu.Lock()
	defer mu.Unlock()
	if s.generation(group) != gen {
		return false, nil
	}
	s.entries.Set(key, e, ttl)
	s.extendGeneration(group, gen, ttl)
	return true, nil
}

func (s *MemoryStore) Invalidate(ctx context.Context, key, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := s.lock(group)
	mu.Lock()
	defer mu.Unlock()
	if key != "" {
		s.entries.Delete(key)
	}
	s.gens.Set(group, s.generation(group)+1, s.genTTL)
	return nil
}

// extendGeneration keeps a non-zero generation alive at least as long as an
// entry stamped with it, so an expiring counter cannot revive that entry.
func (s *MemoryStore) extendGeneration(group string, gen uint64, ttl time.Duration) {
	if gen == 0 {
		return
	}
	_, exp, ok := s.gens.GetWithExpiration(group)
	if !ok || exp.IsZero() || time.Until(exp) >= ttl {
		return
	}
	s.gens.Set(group, gen, ttl)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Flush drops everything.
func (s *MemoryStore) Flush() {
	s.entries.Flush()
	s.gens.Flush()
}
