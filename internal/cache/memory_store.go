package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内存储，适合测试或无需持久化的部署。
func NewMemoryStore() Store {
	return &memoryStore{generations: make(map[string]*memoryGeneration)}
}

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	tag string

	mu      sync.RWMutex
	entries map[Key]*Snapshot
	removed bool
}

func (s *memoryStore) Open(ctx context.Context, tag string) (Generation, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[tag]
	if !ok {
		gen = &memoryGeneration{tag: tag, entries: make(map[Key]*Snapshot)}
		s.generations[tag] = gen
	}
	return gen, nil
}

func (s *memoryStore) Get(ctx context.Context, tag string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.generations[tag]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return gen, nil
}

func (s *memoryStore) Delete(ctx context.Context, tag string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	gen, ok := s.generations[tag]
	delete(s.generations, tag)
	s.mu.Unlock()

	if ok {
		// 已持有的句柄仍可读取，但不再接受写入。
		gen.mu.Lock()
		gen.removed = true
		gen.mu.Unlock()
	}
	return ok, nil
}

func (s *memoryStore) Tags(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.generations))
	for tag := range s.generations {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (g *memoryGeneration) Tag() string {
	return g.tag
}

func (g *memoryGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap, ok := g.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (g *memoryGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return ErrGenerationGone
	}
	g.entries[key] = snap.Clone()
	return nil
}
