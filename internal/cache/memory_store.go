package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内存储，适合测试与无需持久化的部署。
func NewMemoryStore() Store {
	return &memoryStore{generations: make(map[string]map[string]record)}
}

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]record
	active      string
}

type memoryBucket struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.generations[name]; !ok {
		s.generations[name] = make(map[string]record)
	}
	s.mu.Unlock()
	return &memoryBucket{store: s, name: name}, nil
}

func (s *memoryStore) Bucket(ctx context.Context, name string) (Bucket, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrGenerationGone
	}
	return &memoryBucket{store: s, name: name}, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.generations[name]
	return ok, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; !ok {
		return false, nil
	}
	delete(s.generations, name)
	return true, nil
}

func (s *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) SetActive(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = name
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Active(ctx context.Context) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	rec, ok := b.store.generations[b.name][key.String()]
	b.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.snapshot().Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	rec := newRecord(key, snap.Clone())
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	entries, ok := b.store.generations[b.name]
	if !ok {
		return ErrGenerationGone
	}
	entries[key.String()] = rec
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	b.store.mu.Lock()
	delete(b.store.generations[b.name], key.String())
	b.store.mu.Unlock()
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	keys := make([]Key, 0, len(b.store.generations[b.name]))
	for _, rec := range b.store.generations[b.name] {
		keys = append(keys, rec.Key)
	}
	b.store.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
