package tier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const backendMemory = "memory"

// MemoryStore is an in-process Store. Each tier is a bounded LRU.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	tiers      map[string]*memoryTier
}

// NewMemoryStore creates a store whose tiers hold at most maxEntries each.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		tiers:      make(map[string]*memoryTier),
	}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Tier, error) {
	if name == "" {
		return nil, fmt.Errorf("tier name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tiers[name]; ok {
		return t, nil
	}
	c, err := lru.New[string, *Entry](s.maxEntries)
	if err != nil {
		TierErrors.WithLabelValues(backendMemory, "open").Inc()
		return nil, fmt.Errorf("create lru: %w", err)
	}
	t := &memoryTier{name: name, lru: c}
	s.tiers[name] = t
	return t, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[name]
	if !ok {
		return false, nil
	}
	t.lru.Purge()
	delete(s.tiers, name)
	return true, nil
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tiers))
	for name := range s.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryTier struct {
	name string
	lru  *lru.Cache[string, *Entry]
}

func (t *memoryTier) Name() string {
	return t.name
}

func (t *memoryTier) Get(_ context.Context, key Key) (*Entry, error) {
	entry, ok := t.lru.Get(key.String())
	observeGet(t.name, ok)
	if !ok {
		return nil, ErrMiss
	}
	return entry.Clone(), nil
}

func (t *memoryTier) Put(_ context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("tier entry cannot be nil")
	}
	t.lru.Add(key.String(), entry.Clone())
	observePut(t.name, entry)
	return nil
}

func (t *memoryTier) Delete(_ context.Context, key Key) (bool, error) {
	return t.lru.Remove(key.String()), nil
}

func (t *memoryTier) Keys(_ context.Context) ([]Key, error) {
	raw := t.lru.Keys()
	sort.Strings(raw)
	keys := make([]Key, 0, len(raw))
	for _, s := range raw {
		k, err := ParseKey(s)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
