package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a single-process implementation of PriceCache, CursorStore and Locker.
type MemoryCache struct {
	mu      sync.Mutex
	prices  map[string]PricePoint
	cursors map[string]uint64
	locks   map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		prices:  make(map[string]PricePoint),
		cursors: make(map[string]uint64),
		locks:   make(map[string]time.Time),
		now:     time.Now,
	}
}

var (
	_ PriceCache  = (*MemoryCache)(nil)
	_ CursorStore = (*MemoryCache)(nil)
	_ Locker      = (*MemoryCache)(nil)
)

func (m *MemoryCache) GetPrice(_ context.Context, symbol string) (PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[priceKey(symbol)]
	if !ok {
		return PricePoint{}, ErrMiss
	}
	return p, nil
}

func (m *MemoryCache) SetPrice(_ context.Context, symbol string, point PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[priceKey(symbol)] = point
	return nil
}

func (m *MemoryCache) GetCursor(_ context.Context, lockHash string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[cursorKey(lockHash)], nil
}

func (m *MemoryCache) AdvanceCursor(_ context.Context, lockHash string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey(lockHash)
	if id > m.cursors[k] {
		m.cursors[k] = id
	}
	return nil
}

func (m *MemoryCache) ResetCursor(_ context.Context, lockHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, cursorKey(lockHash))
	return nil
}

func (m *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := lockKey(key)
	now := m.now()
	if exp, held := m.locks[k]; held && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	m.locks[k] = exp
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.locks[k].Equal(exp) {
			delete(m.locks, k)
		}
	}
	return release, true, nil
}
