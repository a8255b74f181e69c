package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kkkkikiki/activation/internal/clock"
)

const (
	defaultMemorySize = 100000
	sweepInterval     = time.Minute
)

type memoryEntry struct {
	value     []byte
	hits      []time.Time // sliding window entries, oldest first
	expiresAt time.Time
}

// Memory is a single-process cache backend bounded by an LRU.
// One mutex covers every operation so compound steps stay atomic.
// It does not coordinate across replicas.
//
// Locks and keys under a durable prefix live outside the LRU and leave
// only when their TTL runs out.
type Memory struct {
	mu        sync.Mutex
	items     *lru.Cache
	durable   map[string]*memoryEntry
	prefixes  []string
	lastSweep time.Time
	clock     clock.Clock
}

// NewMemory creates an in-process cache holding at most size evictable keys.
// Keys starting with one of durablePrefixes are never evicted.
func NewMemory(size int, clk clock.Clock, durablePrefixes ...string) (*Memory, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	if clk == nil {
		clk = clock.System{}
	}
	items, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("cache: create lru: %w", err)
	}
	return &Memory{
		items:     items,
		durable:   make(map[string]*memoryEntry),
		prefixes:  durablePrefixes,
		lastSweep: clk.Now(),
		clock:     clk,
	}, nil
}

func (m *Memory) isDurable(key string) bool {
	for _, p := range m.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// loadDurable is load for the non-evicting map. Caller holds mu.
func (m *Memory) loadDurable(key string, now time.Time) (*memoryEntry, bool) {
	entry, ok := m.durable[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.After(now) {
		delete(m.durable, key)
		return nil, false
	}
	return entry, true
}

// storeDurable adds an entry and drops expired ones at most once per
// sweepInterval. Caller holds mu.
func (m *Memory) storeDurable(key string, entry *memoryEntry, now time.Time) {
	if now.Sub(m.lastSweep) >= sweepInterval {
		for k, e := range m.durable {
			if !e.expiresAt.After(now) {
				delete(m.durable, k)
			}
		}
		m.lastSweep = now
	}
	m.durable[key] = entry
}

// load returns a live entry, dropping it when expired. Caller holds mu.
func (m *Memory) load(key string, now time.Time) (*memoryEntry, bool) {
	if m.isDurable(key) {
		return m.loadDurable(key, now)
	}
	raw, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	entry := raw.(*memoryEntry)
	if !entry.expiresAt.After(now) {
		m.items.Remove(key)
		return nil, false
	}
	return entry, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.load(key, m.clock.Now())
	if !ok || entry.value == nil {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	now := m.clock.Now()
	entry := &memoryEntry{value: stored, expiresAt: now.Add(ttl)}
	if m.isDurable(key) {
		m.storeDurable(key, entry, now)
		return nil
	}
	m.items.Add(key, entry)
	return nil
}

func (m *Memory) IncrementWithTTL(_ context.Context, key string, window time.Duration, limit int64) (int64, error) {
	if window <= 0 || limit <= 0 {
		return 0, ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cutoff := now.Add(-window)

	entry, ok := m.load(key, now)
	if !ok {
		entry = &memoryEntry{}
		if m.isDurable(key) {
			m.storeDurable(key, entry, now)
		} else {
			m.items.Add(key, entry)
		}
	}

	next := entry.hits[:0]
	for _, ts := range entry.hits {
		if ts.After(cutoff) {
			next = append(next, ts)
		}
	}
	entry.hits = next

	count := int64(len(entry.hits))
	if count >= limit {
		return count + 1, nil
	}

	entry.hits = append(entry.hits, now)
	entry.expiresAt = now.Add(window)
	return count + 1, nil
}

func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidArgument
	}

	token, err := newFencingToken()
	if err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if _, held := m.loadDurable(key, now); held {
		return "", false, nil
	}
	m.storeDurable(key, &memoryEntry{value: []byte(token), expiresAt: now.Add(ttl)}, now)
	return token, true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.loadDurable(key, m.clock.Now())
	if ok && string(entry.value) == token {
		delete(m.durable, key)
	}
	return nil
}
