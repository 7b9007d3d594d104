package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry is one L1 copy of a payload.
type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Memory is the process-local tier. Entries expire lazily: Get treats an
// entry at or past expiresAt as absent and drops it. otter bounds the entry
// count so a long-lived process cannot grow without limit.
type Memory struct {
	cache *otter.Cache[string, entry]
	ttl   time.Duration
	now   func() time.Time
}

// MemoryOptions configures the process-local tier.
type MemoryOptions struct {
	TTL        time.Duration
	MaxEntries int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewMemory constructs an L1 cache. It is meant to be created once per process
// and injected where needed.
func NewMemory(opts MemoryOptions) (*Memory, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("create memory cache: ttl must be positive")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize: opts.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Memory{cache: c, ttl: opts.TTL, now: opts.Now}, nil
}

// Get returns the payload only while now < expiresAt.
func (m *Memory) Get(key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.payload, true
}

// Set stores an independent copy with expiresAt = now + TTL.
func (m *Memory) Set(key string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.cache.Set(key, entry{payload: cp, expiresAt: m.now().Add(m.ttl)})
}

func (m *Memory) Delete(key string) {
	m.cache.Invalidate(key)
}

// Purge drops every entry and reports how many were present.
func (m *Memory) Purge() int {
	n := m.cache.EstimatedSize()
	m.cache.InvalidateAll()
	return n
}

// Len is otter's estimate of the current entry count.
func (m *Memory) Len() int {
	return m.cache.EstimatedSize()
}

// TTL is the lifetime given to every entry.
func (m *Memory) TTL() time.Duration {
	return m.ttl
}
