package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"chatcore/internal/logging"
)

type memEntry struct {
	key     string
	value   []byte
	created time.Time
	expires time.Time // zero means no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Store: a bounded LRU with per-entry expiry.
// Expiry is checked on every read; Cleanup evicts expired entries eagerly.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	now      func() time.Time
	closed   bool

	evictions int64
	expired   int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMemory creates a memory store holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Start runs Cleanup every interval until Close.
func (m *Memory) Start(interval time.Duration) {
	m.mu.Lock()
	if m.stopCh != nil || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := m.Cleanup(); n > 0 {
					logging.CacheDebug("cleanup evicted %d expired entries", n)
				}
			}
		}
	}()
}

// Close stops the janitor and marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	stop, done := m.stopCh, m.doneCh
	m.stopCh = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Get returns the value stored at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.lookupLocked(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores value at key, overwriting any previous entry.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, value, ttl)
	return nil
}

// Increment atomically adds amount to the integer at key.
func (m *Memory) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if e, ok := m.lookupLocked(key); ok {
		current, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			current = 0
		}
		current += amount
		e.value = []byte(strconv.FormatInt(current, 10))
		return current, nil
	}
	m.setLocked(key, []byte(strconv.FormatInt(amount, 10)), ttl)
	return amount, nil
}

// Add stores value only if key is absent.
func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

// HealthCheck reports healthy while the store is open.
func (m *Memory) HealthCheck(_ context.Context) Health {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Health{Status: StatusUnhealthy, Error: ErrClosed.Error()}
	}
	return Health{Status: StatusHealthy, Entries: len(m.items), Latency: time.Since(start)}
}

// Cleanup evicts every expired entry and returns how many were removed.
func (m *Memory) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memEntry).expired(now) {
			m.removeLocked(el)
			m.expired++
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// cleaned up.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) lookupLocked(key string) (*memEntry, bool) {
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if e.expired(m.now()) {
		m.removeLocked(el)
		m.expired++
		return nil, false
	}
	m.order.MoveToFront(el)
	return e, true
}

func (m *Memory) setLocked(key string, value []byte, ttl time.Duration) {
	now := m.now()
	stored := make([]byte, len(value))
	copy(stored, value)
	e := &memEntry{key: key, value: stored, created: now}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}

	if el, ok := m.items[key]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return
	}
	m.items[key] = m.order.PushFront(e)
	for len(m.items) > m.capacity {
		m.removeLocked(m.order.Back())
		m.evictions++
	}
}

func (m *Memory) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	delete(m.items, e.key)
	m.order.Remove(el)
}

// MemoryStats counts evictions since creation.
type MemoryStats struct {
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{Entries: len(m.items), Evictions: m.evictions, Expired: m.expired}
}
