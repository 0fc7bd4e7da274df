package cache

import (
	"container/list"
	"sync"
)

type boundedEntry[K comparable, V any] struct {
	key   K
	value V
}

// Bounded is a concurrency-safe LRU map with a fixed capacity and no expiry.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List
}

// NewBounded creates a map holding at most capacity entries.
func NewBounded[K comparable, V any](capacity int) *Bounded[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.items[key]; ok {
		b.order.MoveToFront(el)
		return el.Value.(*boundedEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores value, evicting the least recently used entry when full.
func (b *Bounded[K, V]) Put(key K, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(key, value)
}

// Update applies fn to the current value (zero value if absent) and stores
// the result, all under the map lock.
func (b *Bounded[K, V]) Update(key K, fn func(V, bool) V) V {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current V
	el, ok := b.items[key]
	if ok {
		current = el.Value.(*boundedEntry[K, V]).value
	}
	next := fn(current, ok)
	b.putLocked(key, next)
	return next
}

func (b *Bounded[K, V]) Delete(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.items[key]; ok {
		delete(b.items, key)
		b.order.Remove(el)
	}
}

func (b *Bounded[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// RemoveIf deletes every entry for which drop returns true.
func (b *Bounded[K, V]) RemoveIf(drop func(K, V) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*boundedEntry[K, V])
		if drop(e.key, e.value) {
			delete(b.items, e.key)
			b.order.Remove(el)
			removed++
		}
		el = next
	}
	return removed
}

func (b *Bounded[K, V]) putLocked(key K, value V) {
	if el, ok := b.items[key]; ok {
		el.Value.(*boundedEntry[K, V]).value = value
		b.order.MoveToFront(el)
		return
	}
	b.items[key] = b.order.PushFront(&boundedEntry[K, V]{key: key, value: value})
	for len(b.items) > b.capacity {
		back := b.order.Back()
		delete(b.items, back.Value.(*boundedEntry[K, V]).key)
		b.order.Remove(back)
	}
}
