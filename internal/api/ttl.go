package api

import (
	"sync"
	"time"
)

// TTL is a minimal in-process TTL cache. Expiration is lazy on Get; Sweep
// drops expired entries.
type TTL[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	now  func() time.Time
}

type entry[V any] struct {
	val V
	exp time.Time
}

func NewTTL[K comparable, V any]() *TTL[K, V] {
	return &TTL[K, V]{data: make(map[K]entry[V]), now: time.Now}
}

// Get returns the value and true if found and not expired; otherwise zero value and false.
func (t *TTL[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	e, ok := t.data[k]
	t.mu.RUnlock()
	if !ok || t.now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (t *TTL[K, V]) Set(k K, v V, ttl time.Duration) {
	t.mu.Lock()
	t.data[k] = entry[V]{val: v, exp: t.now().Add(ttl)}
	t.mu.Unlock()
}

// Replace swaps the value of a live entry and keeps its expiry. It reports
// false if the entry is missing or expired.
func (t *TTL[K, V]) Replace(k K, v V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.data[k]
	if !ok || t.now().After(e.exp) {
		return false
	}
	e.val = v
	t.data[k] = e
	return true
}

func (t *TTL[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

func (t *TTL[K, V]) Sweep() {
	now := t.now()
	t.mu.Lock()
	for k, e := range t.data {
		if now.After(e.exp) {
			delete(t.data, k)
		}
	}
	t.mu.Unlock()
}
