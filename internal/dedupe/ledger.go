// ABOUTME: Thread-safe TTL ledger of results keyed by call ID.
// ABOUTME: Runs work at most once per key and replays the recorded result for duplicates.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// ledgerEntry stores a recorded value with its timestamp and list element.
type ledgerEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Ledger is a TTL-based, size-limited record of completed work.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Ledger[V any] struct {
	mu       sync.Mutex
	done     map[string]*ledgerEntry[V]
	inflight map[string]chan struct{}
	order    *list.List // keys in insertion order (oldest at front)
	ttl      time.Duration
	maxSize  int
	stop     chan struct{}
	closed   bool
}

// New creates a Ledger with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int) *Ledger[V] {
	l := &Ledger[V]{
		done:     make(map[string]*ledgerEntry[V]),
		inflight: make(map[string]chan struct{}),
		order:    list.New(),
		ttl:      ttl,
		maxSize:  maxSize,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Lookup returns the recorded value for key if present and not expired.
func (l *Ledger[V]) Lookup(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLocked(key)
}

func (l *Ledger[V]) lookupLocked(key string) (V, bool) {
	entry, ok := l.done[key]
	if !ok || time.Since(entry.timestamp) >= l.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Store records value for key, evicting the oldest entry when at capacity.
func (l *Ledger[V]) Store(key string, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.storeLocked(key, value)
}

func (l *Ledger[V]) storeLocked(key string, value V) {
	now := time.Now()

	if entry, exists := l.done[key]; exists {
		entry.value = value
		entry.timestamp = now
		l.order.MoveToBack(entry.element)
		return
	}

	if l.maxSize > 0 && len(l.done) >= l.maxSize {
		l.evictOldest()
	}

	l.done[key] = &ledgerEntry[V]{
		value:     value,
		timestamp: now,
		element:   l.order.PushBack(key),
	}
}

// Do runs fn once for key and records its value. A key that is already
// recorded returns the recorded value with replayed=true. A concurrent Do for
// a key that is still running waits for that run and replays its value.
// An empty key always runs fn and records nothing.
func (l *Ledger[V]) Do(key string, fn func() V) (value V, replayed bool) {
	if key == "" {
		return fn(), false
	}

	for {
		l.mu.Lock()
		if v, ok := l.lookupLocked(key); ok {
			l.mu.Unlock()
			return v, true
		}
		wait, running := l.inflight[key]
		if !running {
			ch := make(chan struct{})
			l.inflight[key] = ch
			l.mu.Unlock()

			defer func() {
				l.mu.Lock()
				delete(l.inflight, key)
				l.mu.Unlock()
				close(ch)
			}()

			v := fn()
			l.Store(key, v)
			return v, false
		}
		l.mu.Unlock()
		<-wait
	}
}

// Len returns the number of recorded entries, including expired ones not yet cleaned up.
func (l *Ledger[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (l *Ledger[V]) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.done, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (l *Ledger[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.stop:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (l *Ledger[V]) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, entry := range l.done {
		if now.Sub(entry.timestamp) > l.ttl {
			l.order.Remove(entry.element)
			delete(l.done, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (l *Ledger[V]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.stop)
		l.closed = true
	}
}
