// Package cache provides a small time-to-live map. The session uses it to
// drop duplicate server messages and the schema codec to memoize resolved
// type references; each owner constructs its own instance.
package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock supplies the current time. crypto.TimeProvider satisfies it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL maps keys to values that expire a fixed time after they were stored.
// When MaxEntries is reached, expired entries are pruned first and then the
// entry closest to expiry is evicted. TTL is safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	clock      Clock
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// New creates a TTL map. maxEntries <= 0 means unbounded; a nil clock uses
// the system clock.
func New[K comparable, V any](ttl time.Duration, maxEntries int, clock Clock) *TTL[K, V] {
	if clock == nil {
		clock = systemClock{}
	}
	return &TTL[K, V]{
		items:      make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		stopChan:   make(chan struct{}),
	}
}

// Get returns the live value stored under k.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok || !c.clock.Now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k, replacing any previous value and restarting its TTL.
func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(k, v)
}

func (c *TTL[K, V]) setLocked(k K, v V) {
	now := c.clock.Now()
	if _, exists := c.items[k]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.pruneLocked(now)
		if len(c.items) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.items[k] = entry[V]{value: v, expires: now.Add(c.ttl)}
}

// CheckAndStore records k and reports whether it was absent or expired.
// A false result means k was seen within the TTL.
func (c *TTL[K, V]) CheckAndStore(k K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[k]; ok && c.clock.Now().Before(e.expires) {
		return false
	}
	c.setLocked(k, v)
	return true
}

// Delete removes k.
func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Prune removes expired entries and returns how many were dropped.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.clock.Now())
}

func (c *TTL[K, V]) pruneLocked(now time.Time) int {
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *TTL[K, V]) evictOldestLocked() {
	var (
		oldest K
		first  = true
		when   time.Time
	)
	for k, e := range c.items {
		if first || e.expires.Before(when) {
			oldest, when, first = k, e.expires, false
		}
	}
	if !first {
		delete(c.items, oldest)
	}
}

// StartJanitor prunes the map every interval until Stop is called.
func (c *TTL[K, V]) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Prune(); n > 0 {
					logrus.WithFields(logrus.Fields{
						"function": "TTL.StartJanitor",
						"pruned":   n,
					}).Debug("Pruned expired cache entries")
				}
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop ends the janitor goroutine, if any. It is safe to call more than once.
func (c *TTL[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}
