package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGetSetExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, int](time.Minute, 0, clk)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clk.advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire exactly at its TTL")

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 0, c.Len())
}

func TestCheckAndStore(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := New[int64, struct{}](10*time.Second, 0, clk)

	assert.True(t, c.CheckAndStore(42, struct{}{}))
	assert.False(t, c.CheckAndStore(42, struct{}{}), "duplicate within TTL")

	clk.advance(11 * time.Second)
	assert.True(t, c.CheckAndStore(42, struct{}{}), "expired entry counts as new")
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := New[int, int](time.Hour, 2, clk)

	c.Set(1, 1)
	clk.advance(time.Second)
	c.Set(2, 2)
	clk.advance(time.Second)
	c.Set(3, 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)

	// Replacing an existing key never evicts.
	c.Set(3, 30)
	assert.Equal(t, 2, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[string, string](time.Hour, 0, nil)
	c.Set("k", "v")
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestJanitorStop(t *testing.T) {
	c := New[int, int](time.Millisecond, 0, nil)
	c.Set(1, 1)
	c.StartJanitor(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
