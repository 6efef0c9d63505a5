package crypto

import (
	"testing"
	"time"
)

func TestTimeProvider_Default(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}

	before := time.Now()
	now := dp.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("DefaultTimeProvider.Now() should return current time")
	}

	pastTime := time.Now().Add(-time.Hour)
	since := dp.Since(pastTime)
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("DefaultTimeProvider.Since() returned unexpected duration: %v", since)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	c := NewManualClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(5 * time.Second)
	if got := c.Since(start); got != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", got)
	}

	c.Advance(-10 * time.Second)
	if !c.Now().Before(start) {
		t.Error("clock should move backwards on negative Advance")
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Error("Set() did not stop the clock at the given time")
	}
}

func TestOrDefault(t *testing.T) {
	if _, ok := OrDefault(nil).(DefaultTimeProvider); !ok {
		t.Error("OrDefault(nil) should return DefaultTimeProvider")
	}
	c := NewManualClock(time.Unix(0, 0))
	if OrDefault(c) != c {
		t.Error("OrDefault should keep a non-nil provider")
	}
}
