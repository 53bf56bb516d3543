package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a controllable now() for limiter tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(minuteCap, hourCap int) (*Limiter, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(minuteCap, hourCap)
	l.now = clock.Now
	l.lastCleanup = clock.Now()
	return l, clock
}

func TestMinuteCapEnforced(t *testing.T) {
	l, _ := newTestLimiter(3, 100)

	for i := 0; i < 3; i++ {
		d := l.Check("client-a")
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d := l.Check("client-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestHourCapEnforced(t *testing.T) {
	l, clock := newTestLimiter(5, 10)

	// Drain the hour cap across minute windows.
	granted := 0
	for m := 0; m < 3; m++ {
		for i := 0; i < 5; i++ {
			if l.Check("client-a").Allowed {
				granted++
			}
		}
		clock.Advance(time.Minute)
	}
	require.Equal(t, 10, granted)

	d := l.Check("client-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)
}

func TestWindowReset(t *testing.T) {
	l, clock := newTestLimiter(2, 100)

	require.True(t, l.Check("client-a").Allowed)
	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)

	clock.Advance(time.Minute)
	assert.True(t, l.Check("client-a").Allowed, "new minute window resets the counter")
}

func TestClientsIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 100)

	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)

	assert.True(t, l.Check("client-b").Allowed, "client-b has its own quota")
}

func TestDeniedDoesNotConsumeHourQuota(t *testing.T) {
	l, clock := newTestLimiter(2, 4)

	// Burst past the minute cap; denials must not count against the hour.
	for i := 0; i < 10; i++ {
		l.Check("client-a")
	}

	clock.Advance(time.Minute)
	require.True(t, l.Check("client-a").Allowed)
	require.True(t, l.Check("client-a").Allowed)

	clock.Advance(time.Minute)
	// 4 granted total: hour cap reached now.
	d := l.Check("client-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)
}

func TestConcurrentBurstsRespectCap(t *testing.T) {
	const minuteCap = 60
	l, _ := newTestLimiter(minuteCap, 10000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("burst-client").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, minuteCap, allowed, "concurrent bursts must never exceed the cap")
}

func TestStaleClientsCleaned(t *testing.T) {
	l, clock := newTestLimiter(10, 100)

	for i := 0; i < 5; i++ {
		l.Check(fmt.Sprintf("client-%d", i))
	}
	require.Equal(t, 5, l.Len())

	clock.Advance(3 * time.Hour)
	l.Check("client-fresh")

	assert.Equal(t, 1, l.Len(), "idle clients are swept on the next check")
}

func TestDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.Equal(t, DefaultMinuteCap, l.minuteCap)
	assert.Equal(t, DefaultHourCap, l.hourCap)
}
