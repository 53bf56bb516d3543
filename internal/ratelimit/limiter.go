// Package ratelimit bounds per-client request rates using two independent
// fixed windows (per-minute and per-hour).
package ratelimit

import (
	"sync"
	"time"
)

// Window identifies which fixed window denied a request.
type Window string

const (
	// WindowMinute is the short per-minute window.
	WindowMinute Window = "minute"

	// WindowHour is the long per-hour window.
	WindowHour Window = "hour"
)

// Default caps for the two windows.
const (
	DefaultMinuteCap = 60
	DefaultHourCap   = 1000
)

const (
	cleanupInterval = 5 * time.Minute

	// staleThreshold is how long a client may be idle before its quota
	// record is dropped. Two full hour windows: a dropped record can only
	// re-admit a client whose counters would have reset anyway.
	staleThreshold = 2 * time.Hour
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Window names the window that denied the request. Empty when allowed.
	Window Window

	// RetryAfter is the time until the denying window resets.
	RetryAfter time.Duration
}

// window is a fixed-window counter: requests counted within clock-aligned
// buckets of the given size.
type window struct {
	size  time.Duration
	start time.Time
	count int
}

// roll resets the counter if now falls into a new bucket.
func (w *window) roll(now time.Time) {
	bucket := now.Truncate(w.size)
	if !bucket.Equal(w.start) {
		w.start = bucket
		w.count = 0
	}
}

// resetIn returns the time until the current bucket ends.
func (w *window) resetIn(now time.Time) time.Duration {
	return w.start.Add(w.size).Sub(now)
}

// quota is the per-client accounting record. Each quota has its own mutex
// so the check-and-increment critical section is scoped to one client and
// distinct clients never block each other.
type quota struct {
	mu       sync.Mutex
	minute   window
	hour     window
	lastSeen time.Time
}

// Limiter tracks per-client quotas. State is in-memory and process-local:
// it resets on restart, which is a documented limitation of single-replica
// deployments, not a correctness bug.
type Limiter struct {
	mu          sync.Mutex
	clients     map[string]*quota
	minuteCap   int
	hourCap     int
	lastCleanup time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the given window caps. Non-positive
// caps fall back to the defaults.
func NewLimiter(minuteCap, hourCap int) *Limiter {
	if minuteCap <= 0 {
		minuteCap = DefaultMinuteCap
	}
	if hourCap <= 0 {
		hourCap = DefaultHourCap
	}
	return &Limiter{
		clients:     make(map[string]*quota),
		minuteCap:   minuteCap,
		hourCap:     hourCap,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check tests and, when allowed, records one request for the client.
// The minute window is evaluated first (tighter bound trips first in the
// common case). Both counters are incremented atomically with the check.
func (l *Limiter) Check(clientID string) Decision {
	now := l.now()
	q := l.quotaFor(clientID, now)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastSeen = now
	q.minute.roll(now)
	q.hour.roll(now)

	if q.minute.count >= l.minuteCap {
		return Decision{Window: WindowMinute, RetryAfter: q.minute.resetIn(now)}
	}
	if q.hour.count >= l.hourCap {
		return Decision{Window: WindowHour, RetryAfter: q.hour.resetIn(now)}
	}

	q.minute.count++
	q.hour.count++
	return Decision{Allowed: true}
}

// quotaFor returns the client's quota record, creating it lazily.
// Stale records are swept opportunistically while the map lock is held.
func (l *Limiter) quotaFor(clientID string, now time.Time) *quota {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > cleanupInterval {
		for id, q := range l.clients {
			q.mu.Lock()
			stale := now.Sub(q.lastSeen) > staleThreshold
			q.mu.Unlock()
			if stale {
				delete(l.clients, id)
			}
		}
		l.lastCleanup = now
	}

	q, ok := l.clients[clientID]
	if !ok {
		q = &quota{
			minute:   window{size: time.Minute, start: now.Truncate(time.Minute)},
			hour:     window{size: time.Hour, start: now.Truncate(time.Hour)},
			lastSeen: now,
		}
		l.clients[clientID] = q
	}
	return q
}

// Len returns the number of tracked clients. Used by metrics and tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
