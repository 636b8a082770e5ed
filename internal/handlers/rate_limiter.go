package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// windowLimiter counts hits per key in fixed windows.
type windowLimiter struct {
	limit     int
	window    time.Duration
	clock     func() time.Time
	mu        sync.Mutex
	windows   map[string]hitWindow
	nextSweep time.Time
}

type hitWindow struct {
	hits  int
	reset time.Time
}

// newWindowLimiter returns nil when limiting is disabled; a nil limiter allows everything.
func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) *windowLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]hitWindow),
	}
}

// Take records a hit for key. When the key is over its limit it reports how
// long until the window resets.
func (l *windowLimiter) Take(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.windows[key] = hitWindow{hits: 1, reset: now.Add(l.window)}
		return true, 0
	}
	if w.hits >= l.limit {
		return false, w.reset.Sub(now)
	}
	w.hits++
	l.windows[key] = w
	return true, 0
}

// Forget drops key, used when the keyed checkout goes away.
func (l *windowLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.windows, strings.TrimSpace(key))
	l.mu.Unlock()
}

// sweepLocked drops finished windows at most once per window length.
func (l *windowLimiter) sweepLocked(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	l.nextSweep = now.Add(l.window)
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

func (l *windowLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
