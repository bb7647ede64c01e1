// Package ratelimit provides per-client sliding window rate limiting for
// the conversation endpoints.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Config defines rate limiting thresholds. A zero limit disables that
// window.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" koanf:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" koanf:"requests_per_hour"`
}

// Enabled reports whether any window is limited.
func (c Config) Enabled() bool {
	return c.RequestsPerMinute > 0 || c.RequestsPerHour > 0
}

// Result is the outcome of one check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Window     string        `json:"window,omitempty"` // "minute" or "hour" when exceeded
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

const bucketCount = 10

// window counts events in bucketCount sub-buckets spanning size.
type window struct {
	size    time.Duration
	buckets map[int64]int
}

func newWindow(size time.Duration) *window {
	return &window{size: size, buckets: make(map[int64]int)}
}

func (w *window) bucketSize() time.Duration {
	return w.size / bucketCount
}

func (w *window) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketSize())
}

// oldest is the first bucket still inside the window at now.
func (w *window) oldest(now time.Time) int64 {
	return w.bucketOf(now) - bucketCount + 1
}

func (w *window) prune(now time.Time) {
	oldest := w.oldest(now)
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
}

func (w *window) count(now time.Time) int {
	oldest := w.oldest(now)
	n := 0
	for b, c := range w.buckets {
		if b >= oldest {
			n += c
		}
	}
	return n
}

func (w *window) record(now time.Time) {
	w.prune(now)
	w.buckets[w.bucketOf(now)]++
}

// retryAfter is the time until enough old buckets expire to admit one more
// event under limit.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}
	oldest := w.oldest(now)
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b drops out once bucketCount newer buckets have started.
			leaves := time.Unix(0, (b+bucketCount)*int64(w.bucketSize()))
			if d := leaves.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.size
}

// =============================================================================
// LIMITER
// =============================================================================

type windowKey struct {
	client string
	route  string
	kind   string
}

// Limiter applies one Config to every client and route. It is safe for
// concurrent use.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	windows map[windowKey]*window
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
}

// Allow checks client's usage of route and records the request when it is
// admitted.
func (l *Limiter) Allow(client, route string) Result {
	now := l.now()
	checks := []struct {
		kind  string
		size  time.Duration
		limit int
	}{
		{"minute", time.Minute, l.cfg.RequestsPerMinute},
		{"hour", time.Hour, l.cfg.RequestsPerHour},
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.windowFor(windowKey{client, route, c.kind}, c.size)
		if current := w.count(now); current >= c.limit {
			return Result{
				Window:     c.kind,
				Current:    current,
				Limit:      c.limit,
				RetryAfter: w.retryAfter(now, c.limit),
			}
		}
	}

	result := Result{Allowed: true, Remaining: -1}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.windowFor(windowKey{client, route, c.kind}, c.size)
		w.record(now)
		current := w.count(now)
		if remaining := c.limit - current; result.Remaining < 0 || remaining < result.Remaining {
			result.Current, result.Limit, result.Remaining = current, c.limit, remaining
		}
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result
}

func (l *Limiter) windowFor(key windowKey, size time.Duration) *window {
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(size)
		l.windows[key] = w
	}
	return w
}

// Cleanup drops windows with no live events and returns how many were
// removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.prune(now)
		if w.count(now) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
