package session

import (
	"sync"
	"time"
)

// rateWindow is a per-endpoint sliding window of request timestamps. It
// is a best-effort client-side guard held in memory only.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newRateWindow(limit int, window time.Duration) *rateWindow {
	return &rateWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// allow prunes timestamps older than the window for key, rejects when the
// remaining count is at the limit, and otherwise records now.
func (r *rateWindow) allow(key string, now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)

	valid := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= r.limit {
		r.hits[key] = valid
		return false
	}

	r.hits[key] = append(valid, now)

	return true
}
