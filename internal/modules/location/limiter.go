// README: Per-identity fixed-window rate limiter; windows reset, never partially decay.
package location

import (
	"time"

	"courier/internal/shard"
)

type window struct {
	start time.Time
	count int
}

type Limiter struct {
	limit   int
	window  time.Duration
	windows *shard.Map[window]
	now     func() time.Time
}

func NewLimiter(limit int, w time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limit:   limit,
		window:  w,
		windows: shard.New[window](shard.DefaultShards),
		now:     now,
	}
}

// Allow admits one event for key if its current window has room. A window
// opens on the first event after the previous one expired.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	allowed := false
	l.windows.Update(key, func(w window, ok bool) (window, bool) {
		if !ok || now.Sub(w.start) >= l.window {
			w = window{start: now}
		}
		if w.count < l.limit {
			w.count++
			allowed = true
		}
		return w, true
	})
	return allowed
}

// Sweep removes expired windows so idle drivers do not accumulate.
func (l *Limiter) Sweep() int {
	now := l.now()
	return l.windows.Sweep(func(_ string, w window) bool {
		return now.Sub(w.start) >= l.window
	})
}
