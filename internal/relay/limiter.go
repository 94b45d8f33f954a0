package relay

import (
	"sync"
	"time"

	"github.com/devrtc/devrtc/internal/domain"
)

// AttemptLimiter bounds call-initiate events per user over a sliding
// window so one client cannot spam-ring the whole roster.
type AttemptLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewAttemptLimiter(limit int, interval time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *AttemptLimiter) Allow(uid domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	attempts := l.history[uid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history[uid] = fresh
		return false
	}

	l.history[uid] = append(fresh, now)
	return true
}
