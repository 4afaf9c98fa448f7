package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited drops repeats of the same message that arrive within the
// interval. Storage failures under quota pressure fire on every request, so
// they go through here.
type RateLimited struct {
	log      *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	lastAt map[string]time.Time
	now    func() time.Time
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{
		log:      OrNop(log),
		interval: interval,
		lastAt:   map[string]time.Time{},
		now:      time.Now,
	}
}

// Warn logs msg unless the same msg was logged less than interval ago.
// It reports whether the entry was written.
func (l *RateLimited) Warn(msg string, fields ...zap.Field) bool {
	l.mu.Lock()
	now := l.now()
	last, seen := l.lastAt[msg]
	if seen && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return false
	}
	l.lastAt[msg] = now
	l.mu.Unlock()

	l.log.Warn(msg, fields...)
	return true
}
