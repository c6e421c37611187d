package swcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type rateLimitedLogger struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warnf logs at most once per interval and reports how many messages were
// suppressed since the previous line.
func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	l.log.WithField("suppressed", dropped).Warnf(format, args...)
}
