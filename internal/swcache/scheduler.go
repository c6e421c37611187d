package swcache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler runs fire-and-forget tasks outside the request that spawned
// them. Schedule reports false when the task was dropped.
type Scheduler interface {
	Schedule(name string, task func(ctx context.Context)) bool
}

// backgroundScheduler bounds the number of concurrent background tasks. Each
// task gets its own context so a cancelled page request never aborts the
// refresh it triggered.
type backgroundScheduler struct {
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
	log     logrus.FieldLogger
	full    *rateLimitedLogger

	mu     sync.Mutex
	closed bool
}

func newBackgroundScheduler(slots int, timeout time.Duration, log logrus.FieldLogger) *backgroundScheduler {
	if slots <= 0 {
		slots = 32
	}
	return &backgroundScheduler{
		sem:     make(chan struct{}, slots),
		timeout: timeout,
		log:     log,
		full:    newRateLimitedLogger(log, time.Minute),
	}
}

func (b *backgroundScheduler) Schedule(name string, task func(ctx context.Context)) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	select {
	case b.sem <- struct{}{}:
	default:
		b.mu.Unlock()
		b.full.Warnf("background queue full, dropping %s", name)
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		defer func() {
			if p := recover(); p != nil {
				b.log.WithFields(logrus.Fields{"action": "background", "task": name}).Errorf("task panicked: %v", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		task(ctx)
	}()
	return true
}

// Close stops accepting tasks and waits for the running ones.
func (b *backgroundScheduler) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
