package swcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundSchedulerRunsTasks(t *testing.T) {
	s := newBackgroundScheduler(4, time.Second, testLogger())
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.True(t, s.Schedule("task", func(ctx context.Context) { ran.Add(1) }))
	}
	s.Close()
	assert.Equal(t, int32(3), ran.Load())
	assert.False(t, s.Schedule("late", func(ctx context.Context) {}))
}

func TestBackgroundSchedulerDropsWhenFull(t *testing.T) {
	s := newBackgroundScheduler(1, time.Second, testLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, s.Schedule("slow", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	assert.False(t, s.Schedule("dropped", func(ctx context.Context) {}))
	close(release)
	s.Close()
}

func TestBackgroundSchedulerTaskContext(t *testing.T) {
	s := newBackgroundScheduler(1, 20*time.Millisecond, testLogger())
	errCh := make(chan error, 1)
	s.Schedule("wait", func(ctx context.Context) {
		<-ctx.Done()
		errCh <- ctx.Err()
	})
	s.Close()
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestBackgroundSchedulerRecoversPanics(t *testing.T) {
	s := newBackgroundScheduler(1, time.Second, testLogger())
	s.Schedule("boom", func(ctx context.Context) { panic("boom") })
	s.Close()

	// the slot was released
	s2 := newBackgroundScheduler(1, time.Second, testLogger())
	defer s2.Close()
	s2.Schedule("boom", func(ctx context.Context) { panic("boom") })
	assert.Eventually(t, func() bool {
		return s2.Schedule("after", func(ctx context.Context) {})
	}, time.Second, 5*time.Millisecond)
}
