package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

func TestScheduler_RunOnceExecutesAllTasks(t *testing.T) {
	s := NewScheduler(time.Hour, logger.New("error"))

	var first, second atomic.Int64
	s.Register(Task{Name: "first", Run: func(ctx context.Context) (int64, error) {
		first.Add(1)
		return 3, nil
	}})
	s.Register(Task{Name: "second", Run: func(ctx context.Context) (int64, error) {
		second.Add(1)
		return 0, nil
	}})

	s.RunOnce(context.Background())
	assert.Equal(t, int64(1), first.Load())
	assert.Equal(t, int64(1), second.Load())
}

func TestScheduler_FailingTaskDoesNotStopOthers(t *testing.T) {
	s := NewScheduler(time.Hour, logger.New("error"))

	var ran atomic.Bool
	s.Register(Task{Name: "broken", Run: func(ctx context.Context) (int64, error) {
		return 0, errors.New("sweep failed")
	}})
	s.Register(Task{Name: "after", Run: func(ctx context.Context) (int64, error) {
		ran.Store(true)
		return 0, nil
	}})

	s.RunOnce(context.Background())
	assert.True(t, ran.Load(), "the task after the failing one still runs")
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	s := NewScheduler(10*time.Millisecond, logger.New("error"))

	var runs atomic.Int64
	s.Register(Task{Name: "counter", Run: func(ctx context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "no ticks after Stop")
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	s := NewScheduler(10*time.Millisecond, logger.New("error"))

	var runs atomic.Int64
	s.Register(Task{Name: "counter", Run: func(ctx context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(time.Hour, logger.New("error"))
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestScheduler_RunOnceStopsOnCancelledContext(t *testing.T) {
	s := NewScheduler(time.Hour, logger.New("error"))

	var ran atomic.Bool
	s.Register(Task{Name: "never", Run: func(ctx context.Context) (int64, error) {
		ran.Store(true)
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)
	assert.False(t, ran.Load())
}
