package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

// Task is one recurring maintenance job. Run returns how many rows it
// affected.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler runs registered tasks on a fixed interval until stopped.
// A failing task is logged and retried on the next tick; it never
// stops the scheduler or the other tasks.
type Scheduler struct {
	interval time.Duration
	logger   *logger.Logger
	tasks    []Task

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewScheduler creates a scheduler with the given tick interval
func NewScheduler(interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		logger:   log,
	}
}

// Register adds a task. Tasks must be registered before Start.
func (s *Scheduler) Register(task Task) {
	s.tasks = append(s.tasks, task)
}

// Start launches the tick loop. It returns immediately; the loop runs
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)

	s.logger.WithFields(map[string]interface{}{
		"interval": s.interval.String(),
		"tasks":    len(s.tasks),
	}).Info("Housekeeping scheduler started")
}

// Stop cancels the loop and waits for any in-flight tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Housekeeping scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every registered task a single time. Exposed so
// tests and operators can trigger a sweep without waiting for a tick.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		affected, err := task.Run(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("task", task.Name).Error("Housekeeping task failed")
			continue
		}
		if affected > 0 {
			s.logger.WithFields(map[string]interface{}{
				"task":     task.Name,
				"affected": affected,
			}).Info("Housekeeping task completed")
		}
	}
}
