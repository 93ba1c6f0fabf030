// Package scheduler runs the pipeline's periodic tasks, each in its own goroutine
// so a stuck external call in one task never delays the others.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"settler/internal/cache"
	"settler/internal/metrics"
)

// Task is a unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// LockKey, when set, is held in the shared locker for the duration of a run
	// so only one instance of the service executes the task at a time.
	LockKey string
}

// Scheduler starts tasks on their intervals and waits for them on shutdown.
type Scheduler struct {
	logger  *slog.Logger
	locker  cache.Locker
	metrics *metrics.SettlerMetrics
	timeout time.Duration

	mu    sync.Mutex
	tasks []Task
	wg    sync.WaitGroup
}

// New creates a scheduler. locker may be nil for a single instance; timeout <= 0 disables the per-run deadline.
func New(logger *slog.Logger, locker cache.Locker, m *metrics.SettlerMetrics, timeout time.Duration) *Scheduler {
	return &Scheduler{logger: logger, locker: locker, metrics: m, timeout: timeout}
}

func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches every added task. Each runs once immediately and then on its interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	s.logger.Info("Scheduler: started", "tasks", len(s.tasks))
}

// Wait blocks until every task loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = s.RunOnce(ctx, t)
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler: task stopped", "task", t.Name)
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one run of t under the task timeout and lock. Errors and panics are logged and returned, never propagated further.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if t.LockKey != "" && s.locker != nil {
		ttl := s.timeout
		if ttl <= 0 {
			ttl = t.Interval
		}
		if ttl <= 0 {
			ttl = time.Minute
		}
		release, ok, lockErr := s.locker.TryLock(runCtx, "task:"+t.LockKey, ttl)
		if lockErr != nil {
			s.logger.Error("Scheduler: task lock unavailable", "task", t.Name, "error", lockErr)
			return lockErr
		}
		if !ok {
			s.logger.Debug("Scheduler: task running elsewhere, skipping", "task", t.Name)
			return nil
		}
		defer release()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			s.logger.Error("Scheduler: task panicked", "task", t.Name, "panic", r, "stack", string(debug.Stack()))
		}
		s.metrics.ObserveTask(t.Name, time.Since(start), err)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler: task failed", "task", t.Name, "error", err)
		}
	}()
	return t.Run(runCtx)
}
