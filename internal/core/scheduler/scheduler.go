// Package scheduler runs the periodic maintenance tasks (subscription renewal,
// retention sweep) on fixed intervals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart executes the task once immediately instead of after the first interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler manages background task execution.
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: tasks, logger: logger.With("component", "scheduler")}
}

// Start launches one loop per task and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			s.logger.Warn("task disabled", "task", t.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t, s.stopCh)
	}
}

// Stop ends all loops and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task, stop <-chan struct{}) {
	defer s.wg.Done()

	if t.RunOnStart {
		s.runTask(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		s.logger.Error("task failed", "task", t.Name, "err", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Debug("task finished", "task", t.Name, "elapsed", time.Since(start))
}
