// Package supervisor keeps the gateway's background tasks alive. Tasks
// that return or panic are restarted with exponential backoff; a task
// that keeps dying inside the restart window stops being restarted and
// flips the supervisor into a degraded state that health checks expose.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one supervised background loop. Run should block until ctx
// is canceled; returning early counts as a failure.
type Task struct {
	// Name identifies the task in logs
	Name string

	// Run is the task body
	Run func(ctx context.Context) error
}

// Config tunes restart behavior.
type Config struct {
	// InitialBackoff is the delay after the first failure. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between restarts. Default: 1m.
	MaxBackoff time.Duration

	// MaxRestarts is the failure budget within RestartWindow before a
	// task is abandoned. Default: 5.
	MaxRestarts int

	// RestartWindow is the sliding interval the budget applies to.
	// Default: 5m.
	RestartWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	return c
}

// Supervisor runs tasks until its context is canceled.
type Supervisor struct {
	cfg      Config
	tasks    []Task
	wg       sync.WaitGroup
	degraded atomic.Bool
}

// New creates a Supervisor over the given tasks.
func New(cfg Config, tasks ...Task) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), tasks: tasks}
}

// Start launches every task. It returns immediately; use Wait to block
// until all tasks have stopped after cancellation.
func (s *Supervisor) Start(ctx context.Context) {
	for _, task := range s.tasks {
		s.wg.Add(1)
		go func(task Task) {
			defer s.wg.Done()
			s.supervise(ctx, task)
		}(task)
	}
}

// Wait blocks until every task goroutine has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Degraded reports whether any task exhausted its restart budget.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

func (s *Supervisor) supervise(ctx context.Context, task Task) {
	backoff := s.cfg.InitialBackoff
	var failures []time.Time

	for {
		err := s.runOnce(ctx, task)
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		failures = append(failures, now)
		failures = trimWindow(failures, now.Add(-s.cfg.RestartWindow))

		if len(failures) > s.cfg.MaxRestarts {
			s.degraded.Store(true)
			slog.Error("background task abandoned after repeated failures",
				"task", task.Name,
				"failures", len(failures),
				"window", s.cfg.RestartWindow,
				"error", err,
			)
			return
		}

		slog.Warn("background task failed, restarting",
			"task", task.Name,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// runOnce executes the task body with panic capture.
func (s *Supervisor) runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("background task panicked",
				"task", task.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return task.Run(ctx)
}

func trimWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
