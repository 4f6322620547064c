package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisorRestartsFailedTask(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{InitialBackoff: time.Millisecond, RestartWindow: time.Minute}, Task{
		Name: "flaky",
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("task restarted %d times, want 3 runs", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	s.Wait()
	if s.Degraded() {
		t.Error("recovered task must not degrade the supervisor")
	}
}

func TestSupervisorCapturesPanics(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{InitialBackoff: time.Millisecond, RestartWindow: time.Minute}, Task{
		Name: "panicky",
		Run: func(context.Context) error {
			if runs.Add(1) == 1 {
				panic("kaboom")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("panicked task was not restarted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	s.Wait()
}

func TestSupervisorDegradesAfterBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		MaxRestarts:    2,
		RestartWindow:  time.Minute,
	}, Task{
		Name: "doomed",
		Run:  func(context.Context) error { return errors.New("always") },
	})
	s.Start(ctx)
	s.Wait()

	if !s.Degraded() {
		t.Error("supervisor should degrade after the restart budget is spent")
	}
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := New(Config{}, Task{
		Name: "steady",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}
