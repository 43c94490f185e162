package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestSubmit verifies tasks run asynchronously and report their error.
func TestSubmit(t *testing.T) {
	s := New(&Config{})
	defer s.Stop()

	release := make(chan struct{})
	h := s.Submit("blocking", func(ctx context.Context) error {
		<-release
		return nil
	})

	select {
	case <-h.Done():
		t.Fatal("task finished before release")
	default:
	}
	if h.Err() != nil {
		t.Error("Err() before completion should be nil")
	}

	close(release)
	if err := h.Wait(waitCtx(t)); err != nil {
		t.Errorf("Wait() = %v", err)
	}

	boom := errors.New("boom")
	h = s.Submit("failing", func(ctx context.Context) error { return boom })
	if err := h.Wait(waitCtx(t)); err != boom {
		t.Errorf("Wait() = %v, want boom", err)
	}

	status := s.GetStatus()
	if status.Submitted != 2 || status.Completed != 1 || status.Failed != 1 || status.LastRunTime == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestSubmit_panic(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	h := s.Submit("panicky", func(ctx context.Context) error { panic("bad") })
	if err := h.Wait(waitCtx(t)); err == nil {
		t.Error("panicking task should report an error")
	}
}

func TestSubmit_afterStop(t *testing.T) {
	s := New(nil)
	s.Stop()

	var ran atomic.Bool
	h := s.Submit("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := h.Wait(waitCtx(t)); err != ErrStopped {
		t.Errorf("Wait() = %v, want ErrStopped", err)
	}
	if ran.Load() {
		t.Error("task ran after Stop")
	}
}

// TestStop_cancelsTasks verifies Stop cancels the task context and waits.
func TestStop_cancelsTasks(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	h := s.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	s.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("Stop() returned before task finished")
	}
	if !errors.Is(h.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", h.Err())
	}
}

// TestStart_startupAndPeriodic verifies the startup run and ticks.
func TestStart_startupAndPeriodic(t *testing.T) {
	s := New(&Config{Interval: 10 * time.Millisecond, OnStartup: true})

	var runs atomic.Int32
	enough := make(chan struct{})
	s.Start(func(ctx context.Context) error {
		if runs.Add(1) == 3 {
			close(enough)
		}
		return nil
	})
	if !s.IsRunning() {
		t.Error("IsRunning() should be true after Start")
	}

	select {
	case <-enough:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d runs observed", runs.Load())
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() should be false after Stop")
	}
}

func TestStart_onStartupOnly(t *testing.T) {
	s := New(&Config{OnStartup: true})
	defer s.Stop()

	done := make(chan struct{})
	s.Start(func(ctx context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("startup task did not run")
	}
}

func TestTimeout(t *testing.T) {
	s := New(&Config{Timeout: 10 * time.Millisecond})
	defer s.Stop()

	h := s.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := h.Wait(waitCtx(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}
