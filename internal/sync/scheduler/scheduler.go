// Package scheduler runs sync work in the background: fire-and-forget
// tasks with awaitable handles, an optional startup run and an optional
// periodic run.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// ErrStopped is returned by handles of tasks submitted after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Handle lets a caller observe a submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Config holds scheduler configuration.
type Config struct {
	Interval  time.Duration // periodic run interval, 0 disables
	OnStartup bool          // run the periodic task once on Start
	Timeout   time.Duration // per-task timeout, 0 means none
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{OnStartup: true}
}

// Scheduler runs tasks on their own goroutines.
type Scheduler struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	stopped     bool
	submitted   int
	completed   int
	failed      int
	lastRunTime time.Time
}

// New creates a Scheduler. Tasks may be submitted before Start.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    *cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs task asynchronously and returns at once.
func (s *Scheduler) Submit(name string, task Task) *Handle {
	h := newHandle()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.finish(ErrStopped)
		return h
	}
	s.submitted++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		h.finish(s.run(name, task))
	}()
	return h
}

func (s *Scheduler) run(name string, task Task) (err error) {
	ctx := s.ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrInternal, "task panicked")
			logging.Error("Background task panicked", err, map[string]interface{}{"task": name, "panic": r})
		}

		s.mu.Lock()
		s.lastRunTime = time.Now()
		if err != nil {
			s.failed++
		} else {
			s.completed++
		}
		s.mu.Unlock()
	}()

	err = task(ctx)
	if err != nil {
		logging.Warn("Background task failed", map[string]interface{}{"task": name, "error": err.Error()})
	}
	return err
}

// Start begins the startup run and periodic loop for task.
func (s *Scheduler) Start(task Task) {
	s.mu.Lock()
	if s.isRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	if s.cfg.OnStartup {
		s.Submit("startup_sync", task)
	}

	if s.cfg.Interval > 0 {
		s.wg.Add(1)
		go s.periodicLoop(task)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.cfg.Interval.Seconds(),
		"on_startup":       s.cfg.OnStartup,
	})
}

func (s *Scheduler) periodicLoop(task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Submit("periodic_sync", task)
		}
	}
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.isRunning = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// Status is a snapshot of scheduler counters.
type Status struct {
	IsRunning   bool
	Submitted   int
	Completed   int
	Failed      int
	LastRunTime *time.Time
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning: s.isRunning,
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastRunTime = &t
	}
	return status
}

// IsRunning returns whether Start has been called and Stop has not.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
