package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the time between scheduled retention cycles.
const DefaultInterval = 6 * time.Hour

// Scheduler runs retention cycles periodically in the background and on
// demand. Only one cycle is ever active: a trigger that arrives while a
// cycle is running is skipped, not queued.
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// cycleMu is the single-flight guard around cycle execution.
	cycleMu sync.Mutex
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between scheduled cycles.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerLogger sets the scheduler logger. Defaults to nop.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a scheduler over the given engine. It does not
// start automatically; call Start.
func NewScheduler(engine *Engine, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	s := &Scheduler{
		engine:   engine,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins the background loop. Calling Start on a running
// scheduler returns an error without starting a second goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("retention scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the background loop and waits for it to finish. Stopping
// a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("retention scheduler stopped")
}

// TriggerNow runs a cycle immediately on the caller's goroutine.
// Returns ErrCycleInProgress if one is already running.
func (s *Scheduler) TriggerNow(ctx context.Context) (*CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	return s.engine.Run(ctx)
}

func (s *Scheduler) run(stopCh, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retention scheduler panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScheduledCycle(stopCh)
		case <-stopCh:
			return
		}
	}
}

// runScheduledCycle executes one cycle with panic recovery so a single
// bad cycle cannot kill the scheduler. A stop signal cancels the cycle
// at its next pass boundary.
func (s *Scheduler) runScheduledCycle(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retention cycle panicked, scheduler continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if !s.cycleMu.TryLock() {
		s.logger.Warn("skipping scheduled cycle, previous cycle still running")
		return
	}
	defer s.cycleMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := s.engine.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled retention cycle failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled retention cycle complete",
		zap.Int("removed", result.Removed),
		zap.Duration("duration", result.Duration))
}
