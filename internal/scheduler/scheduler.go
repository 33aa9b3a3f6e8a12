// Package scheduler runs the continuous polling loop: it asks a polling
// strategy when to poll, drains the queue through the processor, and
// shields the store behind a circuit breaker when polls keep failing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/polling"
	"github.com/oweller/taskmill/internal/processor"
)

// Poller runs one pass over the task queue.
type Poller interface {
	Process(ctx context.Context) (*processor.Session, error)
}

// DepthFunc reports the current queue depth for adaptive strategies.
type DepthFunc func(ctx context.Context) (int, error)

// BreakerConfig tunes the poll circuit breaker. Zero values select the
// defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening, default 5
	RecoveryTimeout  time.Duration // open duration before a recovery probe, default 60s
	SuccessThreshold int           // probe successes needed to close, default 2
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Metrics is a snapshot of scheduler health counters.
type Metrics struct {
	TotalPolls           int           `json:"total_polls"`
	SuccessfulPolls      int           `json:"successful_polls"`
	FailedPolls          int           `json:"failed_polls"`
	TasksProcessed       int           `json:"tasks_processed"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastPollTime         time.Time     `json:"last_poll_time"`
	LastSuccessTime      time.Time     `json:"last_success_time"`
	LastFailureTime      time.Time     `json:"last_failure_time"`
	AveragePollDuration  time.Duration `json:"average_poll_duration"`
	BreakerTrips         int           `json:"breaker_trips"`
}

// Scheduler drives the poll/process cycle until its context ends.
type Scheduler struct {
	poller   Poller
	strategy polling.Strategy
	depth    DepthFunc
	logger   zerolog.Logger
	now      func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	metrics Metrics

	breaker         BreakerConfig
	state           breakerState
	failureStreak   int
	probeSuccesses  int
	lastFailureTime time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDepthFunc supplies queue depth to adaptive strategies.
func WithDepthFunc(fn DepthFunc) Option {
	return func(s *Scheduler) { s.depth = fn }
}

// WithBreaker overrides the circuit breaker tuning.
func WithBreaker(cfg BreakerConfig) Option {
	return func(s *Scheduler) { s.breaker = cfg.withDefaults() }
}

// WithClock replaces the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler over the given poller and strategy.
func New(poller Poller, strategy polling.Strategy, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		poller:   poller,
		strategy: strategy,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		breaker:  BreakerConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Str("strategy", string(s.strategy.Type())).Msg("polling loop started")

	for ctx.Err() == nil {
		decision := s.strategy.Decide(s.snapshot(ctx))

		if decision.ShouldPoll {
			if s.breakerAllows() {
				s.pollOnce(ctx)
			} else {
				s.logger.Info().Msg("circuit breaker open, skipping poll")
			}
		} else {
			s.logger.Info().Str("reason", decision.Reason).
				Dur("wait", decision.Wait).Msg("poll deferred")
		}

		if !s.wait(ctx, decision.Wait) {
			break
		}
	}

	s.logger.Info().Msg("polling loop finished")
	return ctx.Err()
}

// Wake interrupts the current wait so the next poll decision happens
// immediately. Queue watchers call this on new arrivals.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wait sleeps for d, interruptible by Wake. Returns false when ctx
// ended.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	start := s.now()
	session, err := s.poller.Process(ctx)
	duration := s.now().Sub(start)

	if err != nil {
		s.recordPoll(false, duration, nil)
		s.recordBreakerFailure()
		s.logger.Error().Err(err).Dur("duration", duration).Msg("poll failed")
		return
	}

	s.recordPoll(true, duration, session)
	s.recordBreakerSuccess()
	s.logger.Info().Dur("duration", duration).
		Int("processed", session.Processed).Msg("poll completed")
}

// snapshot builds the context a strategy decides on.
func (s *Scheduler) snapshot(ctx context.Context) polling.Context {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()

	pc := polling.Context{
		ConsecutiveFailures:  m.ConsecutiveFailures,
		ConsecutiveSuccesses: m.ConsecutiveSuccesses,
		TotalPolls:           m.TotalPolls,
		LastPollDuration:     m.AveragePollDuration,
		LastPollTime:         m.LastPollTime,
	}
	if m.TotalPolls > 0 {
		pc.ErrorRate = float64(m.FailedPolls) / float64(m.TotalPolls)
	}
	if s.depth != nil {
		if depth, err := s.depth(ctx); err == nil {
			pc.QueueDepth = depth
		}
	}
	return pc
}

func (s *Scheduler) recordPoll(success bool, duration time.Duration, session *processor.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.metrics.TotalPolls++
	s.metrics.LastPollTime = now

	if success {
		s.metrics.SuccessfulPolls++
		s.metrics.LastSuccessTime = now
		s.metrics.ConsecutiveSuccesses++
		s.metrics.ConsecutiveFailures = 0
		if session != nil {
			s.metrics.TasksProcessed += session.Succeeded
		}
	} else {
		s.metrics.FailedPolls++
		s.metrics.LastFailureTime = now
		s.metrics.ConsecutiveFailures++
		s.metrics.ConsecutiveSuccesses = 0
	}

	n := s.metrics.TotalPolls
	prev := s.metrics.AveragePollDuration
	s.metrics.AveragePollDuration = time.Duration(
		(int64(prev)*int64(n-1) + int64(duration)) / int64(n))
}

// breakerAllows reports whether the breaker permits a poll, moving an
// open breaker to half-open once the recovery timeout has passed.
func (s *Scheduler) breakerAllows() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if !s.lastFailureTime.IsZero() && s.now().Sub(s.lastFailureTime) >= s.breaker.RecoveryTimeout {
			s.logger.Info().Msg("circuit breaker half-open, probing")
			s.state = breakerHalfOpen
			s.probeSuccesses = 0
			return true
		}
		return false
	}
	return false
}

func (s *Scheduler) recordBreakerSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case breakerClosed:
		s.failureStreak = 0
	case breakerHalfOpen:
		s.probeSuccesses++
		if s.probeSuccesses >= s.breaker.SuccessThreshold {
			s.logger.Info().Msg("circuit breaker closed, service recovered")
			s.state = breakerClosed
			s.failureStreak = 0
		}
	}
}

func (s *Scheduler) recordBreakerFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureStreak++
	s.lastFailureTime = s.now()

	switch s.state {
	case breakerClosed:
		if s.failureStreak >= s.breaker.FailureThreshold {
			s.logger.Error().Int("failures", s.failureStreak).Msg("circuit breaker opened")
			s.state = breakerOpen
			s.metrics.BreakerTrips++
		}
	case breakerHalfOpen:
		s.logger.Error().Msg("circuit breaker reopened, probe failed")
		s.state = breakerOpen
		s.metrics.BreakerTrips++
	}
}

// Metrics returns a snapshot of the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
