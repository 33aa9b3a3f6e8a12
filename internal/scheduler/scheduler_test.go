package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oweller/taskmill/internal/polling"
	"github.com/oweller/taskmill/internal/processor"
)

// fakePoller scripts Process outcomes and counts invocations.
type fakePoller struct {
	mu      sync.Mutex
	calls   int
	err     error
	session *processor.Session
}

func (f *fakePoller) Process(context.Context) (*processor.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &processor.Session{}, nil
}

func (f *fakePoller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(p Poller, opts ...Option) (*Scheduler, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := []Option{WithClock(func() time.Time { return now })}
	s := New(p, polling.NewFixedInterval(time.Minute), zerolog.Nop(), append(base, opts...)...)
	return s, &now
}

func TestScheduler_PollMetrics(t *testing.T) {
	poller := &fakePoller{session: &processor.Session{Processed: 3, Succeeded: 2}}
	s, _ := newTestScheduler(poller)

	s.pollOnce(context.Background())
	s.pollOnce(context.Background())

	m := s.Metrics()
	assert.Equal(t, 2, m.TotalPolls)
	assert.Equal(t, 2, m.SuccessfulPolls)
	assert.Equal(t, 4, m.TasksProcessed)
	assert.Equal(t, 2, m.ConsecutiveSuccesses)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestScheduler_FailureMetricsAndErrorRate(t *testing.T) {
	poller := &fakePoller{}
	s, _ := newTestScheduler(poller)

	s.pollOnce(context.Background())
	poller.err = errors.New("store down")
	s.pollOnce(context.Background())

	m := s.Metrics()
	assert.Equal(t, 2, m.TotalPolls)
	assert.Equal(t, 1, m.FailedPolls)
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Zero(t, m.ConsecutiveSuccesses)

	pc := s.snapshot(context.Background())
	assert.InDelta(t, 0.5, pc.ErrorRate, 1e-9)
	assert.Equal(t, 1, pc.ConsecutiveFailures)
}

func TestScheduler_BreakerOpensAfterThreshold(t *testing.T) {
	poller := &fakePoller{err: errors.New("store down")}
	s, _ := newTestScheduler(poller, WithBreaker(BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}))

	for i := 0; i < 3; i++ {
		require.True(t, s.breakerAllows())
		s.pollOnce(context.Background())
	}

	assert.False(t, s.breakerAllows(), "breaker must open after 3 consecutive failures")
	assert.Equal(t, 1, s.Metrics().BreakerTrips)
	assert.Equal(t, 3, poller.count())
}

func TestScheduler_BreakerRecovery(t *testing.T) {
	poller := &fakePoller{err: errors.New("store down")}
	s, now := newTestScheduler(poller, WithBreaker(BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}))

	s.pollOnce(context.Background())
	s.pollOnce(context.Background())
	require.False(t, s.breakerAllows())

	// Before the recovery timeout the breaker stays open.
	*now = now.Add(30 * time.Second)
	assert.False(t, s.breakerAllows())

	// After it, the breaker half-opens and permits probes.
	*now = now.Add(31 * time.Second)
	require.True(t, s.breakerAllows())

	// One probe success is not enough to close.
	poller.err = nil
	s.pollOnce(context.Background())
	require.True(t, s.breakerAllows())
	assert.Equal(t, breakerHalfOpen, s.state)

	s.pollOnce(context.Background())
	assert.Equal(t, breakerClosed, s.state)
}

func TestScheduler_ProbeFailureReopens(t *testing.T) {
	poller := &fakePoller{err: errors.New("store down")}
	s, now := newTestScheduler(poller, WithBreaker(BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}))

	s.pollOnce(context.Background())
	s.pollOnce(context.Background())
	*now = now.Add(2 * time.Minute)
	require.True(t, s.breakerAllows(), "half-open probe allowed")

	s.pollOnce(context.Background())
	assert.Equal(t, breakerOpen, s.state)
	assert.Equal(t, 2, s.Metrics().BreakerTrips)
	assert.False(t, s.breakerAllows())
}

func TestScheduler_SnapshotQueriesDepth(t *testing.T) {
	s, _ := newTestScheduler(&fakePoller{}, WithDepthFunc(func(context.Context) (int, error) {
		return 7, nil
	}))

	pc := s.snapshot(context.Background())
	assert.Equal(t, 7, pc.QueueDepth)
}

func TestScheduler_WakeInterruptsWait(t *testing.T) {
	s, _ := newTestScheduler(&fakePoller{})

	done := make(chan bool, 1)
	go func() {
		done <- s.wait(context.Background(), time.Hour)
	}()
	s.Wake()

	select {
	case ok := <-done:
		assert.True(t, ok, "a woken wait continues the loop")
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not interrupt the wait")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	poller := &fakePoller{}
	// Real clock here: Run sleeps on the strategy's wait.
	s := New(poller, polling.NewFixedInterval(time.Minute), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Let the first poll happen, then stop.
	require.Eventually(t, func() bool { return poller.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	assert.GreaterOrEqual(t, s.Metrics().TotalPolls, 1)
}
