// Package locking provides owner-scoped, TTL-bound task locks that prevent
// duplicate concurrent processing of the same task across poller instances.
//
// Two backends share one contract: Memory, a mutex-guarded map for
// single-instance deployments, and Store, which encodes the lock as an
// atomic compare-and-swap on the task's status in the external task store
// for multi-instance deployments.
package locking

import (
	"context"
	"sync"
	"time"
)

// Result classifies the outcome of a lock attempt.
type Result string

const (
	ResultSuccess           Result = "success"
	ResultAlreadyLocked     Result = "already_locked"
	ResultStaleLockReplaced Result = "stale_lock_replaced"
	ResultInvalidTask       Result = "invalid_task"
	ResultError             Result = "error"
)

// DefaultStaleThreshold is how long a lock may be held before any caller
// may reclaim it, regardless of its TTL.
const DefaultStaleThreshold = 30 * time.Minute

// minRetryAfter is the floor on the retry hint returned with
// ResultAlreadyLocked.
const minRetryAfter = 60 * time.Second

// TaskLock is a time-bound claim on a task.
type TaskLock struct {
	TaskID    string
	OwnerID   string
	LockedAt  time.Time
	ExpiresAt time.Time
	Version   int
}

// Expired reports whether the lock's TTL has run out.
func (l *TaskLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Stale reports whether the lock has been held longer than threshold.
func (l *TaskLock) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(l.LockedAt) > threshold
}

// Remaining returns the time left before expiry, floored at zero.
func (l *TaskLock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Attempt is the outcome of a TryLock call.
type Attempt struct {
	Result        Result
	Lock          *TaskLock
	ExistingOwner string
	RetryAfter    time.Duration
	Err           error
}

// Acquired reports whether the attempt produced a usable lock.
func (a Attempt) Acquired() bool {
	return a.Result == ResultSuccess || a.Result == ResultStaleLockReplaced
}

// Metrics is a snapshot of lock-manager counters.
type Metrics struct {
	TotalAttempts       int64   `json:"total_attempts"`
	SuccessfulLocks     int64   `json:"successful_locks"`
	FailedLocks         int64   `json:"failed_locks"`
	StaleLocksCleaned   int64   `json:"stale_locks_cleaned"`
	AverageLockDuration float64 `json:"average_lock_duration_seconds"`
	ContentionRate      float64 `json:"contention_rate"`
}

// Manager is the lock contract shared by both backends.
type Manager interface {
	// TryLock attempts to claim taskID for ownerID with the given TTL.
	// Re-requests by the current owner renew the lock in place. Expired or
	// stale locks held by others are replaced, reported distinctly as
	// ResultStaleLockReplaced.
	TryLock(ctx context.Context, taskID, ownerID string, ttl time.Duration) Attempt

	// Release drops the lock if it exists and is owned by ownerID.
	Release(ctx context.Context, taskID, ownerID string) bool

	// GetLock returns the current lock for a task, reaping it first if
	// expired. Returns nil when unlocked.
	GetLock(ctx context.Context, taskID string) *TaskLock

	// CleanupStale sweeps all locks and removes expired or stale ones.
	// Maintenance path, not the hot path.
	CleanupStale(ctx context.Context, staleAfter time.Duration) int

	// Metrics returns a snapshot of the manager's counters.
	Metrics() Metrics
}

// counters accumulates lock statistics shared by both backends. Hold
// durations keep the most recent samples only so the average tracks
// current behavior.
type counters struct {
	mu                sync.Mutex
	totalAttempts     int64
	successfulLocks   int64
	failedLocks       int64
	staleLocksCleaned int64
	durations         []float64
}

const (
	maxDurationSamples  = 1000
	keepDurationSamples = 500
)

func (c *counters) attempt()      { c.mu.Lock(); c.totalAttempts++; c.mu.Unlock() }
func (c *counters) success()      { c.mu.Lock(); c.successfulLocks++; c.mu.Unlock() }
func (c *counters) failure()      { c.mu.Lock(); c.failedLocks++; c.mu.Unlock() }
func (c *counters) staleCleaned(n int64) {
	c.mu.Lock()
	c.staleLocksCleaned += n
	c.mu.Unlock()
}

func (c *counters) recordHold(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations = append(c.durations, d.Seconds())
	if len(c.durations) > maxDurationSamples {
		c.durations = c.durations[len(c.durations)-keepDurationSamples:]
	}
}

func (c *counters) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		TotalAttempts:     c.totalAttempts,
		SuccessfulLocks:   c.successfulLocks,
		FailedLocks:       c.failedLocks,
		StaleLocksCleaned: c.staleLocksCleaned,
	}
	if len(c.durations) > 0 {
		var sum float64
		for _, d := range c.durations {
			sum += d
		}
		m.AverageLockDuration = sum / float64(len(c.durations))
	}
	if c.totalAttempts > 0 {
		contention := c.failedLocks - c.staleLocksCleaned
		if contention < 0 {
			contention = 0
		}
		m.ContentionRate = float64(contention) / float64(c.totalAttempts)
	}
	return m
}
