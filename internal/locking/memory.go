package locking

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Memory is the in-process lock backend: a mutex-guarded map keyed by task
// ID. Suitable for single-instance deployments and tests.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]*TaskLock
	stats  counters
	stale  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewMemory creates an in-memory lock manager.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		locks:  make(map[string]*TaskLock),
		stale:  DefaultStaleThreshold,
		logger: logger.With().Str("component", "locking").Str("backend", "memory").Logger(),
		now:    time.Now,
	}
}

func (m *Memory) TryLock(_ context.Context, taskID, ownerID string, ttl time.Duration) Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.attempt()
	now := m.now()
	replacedStale := false

	if existing, ok := m.locks[taskID]; ok {
		switch {
		case existing.Expired(now):
			m.logger.Info().Str("task", taskID).Str("owner", existing.OwnerID).
				Msg("removing expired lock")
			delete(m.locks, taskID)
		case existing.Stale(now, m.stale):
			m.logger.Warn().Str("task", taskID).Str("owner", existing.OwnerID).
				Msg("replacing stale lock")
			delete(m.locks, taskID)
			m.stats.staleCleaned(1)
			replacedStale = true
		case existing.OwnerID == ownerID:
			// Renewal by the current owner: long-running tasks heartbeat
			// by re-requesting their own lock.
			existing.ExpiresAt = now.Add(ttl)
			existing.Version++
			m.logger.Debug().Str("task", taskID).Str("owner", ownerID).
				Int("version", existing.Version).Msg("lock renewed")
			return Attempt{Result: ResultSuccess, Lock: existing}
		default:
			m.stats.failure()
			retryAfter := existing.Remaining(now)
			if retryAfter < minRetryAfter {
				retryAfter = minRetryAfter
			}
			m.logger.Debug().Str("task", taskID).Str("holder", existing.OwnerID).
				Msg("task already locked")
			return Attempt{
				Result:        ResultAlreadyLocked,
				ExistingOwner: existing.OwnerID,
				RetryAfter:    retryAfter,
			}
		}
	}

	lock := &TaskLock{
		TaskID:    taskID,
		OwnerID:   ownerID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
		Version:   1,
	}
	m.locks[taskID] = lock
	m.stats.success()

	result := ResultSuccess
	if replacedStale {
		result = ResultStaleLockReplaced
	}
	m.logger.Info().Str("task", taskID).Str("owner", ownerID).
		Dur("ttl", ttl).Str("result", string(result)).Msg("lock acquired")
	return Attempt{Result: result, Lock: lock}
}

func (m *Memory) Release(_ context.Context, taskID, ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[taskID]
	if !ok {
		m.logger.Warn().Str("task", taskID).Msg("release of absent lock")
		return false
	}
	if existing.OwnerID != ownerID {
		m.logger.Error().Str("task", taskID).Str("holder", existing.OwnerID).
			Str("caller", ownerID).Msg("release denied: wrong owner")
		return false
	}

	held := m.now().Sub(existing.LockedAt)
	m.stats.recordHold(held)
	delete(m.locks, taskID)

	m.logger.Info().Str("task", taskID).Str("owner", ownerID).
		Dur("held", held).Msg("lock released")
	return true
}

func (m *Memory) GetLock(_ context.Context, taskID string) *TaskLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[taskID]
	if !ok {
		return nil
	}
	if lock.Expired(m.now()) {
		delete(m.locks, taskID)
		return nil
	}
	cp := *lock
	return &cp
}

func (m *Memory) CleanupStale(_ context.Context, staleAfter time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []string
	for taskID, lock := range m.locks {
		if lock.Expired(now) || lock.Stale(now, staleAfter) {
			removed = append(removed, taskID)
		}
	}
	for _, taskID := range removed {
		delete(m.locks, taskID)
	}
	if len(removed) > 0 {
		m.stats.staleCleaned(int64(len(removed)))
		m.logger.Info().Int("count", len(removed)).Msg("cleaned stale locks")
	}
	return len(removed)
}

func (m *Memory) Metrics() Metrics {
	return m.stats.snapshot()
}

// ActiveLocks returns a copy of all current locks, for inspection.
func (m *Memory) ActiveLocks() map[string]TaskLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TaskLock, len(m.locks))
	for id, lock := range m.locks {
		out[id] = *lock
	}
	return out
}
