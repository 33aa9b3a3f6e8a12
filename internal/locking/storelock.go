package locking

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/store"
)

// defaultRetryAfter is the retry hint when a task is held by another
// instance and no lease metadata is available to compute the remainder.
const defaultRetryAfter = 5 * time.Minute

// Store is the store-backed lock manager for multi-instance deployments
// sharing one task store. The lock is not a separate record: claiming a
// task is the atomic status swap QueuedToRun → InProgress, so the store's
// conditional write is the exclusion guarantee. Lease metadata (owner,
// expiry, version) rides alongside the task for observability, renewal,
// and stale reclamation.
type Store struct {
	tasks  store.TaskStore
	leases store.LeaseStore
	stats  counters
	stale  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store-backed lock manager. The given TaskStore must
// also implement store.LeaseStore; both bundled stores do.
func NewStore(tasks store.TaskStore, leases store.LeaseStore, logger zerolog.Logger) *Store {
	return &Store{
		tasks:  tasks,
		leases: leases,
		stale:  DefaultStaleThreshold,
		logger: logger.With().Str("component", "locking").Str("backend", "store").Logger(),
		now:    time.Now,
	}
}

func (s *Store) TryLock(ctx context.Context, taskID, ownerID string, ttl time.Duration) Attempt {
	s.stats.attempt()
	now := s.now()

	swapped, err := s.tasks.CompareAndSwapStatus(ctx, taskID, model.StatusQueuedToRun, model.StatusInProgress)
	if err != nil {
		s.stats.failure()
		s.logger.Error().Err(err).Str("task", taskID).Msg("lock attempt failed")
		return Attempt{Result: ResultError, Err: err}
	}

	if swapped {
		lease := store.Lease{
			Owner:     ownerID,
			LockedAt:  now,
			ExpiresAt: now.Add(ttl),
			Version:   1,
		}
		if err := s.leases.SetLease(ctx, taskID, lease); err != nil {
			s.logger.Warn().Err(err).Str("task", taskID).Msg("lease write failed after claim")
		}
		s.stats.success()
		s.logger.Info().Str("task", taskID).Str("owner", ownerID).Msg("task claimed via status swap")
		return Attempt{Result: ResultSuccess, Lock: leaseLock(taskID, lease)}
	}

	// Swap lost. Inspect the task to classify the failure.
	status, err := s.tasks.GetStatus(ctx, taskID)
	if err != nil {
		s.stats.failure()
		return Attempt{Result: ResultError, Err: err}
	}

	if status != model.StatusInProgress {
		s.stats.failure()
		s.logger.Warn().Str("task", taskID).Str("status", string(status)).
			Msg("task not claimable")
		return Attempt{Result: ResultInvalidTask}
	}

	lease, err := s.leases.GetLease(ctx, taskID)
	if err != nil {
		s.stats.failure()
		return Attempt{Result: ResultError, Err: err}
	}

	// Renewal: the holder re-requesting its own claim extends the lease.
	if lease != nil && lease.Owner == ownerID {
		renewed := store.Lease{
			Owner:     ownerID,
			LockedAt:  lease.LockedAt,
			ExpiresAt: now.Add(ttl),
			Version:   lease.Version + 1,
		}
		if err := s.leases.SetLease(ctx, taskID, renewed); err != nil {
			s.stats.failure()
			return Attempt{Result: ResultError, Err: err}
		}
		s.stats.success()
		s.logger.Debug().Str("task", taskID).Str("owner", ownerID).
			Int("version", renewed.Version).Msg("lease renewed")
		return Attempt{Result: ResultSuccess, Lock: leaseLock(taskID, renewed)}
	}

	// Stale or expired lease held by another instance: take the claim over
	// in place. The status is already InProgress, so ownership transfer is
	// a lease rewrite.
	if lease == nil || now.After(lease.ExpiresAt) || now.Sub(lease.LockedAt) > s.stale {
		replaced := store.Lease{
			Owner:     ownerID,
			LockedAt:  now,
			ExpiresAt: now.Add(ttl),
			Version:   leaseVersion(lease) + 1,
		}
		if err := s.leases.SetLease(ctx, taskID, replaced); err != nil {
			s.stats.failure()
			return Attempt{Result: ResultError, Err: err}
		}
		s.stats.staleCleaned(1)
		s.stats.success()
		s.logger.Warn().Str("task", taskID).Str("owner", ownerID).
			Str("previous", leaseOwner(lease)).Msg("stale lease replaced")
		return Attempt{Result: ResultStaleLockReplaced, Lock: leaseLock(taskID, replaced)}
	}

	s.stats.failure()
	retryAfter := lease.ExpiresAt.Sub(now)
	if retryAfter < minRetryAfter {
		retryAfter = minRetryAfter
	}
	s.logger.Debug().Str("task", taskID).Str("holder", lease.Owner).Msg("task already claimed")
	return Attempt{
		Result:        ResultAlreadyLocked,
		ExistingOwner: lease.Owner,
		RetryAfter:    retryAfter,
	}
}

// Release verifies ownership and clears the lease. It does not move the
// task's status: the transition away from InProgress (to Done, Failed, or
// back to QueuedToRun) is the actual release and is the transition
// engine's job.
func (s *Store) Release(ctx context.Context, taskID, ownerID string) bool {
	lease, err := s.leases.GetLease(ctx, taskID)
	if err != nil || lease == nil {
		s.logger.Warn().Str("task", taskID).Msg("release of absent lease")
		return false
	}
	if lease.Owner != ownerID {
		s.logger.Error().Str("task", taskID).Str("holder", lease.Owner).
			Str("caller", ownerID).Msg("release denied: wrong owner")
		return false
	}

	s.stats.recordHold(s.now().Sub(lease.LockedAt))
	if err := s.leases.ClearLease(ctx, taskID); err != nil {
		s.logger.Warn().Err(err).Str("task", taskID).Msg("lease clear failed")
		return false
	}
	s.logger.Info().Str("task", taskID).Str("owner", ownerID).Msg("lease released")
	return true
}

func (s *Store) GetLock(ctx context.Context, taskID string) *TaskLock {
	status, err := s.tasks.GetStatus(ctx, taskID)
	if err != nil || status != model.StatusInProgress {
		return nil
	}
	lease, err := s.leases.GetLease(ctx, taskID)
	if err != nil || lease == nil {
		return nil
	}
	if s.now().After(lease.ExpiresAt) {
		return nil
	}
	return leaseLock(taskID, *lease)
}

// CleanupStale re-queues InProgress tasks whose leases have expired or
// gone stale, making them claimable again. The conditional swap back to
// QueuedToRun keeps the sweep safe against a holder finishing mid-sweep.
func (s *Store) CleanupStale(ctx context.Context, staleAfter time.Duration) int {
	tasks, err := s.tasks.ListByStatus(ctx, model.StatusInProgress)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale sweep: list failed")
		return 0
	}

	now := s.now()
	cleaned := 0
	for _, task := range tasks {
		lease, err := s.leases.GetLease(ctx, task.ID)
		if err != nil {
			continue
		}
		if lease != nil && !now.After(lease.ExpiresAt) && now.Sub(lease.LockedAt) <= staleAfter {
			continue
		}

		swapped, err := s.tasks.CompareAndSwapStatus(ctx, task.ID, model.StatusInProgress, model.StatusQueuedToRun)
		if err != nil || !swapped {
			continue
		}
		_ = s.leases.ClearLease(ctx, task.ID)
		cleaned++
		s.logger.Warn().Str("task", task.ID).Str("owner", leaseOwner(lease)).
			Msg("stale claim re-queued")
	}
	if cleaned > 0 {
		s.stats.staleCleaned(int64(cleaned))
	}
	return cleaned
}

func (s *Store) Metrics() Metrics {
	return s.stats.snapshot()
}

func leaseLock(taskID string, lease store.Lease) *TaskLock {
	return &TaskLock{
		TaskID:    taskID,
		OwnerID:   lease.Owner,
		LockedAt:  lease.LockedAt,
		ExpiresAt: lease.ExpiresAt,
		Version:   lease.Version,
	}
}

func leaseOwner(lease *store.Lease) string {
	if lease == nil {
		return ""
	}
	return lease.Owner
}

func leaseVersion(lease *store.Lease) int {
	if lease == nil {
		return 0
	}
	return lease.Version
}
