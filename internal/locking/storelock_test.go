package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/store"
)

// fakeStore implements store.TaskStore and store.LeaseStore in memory,
// preserving insertion order for ListByStatus.
type fakeStore struct {
	mu       sync.Mutex
	order    []string
	statuses map[string]model.Status
	leases   map[string]store.Lease
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[string]model.Status),
		leases:   make(map[string]store.Lease),
	}
}

func (f *fakeStore) add(id string, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	f.statuses[id] = status
}

func (f *fakeStore) ListByStatus(_ context.Context, status model.Status) ([]model.TaskItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TaskItem
	for _, id := range f.order {
		if f.statuses[id] == status {
			out = append(out, model.TaskItem{ID: id})
		}
	}
	return out, nil
}

func (f *fakeStore) GetStatus(_ context.Context, id string) (model.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) CompareAndSwapStatus(_ context.Context, id string, from, to model.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if s != from {
		return false, nil
	}
	f.statuses[id] = to
	return true, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, to model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[id]; !ok {
		return store.ErrNotFound
	}
	f.statuses[id] = to
	return nil
}

func (f *fakeStore) SetLease(_ context.Context, id string, lease store.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases[id] = lease
	return nil
}

func (f *fakeStore) GetLease(_ context.Context, id string) (*store.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lease, ok := f.leases[id]
	if !ok {
		return nil, nil
	}
	cp := lease
	return &cp, nil
}

func (f *fakeStore) ClearLease(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, id)
	return nil
}

func newTestStoreLock(fs *fakeStore, now *time.Time) *Store {
	s := NewStore(fs, fs, zerolog.Nop())
	s.now = func() time.Time { return *now }
	return s
}

func TestStore_ClaimViaStatusSwap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	attempt := s.TryLock(ctx, "t1", "owner-a", 10*time.Minute)
	require.Equal(t, ResultSuccess, attempt.Result)

	status, _ := fs.GetStatus(ctx, "t1")
	assert.Equal(t, model.StatusInProgress, status)

	lease, _ := fs.GetLease(ctx, "t1")
	require.NotNil(t, lease)
	assert.Equal(t, "owner-a", lease.Owner)
	assert.Equal(t, 1, lease.Version)
}

func TestStore_SecondClaimantRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	require.True(t, s.TryLock(ctx, "t1", "owner-a", 10*time.Minute).Acquired())

	attempt := s.TryLock(ctx, "t1", "owner-b", 10*time.Minute)
	assert.Equal(t, ResultAlreadyLocked, attempt.Result)
	assert.Equal(t, "owner-a", attempt.ExistingOwner)
	assert.Equal(t, 10*time.Minute, attempt.RetryAfter)
}

func TestStore_RenewalExtendsLease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	s.TryLock(ctx, "t1", "owner-a", 10*time.Minute)
	now = now.Add(5 * time.Minute)

	attempt := s.TryLock(ctx, "t1", "owner-a", 10*time.Minute)
	require.Equal(t, ResultSuccess, attempt.Result)
	assert.Equal(t, 2, attempt.Lock.Version)
	assert.Equal(t, now.Add(10*time.Minute), attempt.Lock.ExpiresAt)
}

func TestStore_StaleLeaseTakenOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	s.TryLock(ctx, "t1", "owner-a", time.Minute)
	now = now.Add(5 * time.Minute) // lease expired, task still InProgress

	attempt := s.TryLock(ctx, "t1", "owner-b", 10*time.Minute)
	require.Equal(t, ResultStaleLockReplaced, attempt.Result)
	assert.Equal(t, "owner-b", attempt.Lock.OwnerID)
	assert.Equal(t, 2, attempt.Lock.Version)
}

func TestStore_MissingLeaseTakenOver(t *testing.T) {
	// An InProgress task with no lease record is orphaned, e.g. the
	// claimer crashed between the swap and the lease write.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusInProgress)
	s := newTestStoreLock(fs, &now)

	attempt := s.TryLock(context.Background(), "t1", "owner-b", 10*time.Minute)
	require.Equal(t, ResultStaleLockReplaced, attempt.Result)
	assert.Equal(t, 1, attempt.Lock.Version)
}

func TestStore_UnclaimableStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusDone)
	s := newTestStoreLock(fs, &now)

	attempt := s.TryLock(context.Background(), "t1", "owner-a", time.Minute)
	assert.Equal(t, ResultInvalidTask, attempt.Result)
	assert.False(t, attempt.Acquired())
}

func TestStore_MissingTaskIsError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStoreLock(newFakeStore(), &now)

	attempt := s.TryLock(context.Background(), "nope", "owner-a", time.Minute)
	assert.Equal(t, ResultError, attempt.Result)
	assert.Error(t, attempt.Err)
}

func TestStore_ReleaseClearsLeaseOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	s.TryLock(ctx, "t1", "owner-a", 10*time.Minute)

	assert.False(t, s.Release(ctx, "t1", "owner-b"))
	assert.True(t, s.Release(ctx, "t1", "owner-a"))

	lease, _ := fs.GetLease(ctx, "t1")
	assert.Nil(t, lease)

	// Release never moves the status; that is the transition engine's job.
	status, _ := fs.GetStatus(ctx, "t1")
	assert.Equal(t, model.StatusInProgress, status)
}

func TestStore_CleanupStaleRequeues(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("expired", model.StatusQueuedToRun)
	fs.add("held", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	s.TryLock(ctx, "expired", "owner-a", time.Minute)
	now = now.Add(10 * time.Minute)
	s.TryLock(ctx, "held", "owner-b", time.Hour)

	cleaned := s.CleanupStale(ctx, 30*time.Minute)
	assert.Equal(t, 1, cleaned)

	status, _ := fs.GetStatus(ctx, "expired")
	assert.Equal(t, model.StatusQueuedToRun, status)
	lease, _ := fs.GetLease(ctx, "expired")
	assert.Nil(t, lease)

	status, _ = fs.GetStatus(ctx, "held")
	assert.Equal(t, model.StatusInProgress, status)
}

func TestStore_GetLock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.add("t1", model.StatusQueuedToRun)
	s := newTestStoreLock(fs, &now)
	ctx := context.Background()

	assert.Nil(t, s.GetLock(ctx, "t1"))

	s.TryLock(ctx, "t1", "owner-a", 10*time.Minute)
	lock := s.GetLock(ctx, "t1")
	require.NotNil(t, lock)
	assert.Equal(t, "owner-a", lock.OwnerID)

	now = now.Add(time.Hour)
	assert.Nil(t, s.GetLock(ctx, "t1"))
}
