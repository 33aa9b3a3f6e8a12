// Package store defines the task-store contract the engine runs against.
// The store is the system of record for task state; all status writes go
// through the transition engine, and the conditional CompareAndSwapStatus
// write doubles as the cross-instance locking primitive.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oweller/taskmill/internal/model"
)

// ErrUnavailable marks a store that cannot be reached at all. It aborts a
// whole processing session rather than a single task.
var ErrUnavailable = errors.New("task store unavailable")

// ErrNotFound is returned when a task ID has no record.
var ErrNotFound = errors.New("task not found")

// TaskStore is the CRUD surface the engine consumes.
type TaskStore interface {
	// ListByStatus returns every task currently in the given status.
	ListByStatus(ctx context.Context, status model.Status) ([]model.TaskItem, error)

	// GetStatus returns the current status of a task.
	GetStatus(ctx context.Context, id string) (model.Status, error)

	// CompareAndSwapStatus atomically moves a task from → to and reports
	// whether the swap happened. A read-then-write sequence is not an
	// acceptable implementation: two pollers racing on the same task must
	// see exactly one winner.
	CompareAndSwapStatus(ctx context.Context, id string, from, to model.Status) (bool, error)

	// UpdateStatus unconditionally sets a task's status.
	UpdateStatus(ctx context.Context, id string, to model.Status) error
}

// Lease is claim metadata stored alongside a task for the store-backed
// lock manager: who holds the task, since when, until when.
type Lease struct {
	Owner     string    `yaml:"owner" json:"owner"`
	LockedAt  time.Time `yaml:"locked_at" json:"locked_at"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
	Version   int       `yaml:"version" json:"version"`
}

// LeaseStore is the optional capability a TaskStore can provide to persist
// lease metadata. Both bundled stores implement it.
type LeaseStore interface {
	SetLease(ctx context.Context, id string, lease Lease) error
	GetLease(ctx context.Context, id string) (*Lease, error)
	ClearLease(ctx context.Context, id string) error
}
