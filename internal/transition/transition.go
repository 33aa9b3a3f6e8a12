// Package transition executes validated lifecycle state changes against
// the task store. Edges are checked against the fixed legal-edge table
// before any I/O; edges into a completion state are gated by an external
// validation check and followed by a commit, with automatic rollback of
// the status write when the commit fails.
package transition

import (
	"context"
	"time"
)

// Result classifies a finalized transition attempt.
type Result string

const (
	ResultSuccess    Result = "success"
	ResultFailed     Result = "failed"
	ResultRolledBack Result = "rolled_back"
)

// GateResult is the outcome of a validation-gate check.
type GateResult string

const (
	GatePass    GateResult = "pass"
	GateFail    GateResult = "fail"
	GateSkipped GateResult = "skipped"
)

// GateOutcome carries the gate's verdict and, on failure, the reason.
type GateOutcome struct {
	Result GateResult
	Reason string
}

// Passed reports whether the outcome permits the transition. Skipped is
// treated as a pass: the gate declared itself non-applicable.
func (o GateOutcome) Passed() bool {
	return o.Result == GatePass || o.Result == GateSkipped
}

// ValidationGate is the external precondition check run before gated
// edges. Implementations live outside the core.
type ValidationGate interface {
	Check(ctx context.Context, taskID string) (GateOutcome, error)
}

// GateFunc adapts a function to a ValidationGate.
type GateFunc func(ctx context.Context, taskID string) (GateOutcome, error)

func (f GateFunc) Check(ctx context.Context, taskID string) (GateOutcome, error) {
	return f(ctx, taskID)
}

// CommitExecutor performs the durable record-of-work step tied to a
// completion transition, and can revert it.
type CommitExecutor interface {
	Commit(ctx context.Context, taskID, message string) (hash string, err error)
	Rollback(ctx context.Context, hash string) error
}

// StatusTransition is the immutable record of one transition attempt.
type StatusTransition struct {
	TaskID             string     `json:"task_id"`
	From               string     `json:"from"`
	To                 string     `json:"to"`
	Timestamp          time.Time  `json:"timestamp"`
	Result             Result     `json:"result"`
	Error              string     `json:"error,omitempty"`
	RollbackAttempted  bool       `json:"rollback_attempted"`
	RollbackOperations []string   `json:"rollback_operations,omitempty"`
	CommitHash         string     `json:"commit_hash,omitempty"`
	GateResult         GateResult `json:"gate_result,omitempty"`

	// commitFailure marks rollbacks caused by a failed commit, which
	// count toward the commit-failure statistics. Rollbacks requested by
	// callers restoring pre-attempt state do not.
	commitFailure bool
}

// Options tune a single Transition call.
type Options struct {
	// CommitMessage is passed to the CommitExecutor on commit-required
	// edges. Empty selects a generated default.
	CommitMessage string
	// ForceCommit runs the commit step even on edges that do not
	// normally require one.
	ForceCommit bool
}

// Statistics aggregates finalized transition attempts.
type Statistics struct {
	Total                 int64   `json:"total"`
	Succeeded             int64   `json:"succeeded"`
	Failed                int64   `json:"failed"`
	ValidationFailures    int64   `json:"validation_failures"`
	CommitFailures        int64   `json:"commit_failures"`
	RollbacksAttempted    int64   `json:"rollbacks_attempted"`
	RollbacksSucceeded    int64   `json:"rollbacks_succeeded"`
	SuccessRate           float64 `json:"success_rate"`
	ValidationFailureRate float64 `json:"validation_failure_rate"`
	CommitFailureRate     float64 `json:"commit_failure_rate"`
	RollbackSuccessRate   float64 `json:"rollback_success_rate"`
}
