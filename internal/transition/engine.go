package transition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/store"
)

// defaultHistoryCap bounds the in-memory transition history.
const defaultHistoryCap = 1000

// Engine validates and executes status transitions. Collaborators are
// injected at construction so tests can substitute fakes; a nil gate or
// committer disables the corresponding phase.
type Engine struct {
	tasks     store.TaskStore
	gate      ValidationGate
	committer CommitExecutor
	logger    zerolog.Logger

	mu         sync.Mutex
	history    []StatusTransition
	historyCap int

	totals struct {
		all, succeeded, failed         int64
		validationFailed, commitFailed int64
		rollbacks, rollbacksOK         int64
	}

	gateFlight singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidationGate sets the gate run before completion edges.
func WithValidationGate(g ValidationGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithCommitExecutor sets the committer invoked after completion edges.
func WithCommitExecutor(c CommitExecutor) Option {
	return func(e *Engine) { e.committer = c }
}

// WithHistoryCap overrides the bounded history size.
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// NewEngine creates a transition engine over the given task store.
func NewEngine(tasks store.TaskStore, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		tasks:      tasks,
		logger:     logger.With().Str("component", "transition").Logger(),
		historyCap: defaultHistoryCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// requiresCommit reports whether the edge must be followed by a commit:
// any edge whose destination marks completed work.
func requiresCommit(_, to model.Status) bool {
	return model.IsCompletion(to)
}

// gated reports whether the edge must pass the validation gate first.
// Currently: any edge into Done.
func gated(_, to model.Status) bool {
	return to == model.StatusDone
}

// Transition attempts to move a task from → to. Illegal edges fail fast
// with no store I/O. The returned record is already finalized and
// appended to the bounded history.
func (e *Engine) Transition(ctx context.Context, taskID string, from, to model.Status, opts Options) StatusTransition {
	rec := StatusTransition{
		TaskID:    taskID,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UTC(),
	}

	if err := model.ValidateTransition(from, to); err != nil {
		rec.Result = ResultFailed
		rec.Error = err.Error()
		e.logger.Warn().Str("task", taskID).Str("from", string(from)).
			Str("to", string(to)).Msg("illegal transition rejected")
		return e.finalize(rec)
	}

	needCommit := requiresCommit(from, to) || opts.ForceCommit

	if gated(from, to) && e.gate != nil {
		outcome, err := e.checkGate(ctx, taskID)
		if err != nil {
			rec.Result = ResultFailed
			rec.Error = fmt.Sprintf("validation gate: %v", err)
			rec.GateResult = GateFail
			e.logger.Error().Err(err).Str("task", taskID).Msg("validation gate errored")
			return e.finalize(rec)
		}
		rec.GateResult = outcome.Result
		if !outcome.Passed() {
			rec.Result = ResultFailed
			rec.Error = outcome.Reason
			e.logger.Warn().Str("task", taskID).Str("reason", outcome.Reason).
				Msg("validation gate blocked transition")
			return e.finalize(rec)
		}
	}

	swapped, err := e.tasks.CompareAndSwapStatus(ctx, taskID, from, to)
	if err != nil {
		rec.Result = ResultFailed
		rec.Error = fmt.Sprintf("status write: %v", err)
		e.logger.Error().Err(err).Str("task", taskID).Msg("status write failed")
		return e.finalize(rec)
	}
	if !swapped {
		rec.Result = ResultFailed
		rec.Error = fmt.Sprintf("status changed concurrently, expected %q", from)
		e.logger.Warn().Str("task", taskID).Str("expected", string(from)).
			Msg("status swap lost")
		return e.finalize(rec)
	}

	if needCommit && e.committer != nil {
		message := opts.CommitMessage
		if message == "" {
			message = fmt.Sprintf("task %s: %s → %s", taskID, from, to)
		}
		hash, err := e.committer.Commit(ctx, taskID, message)
		if err != nil {
			e.logger.Error().Err(err).Str("task", taskID).Msg("commit failed, rolling back status")
			return e.finalize(e.rollbackStatus(ctx, rec, from, to, err))
		}
		rec.CommitHash = hash
		e.logger.Info().Str("task", taskID).Str("commit", hash).Msg("commit recorded")
	}

	rec.Result = ResultSuccess
	e.logger.Info().Str("task", taskID).Str("from", string(from)).
		Str("to", string(to)).Msg("transition complete")
	return e.finalize(rec)
}

// checkGate runs the validation gate, collapsing concurrent checks for
// the same task into a single call.
func (e *Engine) checkGate(ctx context.Context, taskID string) (GateOutcome, error) {
	v, err, _ := e.gateFlight.Do(taskID, func() (any, error) {
		return e.gate.Check(ctx, taskID)
	})
	if err != nil {
		return GateOutcome{}, err
	}
	return v.(GateOutcome), nil
}

// rollbackStatus reverses a committed status write after a downstream
// commit failure. Validation is bypassed: the reverse edge restores the
// pre-transition state and is not part of the public lifecycle.
func (e *Engine) rollbackStatus(ctx context.Context, rec StatusTransition, from, to model.Status, cause error) StatusTransition {
	rec.RollbackAttempted = true
	rec.commitFailure = true
	rec.Error = fmt.Sprintf("commit: %v", cause)

	swapped, err := e.tasks.CompareAndSwapStatus(ctx, rec.TaskID, to, from)
	if err == nil && swapped {
		rec.Result = ResultRolledBack
		rec.RollbackOperations = append(rec.RollbackOperations, "status_transition")
		e.logger.Info().Str("task", rec.TaskID).Msg("status rolled back after commit failure")
		return rec
	}

	// The store now disagrees with both sides of the transition. There is
	// no safe automatic remediation; surface it for an operator.
	rec.Result = ResultFailed
	rec.RollbackOperations = append(rec.RollbackOperations, "status_transition_failed")
	e.logger.Error().Err(err).Str("task", rec.TaskID).
		Str("stuck_in", string(to)).Msg("rollback failed: task left inconsistent, manual intervention required")
	return rec
}

// Rollback restores a task's pre-attempt status after a failed or
// abandoned execution. The reverse edge is not part of the public
// lifecycle, so validation and commit are bypassed, but the attempt is
// recorded in history and counted with the rollback statistics.
func (e *Engine) Rollback(ctx context.Context, taskID string, from, to model.Status, reason string) StatusTransition {
	rec := StatusTransition{
		TaskID:            taskID,
		From:              string(from),
		To:                string(to),
		Timestamp:         time.Now().UTC(),
		RollbackAttempted: true,
		Error:             reason,
	}

	swapped, err := e.tasks.CompareAndSwapStatus(ctx, taskID, from, to)
	if err != nil {
		rec.Result = ResultFailed
		rec.Error = fmt.Sprintf("%s: status write: %v", reason, err)
		e.logger.Error().Err(err).Str("task", taskID).Msg("rollback write failed")
		return e.finalize(rec)
	}
	if !swapped {
		rec.Result = ResultFailed
		rec.Error = fmt.Sprintf("%s: status changed concurrently, expected %q", reason, from)
		e.logger.Warn().Str("task", taskID).Str("expected", string(from)).
			Msg("rollback swap lost")
		return e.finalize(rec)
	}

	rec.Result = ResultRolledBack
	rec.RollbackOperations = append(rec.RollbackOperations, "status_transition")
	e.logger.Info().Str("task", taskID).Str("from", string(from)).
		Str("to", string(to)).Str("reason", reason).Msg("status rolled back")
	return e.finalize(rec)
}

// finalize appends the record to the bounded history and updates
// aggregate counters.
func (e *Engine) finalize(rec StatusTransition) StatusTransition {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, rec)
	if len(e.history) > e.historyCap {
		e.history = e.history[len(e.history)-e.historyCap:]
	}

	e.totals.all++
	switch rec.Result {
	case ResultSuccess:
		e.totals.succeeded++
	case ResultRolledBack:
		e.totals.rollbacks++
		e.totals.rollbacksOK++
		if rec.commitFailure {
			e.totals.commitFailed++
		}
	case ResultFailed:
		e.totals.failed++
		if rec.GateResult == GateFail {
			e.totals.validationFailed++
		}
		if rec.RollbackAttempted {
			e.totals.rollbacks++
			if rec.commitFailure {
				e.totals.commitFailed++
			}
		}
	}
	return rec
}

// History returns up to limit most recent transition records, optionally
// filtered by task ID. A zero limit returns everything retained.
func (e *Engine) History(taskID string, limit int) []StatusTransition {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []StatusTransition
	for _, rec := range e.history {
		if taskID == "" || rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Statistics returns aggregate counters over all finalized attempts.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Statistics{
		Total:              e.totals.all,
		Succeeded:          e.totals.succeeded,
		Failed:             e.totals.failed,
		ValidationFailures: e.totals.validationFailed,
		CommitFailures:     e.totals.commitFailed,
		RollbacksAttempted: e.totals.rollbacks,
		RollbacksSucceeded: e.totals.rollbacksOK,
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
		s.ValidationFailureRate = float64(s.ValidationFailures) / float64(s.Total)
		s.CommitFailureRate = float64(s.CommitFailures) / float64(s.Total)
	}
	if s.RollbacksAttempted > 0 {
		s.RollbackSuccessRate = float64(s.RollbacksSucceeded) / float64(s.RollbacksAttempted)
	}
	return s
}
