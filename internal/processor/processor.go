// Package processor drains the run queue: it discovers queued tasks,
// orders them by priority, and pushes each one through lock
// acquisition, execution, change verification, and the completion
// transition, with bounded retries in between.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oweller/taskmill/internal/events"
	"github.com/oweller/taskmill/internal/locking"
	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/retrying"
	"github.com/oweller/taskmill/internal/store"
	"github.com/oweller/taskmill/internal/transition"
)

const (
	defaultMaxRetryAttempts = 3
	defaultInterTaskDelay   = 2 * time.Second
	defaultTaskTimeout      = 30 * time.Minute
	maxSessionHistory       = 50
)

// defaultBackoff doubles from two seconds between retry attempts.
var defaultBackoff = retrying.Policy{
	BaseDelay:  2 * time.Second,
	MaxDelay:   5 * time.Minute,
	Multiplier: 2,
}

// ExecutionEngine runs the work a task describes.
type ExecutionEngine interface {
	Execute(ctx context.Context, task model.TaskItem) error
}

// ChangeVerifier reports whether an execution left observable changes
// behind. No changes means the run accomplished nothing and is treated
// as a failure.
type ChangeVerifier interface {
	HasChanges(ctx context.Context) (bool, error)
}

// Processor drains queued tasks sequentially.
type Processor struct {
	tasks       store.TaskStore
	locks       locking.Manager
	transitions *transition.Engine
	engine      ExecutionEngine
	verifier    ChangeVerifier
	sink        events.Sink
	logger      zerolog.Logger

	ownerID          string
	maxRetryAttempts int
	backoff          retrying.Policy
	interTaskDelay   time.Duration
	taskTimeout      time.Duration
	lockTTL          time.Duration
	sleep            func(ctx context.Context, d time.Duration)

	mu       sync.Mutex
	sessions []*Session
}

// Option configures a Processor.
type Option func(*Processor)

// WithEventBus attaches a bus for lifecycle event publication.
func WithEventBus(b *events.Bus) Option {
	return func(p *Processor) {
		if b != nil {
			p.sink = b
		}
	}
}

// WithSink attaches an arbitrary fire-and-forget event sink.
func WithSink(s events.Sink) Option {
	return func(p *Processor) { p.sink = s }
}

// WithChangeVerifier sets the post-execution change check.
func WithChangeVerifier(v ChangeVerifier) Option {
	return func(p *Processor) { p.verifier = v }
}

// WithMaxRetryAttempts overrides the per-task retry limit.
func WithMaxRetryAttempts(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.maxRetryAttempts = n
		}
	}
}

// WithBackoff replaces the between-retry delay schedule.
func WithBackoff(policy retrying.Policy) Option {
	return func(p *Processor) { p.backoff = policy }
}

// WithInterTaskDelay overrides the pause between tasks.
func WithInterTaskDelay(d time.Duration) Option {
	return func(p *Processor) { p.interTaskDelay = d }
}

// WithTaskTimeout bounds a single execution attempt.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

// WithLockTTL overrides how long acquired task locks live.
func WithLockTTL(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.lockTTL = d
		}
	}
}

// WithSleep replaces the delay function. Tests use this to run the
// retry schedule without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(p *Processor) { p.sleep = fn }
}

// New creates a Processor over the given collaborators.
func New(tasks store.TaskStore, locks locking.Manager, transitions *transition.Engine, engine ExecutionEngine, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		tasks:            tasks,
		locks:            locks,
		transitions:      transitions,
		engine:           engine,
		logger:           logger.With().Str("component", "processor").Logger(),
		ownerID:          model.NewOwnerID(),
		maxRetryAttempts: defaultMaxRetryAttempts,
		backoff:          defaultBackoff,
		interTaskDelay:   defaultInterTaskDelay,
		taskTimeout:      defaultTaskTimeout,
		lockTTL:          locking.DefaultStaleThreshold,
		sleep:            sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Process runs one full pass over the queue. It returns an error only
// when the queue itself cannot be read; per-task failures are recorded
// in the returned session.
func (p *Processor) Process(ctx context.Context) (*Session, error) {
	session := &Session{
		ID:        model.NewSessionID(),
		StartedAt: time.Now().UTC(),
	}

	queue, err := p.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue discovery: %w", err)
	}
	session.Discovered = len(queue)
	p.logger.Info().Str("session", session.ID).Int("queued", len(queue)).
		Msg("processing session started")

	for i, task := range queue {
		if ctx.Err() != nil {
			p.cancelRemaining(session, queue[i:])
			break
		}

		session.record(p.processOne(ctx, session, task))

		if i < len(queue)-1 && ctx.Err() == nil {
			p.sleep(ctx, p.interTaskDelay)
		}
	}

	session.FinishedAt = time.Now().UTC()
	p.publish(events.EventSessionFinished, map[string]interface{}{
		"session_id": session.ID,
		"processed":  session.Processed,
		"succeeded":  session.Succeeded,
		"failed":     session.Failed,
		"skipped":    session.Skipped,
		"cancelled":  session.Cancelled,
	})
	p.logger.Info().Str("session", session.ID).
		Int("succeeded", session.Succeeded).Int("failed", session.Failed).
		Int("skipped", session.Skipped).Int("cancelled", session.Cancelled).
		Dur("duration", session.Duration()).Msg("processing session finished")

	p.remember(session)
	return session, nil
}

// discover lists queued tasks and orders them highest priority first,
// earliest queued first within a priority.
func (p *Processor) discover(ctx context.Context) ([]model.TaskItem, error) {
	queue, err := p.tasks.ListByStatus(ctx, model.StatusQueuedToRun)
	if err != nil {
		return nil, err
	}

	for i := range queue {
		queue[i].Priority = assessPriority(queue[i])
	}
	sort.SliceStable(queue, func(a, b int) bool {
		wa, wb := queue[a].Priority.Weight(), queue[b].Priority.Weight()
		if wa != wb {
			return wa > wb
		}
		return queue[a].QueuedAt.Before(queue[b].QueuedAt)
	})
	return queue, nil
}

// assessPriority resolves a task's effective priority: an explicit
// metadata value wins, then keyword hints in the title, then medium.
func assessPriority(task model.TaskItem) model.Priority {
	if raw, ok := task.Metadata["priority"]; ok {
		switch strings.ToLower(raw) {
		case "critical", "urgent":
			return model.PriorityCritical
		case "high", "important":
			return model.PriorityHigh
		case "low", "minor":
			return model.PriorityLow
		}
	}
	if task.Priority != "" {
		return task.Priority
	}

	title := strings.ToLower(task.Title)
	switch {
	case containsAny(title, "urgent", "critical", "emergency", "hotfix"):
		return model.PriorityCritical
	case containsAny(title, "important", "high", "priority"):
		return model.PriorityHigh
	case containsAny(title, "minor", "low", "trivial"):
		return model.PriorityLow
	}
	return model.PriorityMedium
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// processOne takes a task through lock, execute, verify, complete, with
// retries for transient execution failures.
func (p *Processor) processOne(ctx context.Context, session *Session, task model.TaskItem) TaskResult {
	start := time.Now()
	result := TaskResult{
		TaskID:   task.ID,
		Title:    task.Title,
		Priority: task.Priority,
	}

	attempt := p.locks.TryLock(ctx, task.ID, p.ownerID, p.lockTTL)
	if attempt.Err != nil {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("lock acquisition: %v", attempt.Err)
		return p.finishResult(session, result, start)
	}
	if !attempt.Acquired() {
		result.Outcome = OutcomeSkipped
		result.Error = fmt.Sprintf("locked by %s", attempt.ExistingOwner)
		p.logger.Info().Str("task", task.ID).Str("holder", attempt.ExistingOwner).
			Msg("task locked elsewhere, skipping")
		return p.finishResult(session, result, start)
	}
	defer func() {
		// Release outlives session cancellation for the same reason
		// requeue does: the lock must not stay held by a dead attempt.
		if !p.locks.Release(context.WithoutCancel(ctx), task.ID, p.ownerID) {
			p.logger.Warn().Str("task", task.ID).Msg("lock release did not apply")
		}
	}()
	p.publish(events.EventTaskLocked, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": session.ID,
		"owner":      p.ownerID,
	})

	var lastErr error
	for attemptNo := 0; attemptNo <= p.maxRetryAttempts; attemptNo++ {
		if attemptNo > 0 {
			p.logger.Info().Str("task", task.ID).
				Int("attempt", attemptNo).Int("max", p.maxRetryAttempts).
				Msg("retrying task")
			p.publish(events.EventTaskRetried, map[string]interface{}{
				"task_id":    task.ID,
				"session_id": session.ID,
				"attempt":    attemptNo,
			})
			p.sleep(ctx, p.backoff.Delay(attemptNo))
			if ctx.Err() != nil {
				result.Outcome = OutcomeCancelled
				result.Error = "processing cancelled"
				result.RetryCount = attemptNo
				return p.finishResult(session, result, start)
			}
		}

		retryable, err := p.executeOnce(ctx, session, task)
		if err == nil {
			result.Outcome = OutcomeSuccess
			result.RetryCount = attemptNo
			return p.finishResult(session, result, start)
		}
		lastErr = err
		if !retryable {
			result.Outcome = OutcomeFailed
			result.Error = err.Error()
			result.RetryCount = attemptNo
			return p.finishResult(session, result, start)
		}
		p.logger.Warn().Err(err).Str("task", task.ID).
			Int("attempt", attemptNo+1).Msg("task attempt failed")
	}

	result.Outcome = OutcomeFailed
	result.Error = fmt.Sprintf("failed after %d attempts: %v", p.maxRetryAttempts+1, lastErr)
	result.RetryCount = p.maxRetryAttempts
	return p.finishResult(session, result, start)
}

// executeOnce runs one attempt of the full pipeline. The bool reports
// whether a failure is worth retrying.
func (p *Processor) executeOnce(ctx context.Context, session *Session, task model.TaskItem) (bool, error) {
	// A store-backed lock manager acquires the lock by performing the
	// queued→in-progress swap itself; only transition explicitly when
	// the task is still queued.
	current, err := p.tasks.GetStatus(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("status read: %w", err)
	}
	if current == model.StatusQueuedToRun {
		rec := p.transitions.Transition(ctx, task.ID, model.StatusQueuedToRun, model.StatusInProgress, transition.Options{})
		if rec.Result != transition.ResultSuccess {
			return false, fmt.Errorf("start transition failed: %s", rec.Error)
		}
	} else if current != model.StatusInProgress {
		return false, fmt.Errorf("task in unexpected status %q", current)
	}

	p.publish(events.EventTaskStarted, map[string]interface{}{
		"task_id":    task.ID,
		"session_id": session.ID,
	})

	execCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	err = p.engine.Execute(execCtx, task)
	cancel()
	if err != nil {
		p.requeue(ctx, task.ID, "execution failed")
		return true, fmt.Errorf("execution: %w", err)
	}

	if p.verifier != nil {
		changed, err := p.verifier.HasChanges(ctx)
		if err != nil {
			p.requeue(ctx, task.ID, "change verification errored")
			return true, fmt.Errorf("change verification: %w", err)
		}
		if !changed {
			p.requeue(ctx, task.ID, "no changes detected")
			return true, fmt.Errorf("no changes detected")
		}
	}

	rec := p.transitions.Transition(ctx, task.ID, model.StatusInProgress, model.StatusDone, transition.Options{
		CommitMessage: fmt.Sprintf("complete task %s: %s", task.ID, task.Title),
	})
	if rec.Result != transition.ResultSuccess {
		p.requeue(ctx, task.ID, "completion transition failed")
		return true, fmt.Errorf("completion transition failed: %s", rec.Error)
	}
	return false, nil
}

// requeue restores a task to the queue after a failed attempt, routed
// through the transition engine's rollback path so the restore lands in
// its history. The write runs on a detached context: when the attempt
// died of cancellation, the pre-attempt state must still go back.
func (p *Processor) requeue(ctx context.Context, taskID, reason string) {
	rec := p.transitions.Rollback(context.WithoutCancel(ctx), taskID,
		model.StatusInProgress, model.StatusQueuedToRun, reason)
	if rec.Result != transition.ResultRolledBack {
		p.logger.Warn().Str("task", taskID).Str("error", rec.Error).
			Msg("requeue after failure did not apply")
	}
}

func (p *Processor) finishResult(session *Session, result TaskResult, start time.Time) TaskResult {
	result.ProcessingTime = time.Since(start)
	result.Timestamp = time.Now().UTC()
	p.publish(events.EventTaskCompleted, map[string]interface{}{
		"task_id":    result.TaskID,
		"session_id": session.ID,
		"outcome":    string(result.Outcome),
		"error":      result.Error,
	})
	return result
}

func (p *Processor) cancelRemaining(session *Session, remaining []model.TaskItem) {
	p.logger.Info().Int("remaining", len(remaining)).Msg("cancellation requested, marking remaining tasks")
	for _, task := range remaining {
		session.record(TaskResult{
			TaskID:    task.ID,
			Title:     task.Title,
			Priority:  task.Priority,
			Outcome:   OutcomeCancelled,
			Error:     "processing cancelled",
			Timestamp: time.Now().UTC(),
		})
	}
}

func (p *Processor) publish(t events.EventType, data map[string]interface{}) {
	if p.sink != nil {
		p.sink.Notify(t, data)
	}
}

// remember retains the session in the bounded history.
func (p *Processor) remember(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
	if len(p.sessions) > maxSessionHistory {
		p.sessions = p.sessions[len(p.sessions)-maxSessionHistory:]
	}
}

// Sessions returns the retained session history, oldest first.
func (p *Processor) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// LastSession returns the most recent session, or nil.
func (p *Processor) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Statistics summarizes all retained sessions.
type Statistics struct {
	Sessions  int `json:"sessions"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Statistics aggregates counters across the retained session history.
func (p *Processor) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st Statistics
	st.Sessions = len(p.sessions)
	for _, s := range p.sessions {
		st.Processed += s.Processed
		st.Succeeded += s.Succeeded
		st.Failed += s.Failed
		st.Skipped += s.Skipped
		st.Cancelled += s.Cancelled
	}
	return st
}
