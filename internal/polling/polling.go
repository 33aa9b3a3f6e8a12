// Package polling decides when the next queue poll should happen.
// Strategies consume a snapshot of recent polling outcomes and produce
// a wait decision; the scheduler feeds them and enforces the waits.
package polling

import (
	"fmt"
	"time"
)

// StrategyType identifies a polling strategy implementation.
type StrategyType string

const (
	TypeFixedInterval      StrategyType = "fixed_interval"
	TypeExponentialBackoff StrategyType = "exponential_backoff"
	TypeAdaptive           StrategyType = "adaptive"
	TypeScheduledWindows   StrategyType = "scheduled_windows"
)

// Context is the snapshot of recent polling state a strategy decides on.
type Context struct {
	ConsecutiveFailures   int
	ConsecutiveSuccesses  int
	TotalPolls            int
	QueueDepth            int
	LastPollDuration      time.Duration
	LastPollTime          time.Time
	AverageProcessingTime time.Duration
	SystemLoad            float64
	ErrorRate             float64
}

// Decision is a strategy's verdict on the next poll.
type Decision struct {
	ShouldPoll bool
	Wait       time.Duration
	Reason     string
	Metadata   map[string]interface{}
}

// Strategy decides poll timing. Implementations may keep internal
// state between calls; none are safe for concurrent use.
type Strategy interface {
	Type() StrategyType
	Decide(ctx Context) Decision
	// Reset clears any accumulated internal state.
	Reset()
}

// New constructs a strategy of the given type with its defaults.
// Callers needing non-default tuning use the typed constructors.
func New(t StrategyType) (Strategy, error) {
	switch t {
	case TypeFixedInterval:
		return NewFixedInterval(0), nil
	case TypeExponentialBackoff:
		return NewExponentialBackoff(BackoffConfig{}), nil
	case TypeAdaptive:
		return NewAdaptive(AdaptiveConfig{}), nil
	case TypeScheduledWindows:
		return NewScheduledWindows(WindowsConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown polling strategy %q", t)
	}
}
