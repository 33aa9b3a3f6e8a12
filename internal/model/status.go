package model

import "fmt"

// Status is the lifecycle state of a task in the task store.
type Status string

const (
	StatusIdeas          Status = "Ideas"
	StatusToRefine       Status = "To refine"
	StatusRefined        Status = "Refined"
	StatusPrepareTasks   Status = "Prepare tasks"
	StatusPreparingTasks Status = "Preparing tasks"
	StatusReadyToRun     Status = "Ready to run"
	StatusQueuedToRun    Status = "Queued to run"
	StatusInProgress     Status = "In progress"
	StatusFailed         Status = "Failed"
	StatusDone           Status = "Done"
)

// allStatuses lists every known status for parsing and validation.
var allStatuses = []Status{
	StatusIdeas,
	StatusToRefine,
	StatusRefined,
	StatusPrepareTasks,
	StatusPreparingTasks,
	StatusReadyToRun,
	StatusQueuedToRun,
	StatusInProgress,
	StatusFailed,
	StatusDone,
}

// AllStatuses returns every known status in pipeline order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// The lifecycle is a linear pipeline with one terminal fork
// (InProgress → Done|Failed) and one retry loop-back (Failed → QueuedToRun).
// The edge set is fixed business logic, not configuration.
var validTransitions = map[Status]map[Status]bool{
	StatusIdeas: {
		StatusToRefine: true,
	},
	StatusToRefine: {
		StatusRefined: true,
	},
	StatusRefined: {
		StatusPrepareTasks: true,
	},
	StatusPrepareTasks: {
		StatusPreparingTasks: true,
	},
	StatusPreparingTasks: {
		StatusReadyToRun: true,
	},
	StatusReadyToRun: {
		StatusQueuedToRun: true,
	},
	StatusQueuedToRun: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusDone:   true,
		StatusFailed: true,
	},
	StatusFailed: {
		StatusQueuedToRun: true,
	},
}

// IsKnown reports whether s is a member of the closed status set.
func IsKnown(s Status) bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no mandatory outgoing edge.
// Failed still permits the retry loop-back to QueuedToRun.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusFailed
}

// IsCompletion reports whether s marks finished work. Edges into a
// completion status are gated by validation and followed by a commit.
func IsCompletion(s Status) bool {
	return s == StatusDone
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns a descriptive error for an illegal edge.
func ValidateTransition(from, to Status) error {
	if !IsKnown(from) {
		return fmt.Errorf("unknown status %q", from)
	}
	if !IsKnown(to) {
		return fmt.Errorf("unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid status transition: %q → %q", from, to)
	}
	return nil
}

// ParseStatus maps a stored string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, known := range allStatuses {
		if s == string(known) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}
