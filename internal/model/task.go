// Package model defines the data structures shared across the engine:
// task items, the lifecycle status set with its legal-edge table, and
// priority tiers.
package model

import (
	"strings"
	"time"
)

// Priority is the ordering tier of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityWeights = map[Priority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// Weight returns the numeric sort weight of p. Unknown priorities weigh
// the same as medium.
func (p Priority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityMedium]
}

// ParsePriority maps a free-form priority string to a tier.
// Unrecognized values default to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "urgent":
		return PriorityCritical
	case "high", "important":
		return PriorityHigh
	case "low", "minor":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// TaskItem is a unit of work discovered from the task store. It lives for
// one processing session; the task store remains the system of record.
type TaskItem struct {
	ID           string            `yaml:"id"`
	Title        string            `yaml:"title"`
	Priority     Priority          `yaml:"priority"`
	QueuedAt     time.Time         `yaml:"queued_at"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	RetryCount   int               `yaml:"retry_count"`
	LastError    string            `yaml:"last_error,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}
