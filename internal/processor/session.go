package processor

import (
	"time"

	"github.com/oweller/taskmill/internal/model"
)

// Outcome classifies how a single task left the processing pipeline.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// TaskResult records the final disposition of one task within a session.
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	Title          string         `json:"title"`
	Priority       model.Priority `json:"priority"`
	Outcome        Outcome        `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	RetryCount     int            `json:"retry_count"`
	ProcessingTime time.Duration  `json:"processing_time"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Session aggregates the results of one processing pass over the queue.
type Session struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Discovered int          `json:"discovered"`
	Processed  int          `json:"processed"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Cancelled  int          `json:"cancelled"`
	Results    []TaskResult `json:"results"`
}

// record folds one task result into the session counters. Cancelled
// tasks were never worked on, so they count only as cancelled.
func (s *Session) record(r TaskResult) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		s.Processed++
		s.Succeeded++
	case OutcomeFailed:
		s.Processed++
		s.Failed++
	case OutcomeSkipped:
		s.Processed++
		s.Skipped++
	case OutcomeCancelled:
		s.Cancelled++
	}
}

// Duration is the wall-clock length of the session.
func (s *Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
