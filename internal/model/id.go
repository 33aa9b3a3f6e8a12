package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewOwnerID generates a unique identifier for a poller instance.
// The timestamp prefix keeps IDs sortable in logs.
func NewOwnerID() string {
	return fmt.Sprintf("poller-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewSessionID generates a unique identifier for a processing session.
func NewSessionID() string {
	return fmt.Sprintf("session-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewTaskID generates a unique identifier for a task.
func NewTaskID() string {
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
