package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmkit/errors"
)

// Task is a unit of work auctioned to the swarm. A task is immutable once
// submitted.
type Task struct {
	// ID is the unique identifier for the task.
	// Generated on submission if empty.
	ID string `json:"id"`

	Type       TaskType   `json:"type"`
	Complexity Complexity `json:"complexity"`

	// Description is a human-readable summary shown to bidders.
	Description string `json:"description,omitempty"`

	// Payload is opaque to the swarm and handed to the winner unchanged.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Deadline bounds the whole task. Zero means no deadline.
	Deadline time.Time `json:"deadline,omitempty"`
}

// New creates a task with a generated ID and the current time.
func New(taskType TaskType, complexity Complexity, description string, payload json.RawMessage) Task {
	return Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Complexity:  complexity,
		Description: description,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
}

// Normalize fills in a missing ID and creation time.
func (t *Task) Normalize(now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

// Validate checks the task is well formed.
func (t Task) Validate() error {
	if t.ID == "" {
		return errors.InvalidInput("task id is required")
	}
	if !t.Type.Valid() {
		return errors.InvalidInput("task type is invalid", errors.WithTaskID(t.ID))
	}
	if t.Complexity < Trivial || t.Complexity > Intensive {
		return errors.InvalidInput("task complexity is invalid", errors.WithTaskID(t.ID))
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return errors.InvalidInput("task payload is not valid JSON", errors.WithTaskID(t.ID))
	}
	return nil
}

// HasDeadline reports whether the task carries a deadline.
func (t Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Result is what a worker reports after executing a task.
type Result struct {
	TaskID     string          `json:"task_id"`
	WorkerID   string          `json:"worker_id"`
	WorkerName string          `json:"worker_name,omitempty"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Duration is the execution time measured by the worker.
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}
