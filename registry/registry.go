package registry

import (
	"time"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/tasks"
)

// Status represents a worker's operational state.
type Status string

const (
	StatusIdle    Status = "Idle"
	StatusBusy    Status = "Busy"
	StatusOffline Status = "Offline"
)

// WorkerInfo is what a worker supplies when registering.
type WorkerInfo struct {
	// ID uniquely identifies the worker. Generated if empty.
	ID string

	Name            string
	Specializations []tasks.TaskType

	// MaxConcurrent is how many tasks the worker runs at once.
	MaxConcurrent int

	// BaseConfidence is the worker's self-assessed default confidence.
	BaseConfidence float64
}

// Validate checks the registration fields.
func (info WorkerInfo) Validate() error {
	switch {
	case info.Name == "":
		return errors.InvalidInput("worker name is required", errors.WithWorkerID(info.ID))
	case len(info.Specializations) == 0:
		return errors.InvalidInput("worker needs at least one specialization", errors.WithWorkerID(info.ID))
	case info.MaxConcurrent < 1:
		return errors.InvalidInput("max_concurrent must be at least 1", errors.WithWorkerID(info.ID))
	case info.BaseConfidence < 0 || info.BaseConfidence > 1:
		return errors.InvalidInput("base_confidence must be within [0, 1]", errors.WithWorkerID(info.ID))
	}
	for _, tt := range info.Specializations {
		if !tt.Valid() {
			return errors.InvalidInput("invalid specialization", errors.WithWorkerID(info.ID))
		}
	}
	return nil
}

// Worker is the registry's view of one worker. Values returned by the
// registry are copies.
type Worker struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Specializations []tasks.TaskType `json:"specializations"`
	MaxConcurrent   int              `json:"max_concurrent"`
	BaseConfidence  float64          `json:"base_confidence"`

	// Load is the last reported load, within [0, 1].
	Load float64 `json:"load"`

	Status Status `json:"status"`

	// ActiveTasks counts assignments the coordinator has handed this
	// worker and not yet resolved.
	ActiveTasks int `json:"active_tasks"`

	// Distrusted is set when the worker missed a result deadline and
	// cleared by its next heartbeat. Distrusted workers are not eligible.
	Distrusted bool `json:"distrusted,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`

	// running holds the task ids assigned to this registration.
	running map[string]struct{}
}

// CanHandle reports whether the worker advertises the task type.
func (w Worker) CanHandle(tt tasks.TaskType) bool {
	for _, s := range w.Specializations {
		if s == tt {
			return true
		}
	}
	return false
}

func (w Worker) clone() Worker {
	w.Specializations = append([]tasks.TaskType(nil), w.Specializations...)
	w.running = nil
	return w
}

// settle derives ActiveTasks and Status from the running set.
func (w *Worker) settle() {
	w.ActiveTasks = len(w.running)
	if w.ActiveTasks > 0 {
		w.Status = StatusBusy
	} else {
		w.Status = StatusIdle
	}
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Removal reasons carried on EventRemoved.
const (
	ReasonDeregistered = "deregistered"
	ReasonExpired      = "expired"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Worker is the state after the change. For removals it is the last
	// known state with Status set to Offline.
	Worker Worker

	// Reason explains a removal.
	Reason string
}

// Config configures a Registry.
type Config struct {
	// HeartbeatTimeout is how long a worker may stay silent before it is
	// ineligible and swept.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often Run sweeps.
	SweepInterval time.Duration

	// Store, if set, mirrors worker records under swarm.workers.<id>.
	Store state.StateStore

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *logging.Logger
}

// DefaultConfig returns configuration with the standard liveness settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

// StoreKey is the mirror key for a worker.
func StoreKey(workerID string) string {
	return "swarm.workers." + workerID
}
