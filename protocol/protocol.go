// Package protocol defines the events exchanged between the coordinator
// and workers over the message bus, and the subjects they travel on.
//
// Workers publish everything they send to SubjectInbound, a single subject,
// so one worker's heartbeats, bids and results reach the coordinator in
// the order the worker sent them. The coordinator broadcasts tasks on
// SubjectBroadcast and addresses a single worker on WorkerSubject(id).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/tasks"
)

// Subjects.
const (
	SubjectInbound      = "swarm.inbound"
	SubjectBroadcast    = "swarm.broadcast"
	SubjectRegister     = "swarm.register"
	subjectWorkerPrefix = "swarm.worker."
)

// WorkerSubject is the direct subject for one worker.
func WorkerSubject(workerID string) string {
	return subjectWorkerPrefix + workerID
}

// Kind identifies the payload type of an Envelope.
type Kind string

const (
	KindTaskBroadcast   Kind = "task_broadcast"
	KindBid             Kind = "bid"
	KindAssignment      Kind = "assignment"
	KindTaskResult      Kind = "task_result"
	KindAlertRaised     Kind = "alert_raised"
	KindHeartbeat       Kind = "heartbeat"
	KindRegistration    Kind = "registration"
	KindRegistrationAck Kind = "registration_ack"
	KindDeregistration  Kind = "deregistration"
	KindCancellation    Kind = "cancellation"
)

// Envelope wraps every event on the bus.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Sent    time.Time       `json:"sent"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps v in an envelope of the given kind.
func Encode(kind Kind, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Sent: time.Now().UTC(), Payload: payload})
}

// Decode parses an envelope. The payload is left raw for Into.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// Into decodes the payload into v.
func (e Envelope) Into(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// TaskBroadcast announces an open auction to all workers.
type TaskBroadcast struct {
	Task     tasks.Task `json:"task"`
	ClosesAt time.Time  `json:"closes_at"`
}

// Bid is a worker's offer to run a task.
type Bid struct {
	TaskID              string  `json:"task_id"`
	WorkerID            string  `json:"worker_id"`
	WorkerName          string  `json:"worker_name,omitempty"`
	Confidence          float64 `json:"confidence"`
	SpecializationMatch float64 `json:"specialization_match"`

	// EstimatedDuration is the bidder's own guess at execution time.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	// Timestamp is replaced with the coordinator's receipt time.
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the bid's own fields. Whether the auction accepts it is
// decided by the coordinator.
func (b Bid) Validate() error {
	switch {
	case b.TaskID == "" || b.WorkerID == "":
		return errors.InvalidBid(b.TaskID, b.WorkerID, "missing task or worker id")
	case b.Confidence < 0 || b.Confidence > 1:
		return errors.InvalidBid(b.TaskID, b.WorkerID, "confidence outside [0,1]")
	case b.SpecializationMatch < 0 || b.SpecializationMatch > 1:
		return errors.InvalidBid(b.TaskID, b.WorkerID, "specialization match outside [0,1]")
	case b.EstimatedDuration < 0:
		return errors.InvalidBid(b.TaskID, b.WorkerID, "negative estimated duration")
	}
	return nil
}

// Assignment tells the winning worker to execute the task.
type Assignment struct {
	Task     tasks.Task `json:"task"`
	WorkerID string     `json:"worker_id"`

	// ResultDeadline is when the coordinator stops waiting for the result.
	ResultDeadline time.Time `json:"result_deadline"`
}

// Cancellation tells an assigned worker to abandon a task.
type Cancellation struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Alert is an out-of-band report from a worker, unrelated to any auction.
type Alert struct {
	ID          string          `json:"id"`
	WorkerID    string          `json:"worker_id"`
	WorkerName  string          `json:"worker_name,omitempty"`
	Severity    Severity        `json:"severity"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Heartbeat is a worker's periodic liveness and load report.
type Heartbeat struct {
	WorkerID    string    `json:"worker_id"`
	Load        float64   `json:"load"`
	ActiveTasks int       `json:"active_tasks"`
	Timestamp   time.Time `json:"timestamp"`
}

// Registration announces a worker and what it can do.
type Registration struct {
	WorkerID        string   `json:"worker_id,omitempty"`
	Name            string   `json:"name"`
	Specializations []string `json:"specializations"`
	MaxConcurrent   int      `json:"max_concurrent"`
	BaseConfidence  float64  `json:"base_confidence"`
}

// RegistrationAck answers a Registration request.
type RegistrationAck struct {
	WorkerID string        `json:"worker_id,omitempty"`
	Accepted bool          `json:"accepted"`
	Error    *errors.Error `json:"error,omitempty"`
}

// Deregistration removes a worker. Sent by a worker leaving the swarm, or
// by the coordinator to a worker it no longer knows.
type Deregistration struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}
