package errors

import (
	"encoding/json"
	"fmt"
)

// SwarmError is the interface for structured errors raised by the swarm.
type SwarmError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if resubmitting may succeed.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	Unwrap() error
}

// Error is the concrete implementation of SwarmError.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error
	metadata map[string]string
	workerID string
	taskID   string
}

var (
	_ SwarmError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the error category.
func (e *Error) Category() ErrorCategory { return e.category }

// Retryable reports whether resubmitting may succeed.
func (e *Error) Retryable() bool { return e.category.IsRetryable() }

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// WorkerID returns the worker the error concerns, if set.
func (e *Error) WorkerID() string { return e.workerID }

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string { return e.taskID }

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	WorkerID  string            `json:"worker_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler so errors can travel over the bus.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		WorkerID:  e.workerID,
		TaskID:    e.taskID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.workerID = j.WorkerID
	e.taskID = j.TaskID
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithWorkerID sets the worker the error concerns.
func WithWorkerID(id string) Option {
	return func(e *Error) { e.workerID = id }
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}

// Closed reports use of a component after shutdown.
func Closed(component string) *Error {
	return New(ErrCodeClosed, component+" is closed")
}

// DuplicateRegistration rejects a registration whose id is held by a live worker.
func DuplicateRegistration(workerID string) *Error {
	return New(ErrCodeDuplicateRegistration,
		fmt.Sprintf("worker %s is already registered", workerID), WithWorkerID(workerID))
}

// UnknownWorker reports an operation on a worker id the registry does not hold.
func UnknownWorker(workerID string) *Error {
	return New(ErrCodeUnknownWorker,
		fmt.Sprintf("worker %s is not registered", workerID), WithWorkerID(workerID))
}

// NoEligibleWorkers reports that no live worker advertises the task type.
func NoEligibleWorkers(taskID, taskType string) *Error {
	return New(ErrCodeNoEligibleWorkers,
		fmt.Sprintf("no eligible workers for %s", taskType),
		WithTaskID(taskID), WithMetadata("task_type", taskType))
}

// AuctionNoBids reports an auction window that closed empty.
func AuctionNoBids(taskID string) *Error {
	return New(ErrCodeAuctionNoBids,
		fmt.Sprintf("auction for task %s closed without bids", taskID), WithTaskID(taskID))
}

// AssignmentTimedOut reports a winner that never delivered a result.
func AssignmentTimedOut(taskID, workerID string) *Error {
	return New(ErrCodeAssignmentTimeout,
		fmt.Sprintf("worker %s did not complete task %s in time", workerID, taskID),
		WithTaskID(taskID), WithWorkerID(workerID))
}

// InvalidBid reports a bid that cannot be applied to any open auction.
func InvalidBid(taskID, workerID, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithWorkerID(workerID), WithMetadata("reason", reason)}, opts...)
	return New(ErrCodeInvalidBid,
		fmt.Sprintf("bid from %s for task %s rejected: %s", workerID, taskID, reason), opts...)
}

// TaskCancelled reports a task cancelled before it resolved.
func TaskCancelled(taskID string) *Error {
	return New(ErrCodeTaskCancelled, fmt.Sprintf("task %s cancelled", taskID), WithTaskID(taskID))
}

// TaskFailed reports a worker that executed a task unsuccessfully.
func TaskFailed(taskID, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(ErrCodeTaskFailed, fmt.Sprintf("task %s failed: %s", taskID, reason), opts...)
}

// Panic converts a recovered panic value into an error.
func Panic(v interface{}, opts ...Option) *Error {
	return New(ErrCodePanic, fmt.Sprintf("panic: %v", v), opts...)
}
