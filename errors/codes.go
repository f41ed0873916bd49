package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how callers should react to a failure.
const (
	// CategoryTransient indicates the condition may clear on its own.
	// Examples: no worker bid in time, the winner went silent.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates resubmitting the same request will not help.
	// Examples: invalid bid, duplicate registration, cancelled task.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates throttling or capacity exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for swarm coordination failures.
const (
	// Transient errors
	ErrCodeTimeout           ErrorCode = "TIMEOUT"             // Operation timed out
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"         // Transport or store unavailable
	ErrCodeNoEligibleWorkers ErrorCode = "NO_ELIGIBLE_WORKERS" // No worker matches the task type
	ErrCodeAuctionNoBids     ErrorCode = "AUCTION_NO_BIDS"     // Auction window closed with zero bids
	ErrCodeAssignmentTimeout ErrorCode = "ASSIGNMENT_TIMEOUT"  // Winner did not report a result in time

	// Permanent errors
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"              // Resource does not exist
	ErrCodeConflict              ErrorCode = "CONFLICT"               // Conflicting operation or state
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"          // Malformed or invalid input
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION" // Worker id already registered and alive
	ErrCodeUnknownWorker         ErrorCode = "UNKNOWN_WORKER"         // Worker id is not registered
	ErrCodeInvalidBid            ErrorCode = "INVALID_BID"            // Bid for an unknown or non-open auction
	ErrCodeTaskCancelled         ErrorCode = "TASK_CANCELLED"         // Task was cancelled by the caller
	ErrCodeTaskFailed            ErrorCode = "TASK_FAILED"            // Worker reported an unsuccessful result
	ErrCodeClosed                ErrorCode = "CLOSED"                 // Component already shut down
	ErrCodeCanceled              ErrorCode = "CANCELED"               // Context canceled

	// Resource errors
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED" // Rate limit exceeded
	ErrCodeCapacity  ErrorCode = "CAPACITY"     // Queue or worker at capacity

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNoEligibleWorkers,
		ErrCodeAuctionNoBids, ErrCodeAssignmentTimeout:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput,
		ErrCodeDuplicateRegistration, ErrCodeUnknownWorker, ErrCodeInvalidBid,
		ErrCodeTaskCancelled, ErrCodeTaskFailed, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeRateLimit, ErrCodeCapacity:
		return CategoryResource

	default:
		return CategoryInternal
	}
}
