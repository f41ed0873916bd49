// Package errors provides the structured error taxonomy used across the swarm.
//
// # Error Categories
//
//   - Transient: the condition may clear (no bids, no eligible workers, assignment timeout)
//   - Permanent: resubmitting the same request will not help (invalid bid, cancelled task)
//   - Resource: throttling or capacity exhaustion
//   - Internal: bugs and recovered panics
//
// # Usage
//
//	err := errors.NoEligibleWorkers(task.ID, task.Type.String())
//	if errors.Is(err, errors.ErrCodeNoEligibleWorkers) {
//	    // wait for workers, resubmit later
//	}
//
// Errors marshal to JSON so a registration rejection can be returned to a
// remote worker and decoded back into an *Error on the other side:
//
//	var e errors.Error
//	json.Unmarshal(data, &e)
package errors
