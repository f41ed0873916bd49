package worker

import (
	"time"

	"github.com/vinayprograms/swarmkit/tasks"
)

// Offer is what a worker is willing to bid on a task.
type Offer struct {
	Confidence          float64
	SpecializationMatch float64
	EstimatedDuration   time.Duration
}

// Bidder decides whether and how to bid on a broadcast task.
type Bidder interface {
	// Bid returns the offer for task given the worker's current load, or
	// false to sit the auction out.
	Bid(task tasks.Task, load float64) (Offer, bool)
}

// BidderFunc adapts a function to the Bidder interface.
type BidderFunc func(task tasks.Task, load float64) (Offer, bool)

// Bid implements Bidder.
func (f BidderFunc) Bid(task tasks.Task, load float64) (Offer, bool) {
	return f(task, load)
}

// estimates are rough execution times per complexity level.
var estimates = map[tasks.Complexity]time.Duration{
	tasks.Trivial:   time.Second,
	tasks.Simple:    5 * time.Second,
	tasks.Moderate:  30 * time.Second,
	tasks.Complex:   2 * time.Minute,
	tasks.Intensive: 10 * time.Minute,
}

// Estimate returns the default duration estimate for a complexity level.
func Estimate(c tasks.Complexity) time.Duration {
	if d, ok := estimates[c]; ok {
		return d
	}
	return estimates[tasks.Moderate]
}

// DefaultBidder bids base confidence with a full specialization match on
// every task type the worker advertises, and declines everything else or
// when fully loaded.
func DefaultBidder(specializations []tasks.TaskType, baseConfidence float64) Bidder {
	specs := make(map[tasks.TaskType]struct{}, len(specializations))
	for _, s := range specializations {
		specs[s] = struct{}{}
	}
	return BidderFunc(func(task tasks.Task, load float64) (Offer, bool) {
		if load >= 1 {
			return Offer{}, false
		}
		if _, ok := specs[task.Type]; !ok {
			return Offer{}, false
		}
		return Offer{
			Confidence:          baseConfidence,
			SpecializationMatch: 1.0,
			EstimatedDuration:   Estimate(task.Complexity),
		}, true
	})
}
