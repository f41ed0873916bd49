package auction

import (
	"sort"

	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/registry"
)

// Scoring weights.
const (
	WeightConfidence     = 0.40
	WeightSpecialization = 0.35
	WeightAvailability   = 0.25
)

// Score combines a bid with the bidder's current load:
//
//	0.40*confidence + 0.35*specialization_match + 0.25*(1 - load)
//
// Inputs are clamped into [0, 1] so the score is too.
func Score(bid protocol.Bid, w registry.Worker) float64 {
	return WeightConfidence*clamp01(bid.Confidence) +
		WeightSpecialization*clamp01(bid.SpecializationMatch) +
		WeightAvailability*(1-clamp01(w.Load))
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Ranked is a scored bid.
type Ranked struct {
	Bid    protocol.Bid
	Worker registry.Worker
	Score  float64
}

// Rank scores bids and orders them best first: highest score, then
// earliest bid timestamp, then worker id. Bids whose worker lookup fails
// are left out.
func Rank(bids []protocol.Bid, lookup func(workerID string) (registry.Worker, bool)) []Ranked {
	ranked := make([]Ranked, 0, len(bids))
	for _, b := range bids {
		w, ok := lookup(b.WorkerID)
		if !ok {
			continue
		}
		ranked = append(ranked, Ranked{Bid: b, Worker: w, Score: Score(b, w)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Bid.Timestamp.Equal(b.Bid.Timestamp) {
			return a.Bid.Timestamp.Before(b.Bid.Timestamp)
		}
		return a.Bid.WorkerID < b.Bid.WorkerID
	})
	return ranked
}
