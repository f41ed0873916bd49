package auction

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/tasks"
)

// State is the lifecycle position of an auction.
type State int32

const (
	StateOpen State = iota
	StateClosed
	StateAssigned
	StateCompleted
	StateFailed
)

var stateNames = [...]string{"Open", "Closed", "Assigned", "Completed", "Failed"}

func (s State) String() string {
	if s < StateOpen || s > StateFailed {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Outcome is the resolution of an auction.
type Outcome struct {
	TaskID   string
	TaskType tasks.TaskType
	State    State

	// WorkerID is the last assigned worker, empty if none was assigned.
	WorkerID string

	// Result is set when the winner reported back, successfully or not.
	Result *tasks.Result

	// Err is set for every Failed outcome.
	Err error

	// Bids is how many distinct workers bid.
	Bids int

	OpenedAt   time.Time
	ResolvedAt time.Time
}

// Auction is one bidding round for one task. Its state leaves Open exactly
// once and becomes terminal exactly once; the first of close, cancel,
// result and timeout to take the lock decides.
type Auction struct {
	task     tasks.Task
	openedAt time.Time
	closesAt time.Time

	// eligible holds the workers eligible at open, for early close.
	eligible map[string]struct{}

	state atomic.Int32

	mu          sync.Mutex
	bids        map[string]protocol.Bid
	ranked      []Ranked
	next        int
	winner      string
	winnerBid   protocol.Bid
	deadline    time.Time
	attempt     int
	closeTimer  *time.Timer
	resultTimer *time.Timer
	outcome     Outcome

	span trace.Span
	done chan struct{}
}

func newAuction(task tasks.Task, eligible []string, openedAt time.Time, window time.Duration) *Auction {
	a := &Auction{
		task:     task,
		openedAt: openedAt,
		closesAt: openedAt.Add(window),
		eligible: make(map[string]struct{}, len(eligible)),
		bids:     make(map[string]protocol.Bid),
		done:     make(chan struct{}),
	}
	for _, id := range eligible {
		a.eligible[id] = struct{}{}
	}
	a.state.Store(int32(StateOpen))
	return a
}

// TaskID returns the id of the auctioned task.
func (a *Auction) TaskID() string { return a.task.ID }

// Task returns the auctioned task.
func (a *Auction) Task() tasks.Task { return a.task }

// OpenedAt returns when bidding opened.
func (a *Auction) OpenedAt() time.Time { return a.openedAt }

// ClosesAt returns when the bidding window ends.
func (a *Auction) ClosesAt() time.Time { return a.closesAt }

// State returns the current state.
func (a *Auction) State() State {
	return State(a.state.Load())
}

// Winner returns the currently or finally assigned worker.
func (a *Auction) Winner() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.winner, a.winner != ""
}

// Bids returns the bids collected so far, sorted by worker id.
func (a *Auction) Bids() []protocol.Bid {
	a.mu.Lock()
	defer a.mu.Unlock()

	bids := make([]protocol.Bid, 0, len(a.bids))
	for _, b := range a.bids {
		bids = append(bids, b)
	}
	sort.Slice(bids, func(i, j int) bool {
		return bids[i].WorkerID < bids[j].WorkerID
	})
	return bids
}

// Done is closed once the auction is terminal and its resolution has
// been handed to the coordinator's OnResolve hook.
func (a *Auction) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the resolution, or false while the auction is live.
func (a *Auction) Outcome() (Outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.State().Terminal() {
		return Outcome{}, false
	}
	return a.outcome, true
}

// Wait blocks until the auction resolves or ctx is done.
func (a *Auction) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		o, _ := a.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// transition moves from one state to another. Callers hold a.mu.
func (a *Auction) transition(from, to State) bool {
	return a.state.CompareAndSwap(int32(from), int32(to))
}

// allEligibleBid reports whether every worker eligible at open has bid.
// Callers hold a.mu.
func (a *Auction) allEligibleBid() bool {
	if len(a.eligible) == 0 {
		return false
	}
	for id := range a.eligible {
		if _, ok := a.bids[id]; !ok {
			return false
		}
	}
	return true
}

// stopTimers stops pending timers. Callers hold a.mu. A timer that already
// fired finds the state changed and does nothing.
func (a *Auction) stopTimers() {
	if a.closeTimer != nil {
		a.closeTimer.Stop()
	}
	if a.resultTimer != nil {
		a.resultTimer.Stop()
	}
}

// resolve records the terminal state. Callers hold a.mu and have already
// checked the auction is live.
func (a *Auction) resolve(state State, result *tasks.Result, err error, now time.Time) bool {
	cur := a.State()
	if cur.Terminal() || !a.transition(cur, state) {
		return false
	}
	a.stopTimers()
	a.outcome = Outcome{
		TaskID:     a.task.ID,
		TaskType:   a.task.Type,
		State:      state,
		WorkerID:   a.winner,
		Result:     result,
		Err:        err,
		Bids:       len(a.bids),
		OpenedAt:   a.openedAt,
		ResolvedAt: now,
	}
	return true
}
