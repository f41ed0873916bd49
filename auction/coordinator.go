package auction

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/registry"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Rejection reasons carried in INVALID_BID metadata.
const (
	ReasonNoAuction      = "no auction for task"
	ReasonNotOpen        = "auction is not open"
	ReasonNotAssigned    = "task is not awaiting a result"
	ReasonNotWinner      = "worker is not the assignee"
	ReasonUnknownWorker  = "worker is not registered"
	ReasonWrongSpecialty = "worker does not handle the task type"
)

// recentTTL is how long a resolved task id is remembered so that late
// traffic for it is recognised as late rather than unknown.
const recentTTL = 10 * time.Minute

// Config configures a Coordinator.
type Config struct {
	// Window is how long bidding stays open. Default 5s.
	Window time.Duration

	// ResultTimeout is the ceiling on waiting for the winner's result.
	// Default 5m.
	ResultTimeout time.Duration

	// EstimateMultiplier scales the winner's estimated duration into its
	// result timeout, capped by ResultTimeout. Zero disables estimates.
	EstimateMultiplier float64

	// EarlyClose closes bidding as soon as every worker eligible at open
	// has bid.
	EarlyClose bool

	// FallbackToRunnerUp reassigns a timed-out task to the next ranked
	// bidder still eligible, instead of failing it.
	FallbackToRunnerUp bool

	// OnResolve is called once per auction after it becomes terminal,
	// outside any coordinator lock.
	OnResolve func(*Auction)

	Clock   func() time.Time
	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
}

// DefaultConfig returns the standard auction timings.
func DefaultConfig() Config {
	return Config{
		Window:             5 * time.Second,
		ResultTimeout:      5 * time.Minute,
		EstimateMultiplier: 2.0,
	}
}

// Counts summarises live auctions.
type Counts struct {
	// Open is how many auctions are collecting bids.
	Open int

	// Assigned is how many tasks are running on a worker.
	Assigned int

	// Live is every non-terminal auction.
	Live int
}

// Coordinator runs auctions: it broadcasts tasks, collects bids, picks
// winners, assigns them and waits for their results.
type Coordinator struct {
	mu       sync.Mutex
	auctions map[string]*Auction
	recent   map[string]time.Time
	closed   bool

	registry *registry.Registry
	bus      bus.MessageBus
	cfg      Config
	now      func() time.Time
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
}

// NewCoordinator creates a coordinator over a registry and a bus.
func NewCoordinator(reg *registry.Registry, mb bus.MessageBus, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = def.ResultTimeout
	}
	if cfg.EstimateMultiplier < 0 {
		cfg.EstimateMultiplier = 0
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Coordinator{
		auctions: make(map[string]*Auction),
		recent:   make(map[string]time.Time),
		registry: reg,
		bus:      mb,
		cfg:      cfg,
		now:      now,
		logger:   logging.OrDefault(cfg.Logger).WithComponent("auction"),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Open starts an auction for task and broadcasts it. If no worker is
// eligible it fails with NO_ELIGIBLE_WORKERS and nothing is broadcast.
func (c *Coordinator) Open(ctx context.Context, task tasks.Task) (*Auction, error) {
	now := c.now()
	task.Normalize(now)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if task.HasDeadline() && !task.Deadline.After(now) {
		return nil, errors.InvalidInput("task deadline has passed", errors.WithTaskID(task.ID))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Closed("auction coordinator")
	}
	if _, ok := c.auctions[task.ID]; ok {
		c.mu.Unlock()
		return nil, errors.Conflict("task already has a live auction", errors.WithTaskID(task.ID))
	}

	eligible := c.registry.Eligible(task.Type)
	if len(eligible) == 0 {
		c.mu.Unlock()
		return nil, errors.NoEligibleWorkers(task.ID, task.Type.String())
	}
	ids := make([]string, len(eligible))
	for i, w := range eligible {
		ids[i] = w.ID
	}

	a := newAuction(task, ids, now, c.cfg.Window)
	_, a.span = c.tracer.StartAuctionSpan(ctx, telemetry.AuctionSpanOptions{
		TaskID:      task.ID,
		TaskType:    task.Type.String(),
		Complexity:  task.Complexity.String(),
		Eligible:    len(ids),
		Description: task.Description,
	})
	a.mu.Lock()
	a.closeTimer = time.AfterFunc(c.cfg.Window, func() { c.close(a) })
	a.mu.Unlock()

	c.auctions[task.ID] = a
	delete(c.recent, task.ID)
	c.mu.Unlock()

	c.metrics.AuctionOpened(ctx, task.Type.String())
	c.logger.AuctionOpened(task.ID, task.Type.String(), len(ids))

	data, err := protocol.Encode(protocol.KindTaskBroadcast, protocol.TaskBroadcast{
		Task:     task,
		ClosesAt: a.closesAt,
	})
	if err == nil {
		err = c.bus.Publish(protocol.SubjectBroadcast, data)
	}
	if err != nil {
		err = errors.WrapWithCode(err, errors.ErrCodeUnavailable, "broadcast task", errors.WithTaskID(task.ID))
		c.fail(a, err)
		return nil, err
	}
	return a, nil
}

// SubmitBid applies a bid to its auction, replacing any earlier bid from
// the same worker. Rejected bids return INVALID_BID and leave every
// auction untouched.
func (c *Coordinator) SubmitBid(bid protocol.Bid) error {
	if err := bid.Validate(); err != nil {
		c.metrics.Bid(context.Background(), "dropped")
		return err
	}
	a, err := c.lookup(bid.TaskID, bid.WorkerID)
	if err != nil {
		c.metrics.Bid(context.Background(), "dropped")
		return err
	}

	w, ok := c.registry.Get(bid.WorkerID)
	if !ok {
		c.metrics.Bid(context.Background(), "dropped")
		return errors.InvalidBid(bid.TaskID, bid.WorkerID, ReasonUnknownWorker)
	}
	if !w.CanHandle(a.task.Type) {
		c.metrics.Bid(context.Background(), "dropped")
		return errors.InvalidBid(bid.TaskID, bid.WorkerID, ReasonWrongSpecialty)
	}

	a.mu.Lock()
	if a.State() != StateOpen {
		a.mu.Unlock()
		c.metrics.Bid(context.Background(), "dropped")
		return errors.InvalidBid(bid.TaskID, bid.WorkerID, ReasonNotOpen, errors.WithMetadata("late", "true"))
	}
	// Ties rank by receipt time.
	bid.Timestamp = c.now()
	_, replaced := a.bids[bid.WorkerID]
	a.bids[bid.WorkerID] = bid
	earlyClose := c.cfg.EarlyClose && a.allEligibleBid()
	c.tracer.RecordBid(a.span, bid.WorkerID, bid.Confidence, bid.SpecializationMatch, replaced)
	a.mu.Unlock()

	outcome := "accepted"
	if replaced {
		outcome = "replaced"
	}
	c.metrics.Bid(context.Background(), outcome)

	if earlyClose {
		c.close(a)
	}
	return nil
}

// SubmitResult delivers the assignee's result. Results for tasks that are
// not awaiting one, or from any worker but the assignee, are rejected.
func (c *Coordinator) SubmitResult(result tasks.Result) error {
	if result.TaskID == "" || result.WorkerID == "" {
		return errors.InvalidInput("result needs task and worker ids")
	}
	a, err := c.lookup(result.TaskID, result.WorkerID)
	if err != nil {
		return err
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = c.now()
	}

	a.mu.Lock()
	if a.State() != StateAssigned {
		a.mu.Unlock()
		return errors.InvalidBid(result.TaskID, result.WorkerID, ReasonNotAssigned, errors.WithMetadata("late", "true"))
	}
	if result.WorkerID != a.winner {
		a.mu.Unlock()
		return errors.InvalidBid(result.TaskID, result.WorkerID, ReasonNotWinner)
	}
	c.registry.EndTask(a.winner, a.task.ID)
	var failure error
	if !result.Success {
		failure = errors.TaskFailed(result.TaskID, result.Error, errors.WithWorkerID(result.WorkerID))
	}
	resolved := a.resolve(StateCompleted, &result, failure, c.now())
	a.mu.Unlock()

	if resolved {
		c.finish(a)
	}
	return nil
}

// Cancel fails a live auction with TASK_CANCELLED. An assigned worker is
// told to stop. Returns false if the task is unknown or already resolved.
func (c *Coordinator) Cancel(taskID string) bool {
	c.mu.Lock()
	a, ok := c.auctions[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.abort(a, errors.TaskCancelled(taskID), "cancelled")
}

// Get returns the live auction for a task.
func (c *Coordinator) Get(taskID string) (*Auction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.auctions[taskID]
	return a, ok
}

// Live returns every live auction.
func (c *Coordinator) Live() []*Auction {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*Auction, 0, len(c.auctions))
	for _, a := range c.auctions {
		result = append(result, a)
	}
	return result
}

// Counts returns how many auctions are open and how many tasks are
// assigned.
func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()

	var counts Counts
	for _, a := range c.auctions {
		switch a.State() {
		case StateOpen:
			counts.Open++
		case StateAssigned:
			counts.Assigned++
		}
		if !a.State().Terminal() {
			counts.Live++
		}
	}
	return counts
}

// Close fails every live auction and rejects new ones.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]*Auction, 0, len(c.auctions))
	for _, a := range c.auctions {
		live = append(live, a)
	}
	c.mu.Unlock()

	for _, a := range live {
		c.abort(a, errors.Closed("auction coordinator"), "shutdown")
	}
	return nil
}

// lookup finds the live auction a bid or result refers to.
func (c *Coordinator) lookup(taskID, workerID string) (*Auction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.auctions[taskID]; ok {
		return a, nil
	}
	if _, ok := c.recent[taskID]; ok {
		return nil, errors.InvalidBid(taskID, workerID, ReasonNotOpen, errors.WithMetadata("late", "true"))
	}
	return nil, errors.InvalidBid(taskID, workerID, ReasonNoAuction)
}

// close ends bidding, ranks the bids and assigns the winner.
func (c *Coordinator) close(a *Auction) {
	a.mu.Lock()
	if !a.transition(StateOpen, StateClosed) {
		a.mu.Unlock()
		return
	}
	if a.closeTimer != nil {
		a.closeTimer.Stop()
	}

	bids := make([]protocol.Bid, 0, len(a.bids))
	for _, b := range a.bids {
		bids = append(bids, b)
	}
	tt := a.task.Type
	a.ranked = Rank(bids, func(id string) (registry.Worker, bool) {
		if !c.registry.IsEligible(id, tt) {
			return registry.Worker{}, false
		}
		return c.registry.Get(id)
	})
	a.next = 0

	resolved := c.assignNext(a)
	a.mu.Unlock()

	if resolved {
		c.finish(a)
	}
}

// assignNext hands the task to the best remaining candidate, or fails the
// auction when none is left. Callers hold a.mu with the auction Closed or
// Assigned. Returns whether the auction resolved.
func (c *Coordinator) assignNext(a *Auction) bool {
	now := c.now()
	for a.next < len(a.ranked) {
		cand := a.ranked[a.next]
		a.next++

		if a.attempt > 0 && !c.registry.IsEligible(cand.Bid.WorkerID, a.task.Type) {
			continue
		}
		if err := c.registry.BeginTask(cand.Bid.WorkerID, a.task.ID); err != nil {
			continue
		}

		timeout := c.resultTimeout(a.task, cand.Bid, now)
		deadline := now.Add(timeout)
		data, err := protocol.Encode(protocol.KindAssignment, protocol.Assignment{
			Task:           a.task,
			WorkerID:       cand.Bid.WorkerID,
			ResultDeadline: deadline,
		})
		if err == nil {
			err = c.bus.Publish(protocol.WorkerSubject(cand.Bid.WorkerID), data)
		}
		if err != nil {
			c.registry.EndTask(cand.Bid.WorkerID, a.task.ID)
			c.logger.Warn("assignment publish failed", map[string]interface{}{
				"task_id":   a.task.ID,
				"worker_id": cand.Bid.WorkerID,
				"error":     err.Error(),
			})
			continue
		}

		a.state.Store(int32(StateAssigned))
		a.winner = cand.Bid.WorkerID
		a.winnerBid = cand.Bid
		a.deadline = deadline
		a.attempt++
		attempt := a.attempt
		a.resultTimer = time.AfterFunc(timeout, func() { c.expire(a, attempt) })
		c.tracer.RecordAssignment(a.span, cand.Bid.WorkerID, cand.Score, len(a.bids))
		return false
	}

	var err error
	if a.attempt == 0 {
		err = errors.AuctionNoBids(a.task.ID)
		if len(a.bids) > 0 {
			err = errors.New(errors.ErrCodeAuctionNoBids, "no bidder is still eligible",
				errors.WithTaskID(a.task.ID))
		}
	} else {
		err = errors.AssignmentTimedOut(a.task.ID, a.winner)
	}
	return a.resolve(StateFailed, nil, err, now)
}

// resultTimeout is the ceiling, lowered by the bidder's estimate and the
// task deadline.
func (c *Coordinator) resultTimeout(task tasks.Task, bid protocol.Bid, now time.Time) time.Duration {
	timeout := c.cfg.ResultTimeout
	if bid.EstimatedDuration > 0 && c.cfg.EstimateMultiplier > 0 {
		est := time.Duration(float64(bid.EstimatedDuration) * c.cfg.EstimateMultiplier)
		if est < timeout {
			timeout = est
		}
	}
	if task.HasDeadline() {
		if remaining := task.Deadline.Sub(now); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return timeout
}

// expire handles a result timer. The winner is released and distrusted
// until it heartbeats again.
func (c *Coordinator) expire(a *Auction, attempt int) {
	a.mu.Lock()
	if a.State() != StateAssigned || a.attempt != attempt {
		a.mu.Unlock()
		return
	}
	winner := a.winner
	c.registry.EndTask(winner, a.task.ID)
	c.registry.Distrust(winner)
	c.notifyCancel(a.task.ID, winner, "result timeout")
	c.logger.Warn("assignment timed out", map[string]interface{}{
		"task_id":   a.task.ID,
		"worker_id": winner,
		"attempt":   attempt,
	})

	var resolved bool
	if c.cfg.FallbackToRunnerUp && a.next < len(a.ranked) {
		resolved = c.assignNext(a)
	} else {
		resolved = a.resolve(StateFailed, nil, errors.AssignmentTimedOut(a.task.ID, winner), c.now())
	}
	a.mu.Unlock()

	if resolved {
		c.finish(a)
	}
}

// abort fails a live auction with err.
func (c *Coordinator) abort(a *Auction, err error, reason string) bool {
	a.mu.Lock()
	state := a.State()
	if state.Terminal() {
		a.mu.Unlock()
		return false
	}
	if state == StateAssigned {
		c.registry.EndTask(a.winner, a.task.ID)
		c.notifyCancel(a.task.ID, a.winner, reason)
	}
	resolved := a.resolve(StateFailed, nil, err, c.now())
	a.mu.Unlock()

	if resolved {
		c.finish(a)
	}
	return resolved
}

// fail resolves an auction that could not get started.
func (c *Coordinator) fail(a *Auction, err error) {
	a.mu.Lock()
	resolved := a.resolve(StateFailed, nil, err, c.now())
	a.mu.Unlock()
	if resolved {
		c.finish(a)
	}
}

func (c *Coordinator) notifyCancel(taskID, workerID, reason string) {
	data, err := protocol.Encode(protocol.KindCancellation, protocol.Cancellation{
		TaskID:   taskID,
		WorkerID: workerID,
		Reason:   reason,
	})
	if err == nil {
		err = c.bus.Publish(protocol.WorkerSubject(workerID), data)
	}
	if err != nil {
		c.logger.Debug("cancellation not delivered", map[string]interface{}{
			"task_id":   taskID,
			"worker_id": workerID,
			"error":     err.Error(),
		})
	}
}

// finish does the bookkeeping for a newly terminal auction and then
// releases its waiters. It runs without a.mu held.
func (c *Coordinator) finish(a *Auction) {
	defer close(a.done)
	o, _ := a.Outcome()

	c.mu.Lock()
	if c.auctions[o.TaskID] == a {
		delete(c.auctions, o.TaskID)
	}
	c.recent[o.TaskID] = o.ResolvedAt
	for id, at := range c.recent {
		if o.ResolvedAt.Sub(at) > recentTTL {
			delete(c.recent, id)
		}
	}
	c.mu.Unlock()

	elapsed := o.ResolvedAt.Sub(o.OpenedAt)
	if a.span != nil {
		c.tracer.EndAuctionSpan(a.span, telemetry.AuctionEndOptions{
			State:    o.State.String(),
			WorkerID: o.WorkerID,
			Bids:     o.Bids,
		}, o.Err)
	}
	c.metrics.AuctionResolved(context.Background(), o.TaskType.String(), o.State.String(), elapsed)
	c.logger.AuctionResolved(o.TaskID, o.State.String(), o.WorkerID, elapsed, o.Err)

	if c.cfg.OnResolve != nil {
		c.cfg.OnResolve(a)
	}
}

// IsLate reports whether err rejected traffic for a task that has already
// moved past the point where that traffic matters.
func IsLate(err error) bool {
	se := errors.AsSwarmError(err)
	return se != nil && se.Metadata()["late"] == "true"
}
