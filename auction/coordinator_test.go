package auction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/registry"
	"github.com/vinayprograms/swarmkit/tasks"
)

type harness struct {
	t     *testing.T
	bus   *bus.MemoryBus
	reg   *registry.Registry
	coord *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	reg := registry.New(registry.Config{Logger: logging.Discard()})
	if cfg.Window == 0 {
		cfg.Window = 50 * time.Millisecond
	}
	if cfg.ResultTimeout == 0 {
		cfg.ResultTimeout = time.Second
	}
	cfg.Logger = logging.Discard()
	h := &harness{t: t, bus: mb, reg: reg, coord: NewCoordinator(reg, mb, cfg)}
	t.Cleanup(func() {
		h.coord.Close()
		reg.Close()
		mb.Close()
	})
	return h
}

func (h *harness) register(id string, load float64, types ...tasks.TaskType) {
	h.t.Helper()
	if len(types) == 0 {
		types = []tasks.TaskType{tasks.CodeAnalysis}
	}
	_, err := h.reg.Register(registry.WorkerInfo{
		ID:              id,
		Name:            "worker-" + id,
		Specializations: types,
		MaxConcurrent:   1,
		BaseConfidence:  0.5,
	})
	if err != nil {
		h.t.Fatalf("register %s: %v", id, err)
	}
	if err := h.reg.Heartbeat(id, load); err != nil {
		h.t.Fatalf("heartbeat %s: %v", id, err)
	}
}

// inbox subscribes to a worker's direct subject.
func (h *harness) inbox(id string) bus.Subscription {
	h.t.Helper()
	sub, err := h.bus.Subscribe(protocol.WorkerSubject(id))
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { sub.Unsubscribe() })
	return sub
}

func (h *harness) open(tt tasks.TaskType) *Auction {
	h.t.Helper()
	a, err := h.coord.Open(context.Background(), tasks.New(tt, tasks.Moderate, "test", nil))
	if err != nil {
		h.t.Fatalf("Open failed: %v", err)
	}
	return a
}

func (h *harness) bid(a *Auction, workerID string, confidence, match float64) error {
	return h.coord.SubmitBid(protocol.Bid{
		TaskID:              a.TaskID(),
		WorkerID:            workerID,
		Confidence:          confidence,
		SpecializationMatch: match,
		Timestamp:           time.Now(),
	})
}

func expectEnvelope(t *testing.T, sub bus.Subscription, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Kind != kind {
			t.Fatalf("kind = %s, want %s", env.Kind, kind)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", kind)
	}
	return protocol.Envelope{}
}

func expectNothing(t *testing.T, sub bus.Subscription, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message on %s", msg.Subject)
	case <-time.After(wait):
	}
}

func waitOutcome(t *testing.T, a *Auction) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	o, err := a.Wait(ctx)
	if err != nil {
		t.Fatalf("auction %s did not resolve: %v", a.TaskID(), err)
	}
	return o
}

// --- Unit Tests ---

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "Open"},
		{StateClosed, "Closed"},
		{StateAssigned, "Assigned"},
		{StateCompleted, "Completed"},
		{StateFailed, "Failed"},
		{State(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestResultTimeout(t *testing.T) {
	c := NewCoordinator(nil, nil, Config{ResultTimeout: time.Minute, EstimateMultiplier: 2})
	now := time.Now()

	tests := []struct {
		name     string
		estimate time.Duration
		deadline time.Time
		want     time.Duration
	}{
		{"ceiling without estimate", 0, time.Time{}, time.Minute},
		{"estimate scaled", 10 * time.Second, time.Time{}, 20 * time.Second},
		{"estimate capped", time.Hour, time.Time{}, time.Minute},
		{"deadline wins", 10 * time.Second, now.Add(5 * time.Second), 5 * time.Second},
		{"passed deadline floors", 0, now.Add(-time.Second), time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tasks.Task{Deadline: tt.deadline}
			got := c.resultTimeout(task, protocol.Bid{EstimatedDuration: tt.estimate}, now)
			if got != tt.want {
				t.Errorf("resultTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Coordinator Tests ---

func TestOpenNoEligibleWorkers(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0, tasks.CodeAnalysis)

	broadcasts, _ := h.bus.Subscribe(protocol.SubjectBroadcast)
	defer broadcasts.Unsubscribe()

	_, err := h.coord.Open(context.Background(), tasks.New(tasks.VulnerabilityScanning, tasks.Simple, "", nil))
	if !errors.Is(err, errors.ErrCodeNoEligibleWorkers) {
		t.Fatalf("Open error = %v, want NO_ELIGIBLE_WORKERS", err)
	}
	expectNothing(t, broadcasts, 50*time.Millisecond)

	if c := h.coord.Counts(); c.Live != 0 {
		t.Errorf("Counts = %+v, want no live auctions", c)
	}
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)

	tests := []struct {
		name string
		task tasks.Task
	}{
		{"invalid type", tasks.Task{ID: "t1"}},
		{"bad payload", tasks.Task{ID: "t2", Type: tasks.CodeAnalysis, Payload: []byte("{")}},
		{"expired deadline", tasks.Task{ID: "t3", Type: tasks.CodeAnalysis, Deadline: time.Now().Add(-time.Minute)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.coord.Open(context.Background(), tt.task); !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Open error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestOpenBroadcastsTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)

	broadcasts, _ := h.bus.Subscribe(protocol.SubjectBroadcast)
	defer broadcasts.Unsubscribe()

	a := h.open(tasks.CodeAnalysis)
	env := expectEnvelope(t, broadcasts, protocol.KindTaskBroadcast)

	var tb protocol.TaskBroadcast
	if err := env.Into(&tb); err != nil {
		t.Fatal(err)
	}
	if tb.Task.ID != a.TaskID() || tb.Task.Type != tasks.CodeAnalysis {
		t.Errorf("broadcast task = %+v", tb.Task)
	}
	if !tb.ClosesAt.Equal(a.ClosesAt()) {
		t.Errorf("ClosesAt = %v, want %v", tb.ClosesAt, a.ClosesAt())
	}
}

func TestOpenDuplicateTask(t *testing.T) {
	h := newHarness(t, Config{Window: time.Second})
	h.register("w1", 0)

	task := tasks.New(tasks.CodeAnalysis, tasks.Simple, "", nil)
	if _, err := h.coord.Open(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Open(context.Background(), task); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("second Open error = %v, want CONFLICT", err)
	}
}

func TestHighestScoreWins(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("a", 0.4)
	h.register("b", 0.1)
	inboxA := h.inbox("a")
	inboxB := h.inbox("b")

	a := h.open(tasks.CodeAnalysis)
	if err := h.bid(a, "b", 0.7, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := h.bid(a, "a", 0.9, 1.0); err != nil {
		t.Fatal(err)
	}

	env := expectEnvelope(t, inboxA, protocol.KindAssignment)
	var asg protocol.Assignment
	env.Into(&asg)
	if asg.WorkerID != "a" || asg.Task.ID != a.TaskID() {
		t.Errorf("assignment = %+v", asg)
	}
	expectNothing(t, inboxB, 30*time.Millisecond)

	if a.State() != StateAssigned {
		t.Errorf("State = %v, want Assigned", a.State())
	}
	if w, _ := h.reg.Get("a"); w.Status != registry.StatusBusy {
		t.Errorf("winner status = %v, want Busy", w.Status)
	}

	err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "a", Success: true})
	if err != nil {
		t.Fatalf("SubmitResult failed: %v", err)
	}

	o := waitOutcome(t, a)
	if o.State != StateCompleted || o.WorkerID != "a" || o.Err != nil {
		t.Errorf("outcome = %+v", o)
	}
	if o.Result == nil || !o.Result.Success {
		t.Errorf("result = %+v", o.Result)
	}
	if w, _ := h.reg.Get("a"); w.Status != registry.StatusIdle {
		t.Errorf("winner status after result = %v, want Idle", w.Status)
	}
}

func TestLastBidWins(t *testing.T) {
	h := newHarness(t, Config{Window: time.Second})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 0.2, 0.2)
	h.bid(a, "w1", 0.9, 0.8)

	bids := a.Bids()
	if len(bids) != 1 {
		t.Fatalf("bids = %d, want 1", len(bids))
	}
	if bids[0].Confidence != 0.9 || bids[0].SpecializationMatch != 0.8 {
		t.Errorf("kept bid = %+v, want the later one", bids[0])
	}
}

func TestNoBidsFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	a := h.open(tasks.CodeAnalysis)
	o := waitOutcome(t, a)

	if o.State != StateFailed {
		t.Errorf("State = %v, want Failed", o.State)
	}
	if !errors.Is(o.Err, errors.ErrCodeAuctionNoBids) {
		t.Errorf("Err = %v, want AUCTION_NO_BIDS", o.Err)
	}
	if o.WorkerID != "" {
		t.Errorf("WorkerID = %q, want none", o.WorkerID)
	}
	expectNothing(t, inbox, 20*time.Millisecond)
}

func TestBidFromDepartedWorkerIgnoredAtClose(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 1, 1)
	h.reg.Deregister("w1")

	o := waitOutcome(t, a)
	if !errors.Is(o.Err, errors.ErrCodeAuctionNoBids) {
		t.Errorf("Err = %v, want AUCTION_NO_BIDS", o.Err)
	}
}

func TestRejectedBids(t *testing.T) {
	h := newHarness(t, Config{Window: time.Second})
	h.register("coder", 0, tasks.CodeAnalysis)
	h.register("scanner", 0, tasks.VulnerabilityScanning)

	a := h.open(tasks.CodeAnalysis)

	tests := []struct {
		name   string
		bid    protocol.Bid
		reason string
	}{
		{"unknown auction", protocol.Bid{TaskID: "nope", WorkerID: "coder", Confidence: 1}, ReasonNoAuction},
		{"unknown worker", protocol.Bid{TaskID: a.TaskID(), WorkerID: "ghost", Confidence: 1}, ReasonUnknownWorker},
		{"wrong specialty", protocol.Bid{TaskID: a.TaskID(), WorkerID: "scanner", Confidence: 1}, ReasonWrongSpecialty},
		{"out of range", protocol.Bid{TaskID: a.TaskID(), WorkerID: "coder", Confidence: 3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.coord.SubmitBid(tt.bid)
			if !errors.Is(err, errors.ErrCodeInvalidBid) {
				t.Fatalf("SubmitBid error = %v, want INVALID_BID", err)
			}
			if tt.reason != "" {
				if got := errors.AsSwarmError(err).Metadata()["reason"]; got != tt.reason {
					t.Errorf("reason = %q, want %q", got, tt.reason)
				}
			}
			if IsLate(err) {
				t.Error("rejection marked late")
			}
		})
	}

	if n := len(a.Bids()); n != 0 {
		t.Errorf("auction holds %d bids after rejections", n)
	}
}

func TestAssignmentTimeout(t *testing.T) {
	h := newHarness(t, Config{ResultTimeout: 50 * time.Millisecond})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	o := waitOutcome(t, a)
	if o.State != StateFailed || !errors.Is(o.Err, errors.ErrCodeAssignmentTimeout) {
		t.Fatalf("outcome = %+v, want Failed/ASSIGNMENT_TIMEOUT", o)
	}
	if o.WorkerID != "w1" {
		t.Errorf("WorkerID = %q, want w1", o.WorkerID)
	}
	expectEnvelope(t, inbox, protocol.KindCancellation)

	w, _ := h.reg.Get("w1")
	if w.Status == registry.StatusBusy {
		t.Error("timed-out worker still Busy")
	}
	if !w.Distrusted {
		t.Error("timed-out worker still trusted")
	}
	if got := h.reg.Eligible(tasks.CodeAnalysis); len(got) != 0 {
		t.Error("distrusted worker still eligible")
	}

	h.reg.Heartbeat("w1", 0)
	if got := h.reg.Eligible(tasks.CodeAnalysis); len(got) != 1 {
		t.Error("worker not eligible again after heartbeat")
	}

	err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "w1", Success: true})
	if !IsLate(err) {
		t.Errorf("late result error = %v, want late rejection", err)
	}
}

func TestFallbackToRunnerUp(t *testing.T) {
	h := newHarness(t, Config{ResultTimeout: 50 * time.Millisecond, FallbackToRunnerUp: true})
	h.register("first", 0)
	h.register("second", 0)
	inboxFirst := h.inbox("first")
	inboxSecond := h.inbox("second")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "first", 1, 1)
	h.bid(a, "second", 0.5, 0.5)

	expectEnvelope(t, inboxFirst, protocol.KindAssignment)
	expectEnvelope(t, inboxSecond, protocol.KindAssignment)

	if w, _ := a.Winner(); w != "second" {
		t.Fatalf("winner after fallback = %q, want second", w)
	}
	if err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "first", Success: true}); err == nil {
		t.Error("result from replaced worker accepted")
	}
	if err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "second", Success: true}); err != nil {
		t.Fatalf("SubmitResult failed: %v", err)
	}

	o := waitOutcome(t, a)
	if o.State != StateCompleted || o.WorkerID != "second" {
		t.Errorf("outcome = %+v", o)
	}
}

func TestNoFallbackByDefault(t *testing.T) {
	h := newHarness(t, Config{ResultTimeout: 50 * time.Millisecond})
	h.register("first", 0)
	h.register("second", 0)
	inboxSecond := h.inbox("second")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "first", 1, 1)
	h.bid(a, "second", 0.5, 0.5)

	o := waitOutcome(t, a)
	if !errors.Is(o.Err, errors.ErrCodeAssignmentTimeout) {
		t.Errorf("Err = %v, want ASSIGNMENT_TIMEOUT", o.Err)
	}
	expectNothing(t, inboxSecond, 30*time.Millisecond)
}

func TestEarlyClose(t *testing.T) {
	h := newHarness(t, Config{Window: 10 * time.Second, EarlyClose: true})
	h.register("a", 0)
	h.register("b", 0)
	inboxA := h.inbox("a")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "a", 1, 1)
	if a.State() != StateOpen {
		t.Fatalf("closed before every eligible worker bid")
	}
	h.bid(a, "b", 0.1, 0.1)

	expectEnvelope(t, inboxA, protocol.KindAssignment)
}

func TestTimerOnlyCloseByDefault(t *testing.T) {
	h := newHarness(t, Config{Window: 200 * time.Millisecond})
	h.register("a", 0)

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "a", 1, 1)

	time.Sleep(50 * time.Millisecond)
	if a.State() != StateOpen {
		t.Errorf("State = %v before the window ended, want Open", a.State())
	}
}

func TestCancelOpenAuction(t *testing.T) {
	h := newHarness(t, Config{Window: 50 * time.Millisecond})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 1, 1)

	if !h.coord.Cancel(a.TaskID()) {
		t.Fatal("Cancel returned false")
	}
	if h.coord.Cancel(a.TaskID()) {
		t.Error("second Cancel returned true")
	}

	o := waitOutcome(t, a)
	if o.State != StateFailed || !errors.Is(o.Err, errors.ErrCodeTaskCancelled) {
		t.Fatalf("outcome = %+v, want Failed/TASK_CANCELLED", o)
	}

	if err := h.bid(a, "w1", 1, 1); !IsLate(err) {
		t.Errorf("bid after cancel error = %v, want late rejection", err)
	}

	// The window timer must not resurrect the auction.
	time.Sleep(100 * time.Millisecond)
	expectNothing(t, inbox, 10*time.Millisecond)
	if o2, _ := a.Outcome(); o2.State != StateFailed || !errors.Is(o2.Err, errors.ErrCodeTaskCancelled) {
		t.Errorf("outcome changed after cancel: %+v", o2)
	}
}

func TestCancelAssignedTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	if !h.coord.Cancel(a.TaskID()) {
		t.Fatal("Cancel returned false")
	}
	env := expectEnvelope(t, inbox, protocol.KindCancellation)
	var cn protocol.Cancellation
	env.Into(&cn)
	if cn.TaskID != a.TaskID() || cn.WorkerID != "w1" {
		t.Errorf("cancellation = %+v", cn)
	}

	if w, _ := h.reg.Get("w1"); w.Status != registry.StatusIdle {
		t.Errorf("status after cancel = %v, want Idle", w.Status)
	}
	if err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "w1", Success: true}); err == nil {
		t.Error("result after cancel accepted")
	}
	if o, _ := a.Outcome(); o.Result != nil {
		t.Error("result recorded after cancel")
	}
}

func TestFailedResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	a := h.open(tasks.CodeAnalysis)
	h.bid(a, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "w1", Success: false, Error: "disk full"})

	o := waitOutcome(t, a)
	if o.State != StateCompleted {
		t.Errorf("State = %v, want Completed", o.State)
	}
	if !errors.Is(o.Err, errors.ErrCodeTaskFailed) {
		t.Errorf("Err = %v, want TASK_FAILED", o.Err)
	}
}

func TestResultBeforeAssignmentRejected(t *testing.T) {
	h := newHarness(t, Config{Window: time.Second})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	err := h.coord.SubmitResult(tasks.Result{TaskID: a.TaskID(), WorkerID: "w1", Success: true})
	if !errors.Is(err, errors.ErrCodeInvalidBid) {
		t.Errorf("error = %v, want INVALID_BID", err)
	}
	if a.State() != StateOpen {
		t.Errorf("State = %v, want Open", a.State())
	}
}

func TestCapacityRespected(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	first := h.open(tasks.CodeAnalysis)
	h.bid(first, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	// Full workers are not eligible, so nothing can be auctioned.
	_, err := h.coord.Open(context.Background(), tasks.New(tasks.CodeAnalysis, tasks.Simple, "", nil))
	if !errors.Is(err, errors.ErrCodeNoEligibleWorkers) {
		t.Errorf("Open while worker full error = %v, want NO_ELIGIBLE_WORKERS", err)
	}
}

func TestLateResultAfterReregistration(t *testing.T) {
	h := newHarness(t, Config{})
	h.register("w1", 0)
	inbox := h.inbox("w1")

	first := h.open(tasks.CodeAnalysis)
	h.bid(first, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	// The worker restarts while still running the first task.
	if err := h.reg.Deregister("w1"); err != nil {
		t.Fatal(err)
	}
	h.register("w1", 0)

	second := h.open(tasks.CodeAnalysis)
	h.bid(second, "w1", 1, 1)
	expectEnvelope(t, inbox, protocol.KindAssignment)

	err := h.coord.SubmitResult(tasks.Result{TaskID: first.TaskID(), WorkerID: "w1", Success: true})
	if err != nil {
		t.Fatalf("late SubmitResult failed: %v", err)
	}
	if o := waitOutcome(t, first); o.State != StateCompleted {
		t.Errorf("first outcome = %+v, want Completed", o)
	}

	w, _ := h.reg.Get("w1")
	if w.Status != registry.StatusBusy || w.ActiveTasks != 1 {
		t.Errorf("after late result: status=%v active=%d, want Busy 1", w.Status, w.ActiveTasks)
	}
	if h.reg.IsEligible("w1", tasks.CodeAnalysis) {
		t.Error("worker still running the second task reported eligible")
	}

	h.coord.SubmitResult(tasks.Result{TaskID: second.TaskID(), WorkerID: "w1", Success: true})
	waitOutcome(t, second)
	if w, _ := h.reg.Get("w1"); w.Status != registry.StatusIdle || w.ActiveTasks != 0 {
		t.Errorf("after second result: status=%v active=%d", w.Status, w.ActiveTasks)
	}
}

func TestBidTimestampIsReceiptTime(t *testing.T) {
	var ticks atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}
	h := newHarness(t, Config{Window: 100 * time.Millisecond, Clock: clock})
	h.register("a", 0)
	h.register("b", 0)
	inboxA := h.inbox("a")
	inboxB := h.inbox("b")

	a := h.open(tasks.CodeAnalysis)
	// Equal scores: b bids first, a claims a much earlier timestamp.
	if err := h.coord.SubmitBid(protocol.Bid{
		TaskID: a.TaskID(), WorkerID: "b", Confidence: 0.8, SpecializationMatch: 0.8,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.SubmitBid(protocol.Bid{
		TaskID: a.TaskID(), WorkerID: "a", Confidence: 0.8, SpecializationMatch: 0.8,
		Timestamp: base.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	for _, b := range a.Bids() {
		if b.Timestamp.Before(base) {
			t.Errorf("bid from %s kept timestamp %v", b.WorkerID, b.Timestamp)
		}
	}

	expectEnvelope(t, inboxB, protocol.KindAssignment)
	expectNothing(t, inboxA, 30*time.Millisecond)
	if winner, _ := a.Winner(); winner != "b" {
		t.Errorf("winner = %q, want b", winner)
	}
}

func TestConcurrentAuctionsIsolated(t *testing.T) {
	h := newHarness(t, Config{Window: 300 * time.Millisecond})
	const workers = 6
	const auctions = 8
	for i := 0; i < workers; i++ {
		h.register(fmt.Sprintf("w%d", i), 0)
	}

	opened := make([]*Auction, auctions)
	for i := range opened {
		opened[i] = h.open(tasks.CodeAnalysis)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for _, a := range opened {
				for k := 0; k < 3; k++ {
					h.bid(a, fmt.Sprintf("w%d", n), float64(k)/3, 0.5)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, a := range opened {
		bids := a.Bids()
		if len(bids) != workers {
			t.Errorf("auction %s holds %d bids, want %d", a.TaskID(), len(bids), workers)
		}
		for _, b := range bids {
			if b.TaskID != a.TaskID() {
				t.Errorf("auction %s holds bid for %s", a.TaskID(), b.TaskID)
			}
			if b.Confidence != 2.0/3 {
				t.Errorf("bid from %s kept confidence %v, want the last", b.WorkerID, b.Confidence)
			}
		}
	}

	c := h.coord.Counts()
	if c.Open != auctions {
		t.Errorf("Counts.Open = %d, want %d", c.Open, auctions)
	}
}

func TestCancelRacesClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, Config{Window: time.Millisecond})
		h.register("w1", 0)
		a := h.open(tasks.CodeAnalysis)
		h.bid(a, "w1", 1, 1)

		time.Sleep(time.Millisecond)
		cancelled := h.coord.Cancel(a.TaskID())

		o := waitOutcome(t, a)
		if cancelled && !errors.Is(o.Err, errors.ErrCodeTaskCancelled) {
			t.Fatalf("Cancel reported success but outcome = %+v", o)
		}
		if !cancelled && o.State == StateFailed && errors.Is(o.Err, errors.ErrCodeTaskCancelled) {
			t.Fatalf("Cancel reported failure but outcome is cancelled")
		}
	}
}

func TestOnResolveCalledOnce(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	h := newHarness(t, Config{OnResolve: func(a *Auction) {
		mu.Lock()
		calls[a.TaskID()]++
		mu.Unlock()
	}})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	h.coord.Cancel(a.TaskID())
	h.coord.Cancel(a.TaskID())
	waitOutcome(t, a)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls[a.TaskID()] != 1 {
		t.Errorf("OnResolve called %d times, want 1", calls[a.TaskID()])
	}
}

func TestDoneAfterOnResolve(t *testing.T) {
	var resolved atomic.Bool
	h := newHarness(t, Config{OnResolve: func(a *Auction) {
		time.Sleep(20 * time.Millisecond)
		resolved.Store(true)
	}})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	h.coord.Cancel(a.TaskID())
	waitOutcome(t, a)

	if !resolved.Load() {
		t.Error("Done closed before OnResolve returned")
	}
}

func TestCloseFailsLiveAuctions(t *testing.T) {
	h := newHarness(t, Config{Window: time.Second})
	h.register("w1", 0)

	a := h.open(tasks.CodeAnalysis)
	h.coord.Close()

	o := waitOutcome(t, a)
	if !errors.Is(o.Err, errors.ErrCodeClosed) {
		t.Errorf("Err = %v, want CLOSED", o.Err)
	}
	if _, err := h.coord.Open(context.Background(), tasks.New(tasks.CodeAnalysis, tasks.Simple, "", nil)); !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("Open after Close error = %v, want CLOSED", err)
	}
}
