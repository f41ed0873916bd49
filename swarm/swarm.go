// Package swarm is the single entry point to the task-auction engine.
//
// A Swarm owns the registry, the auction coordinator, the alert inbox and
// the result archive, and routes worker traffic from the message bus into
// them. Callers submit tasks and get a Handle back immediately; the
// auction, assignment and execution happen in the background.
//
//	s, _ := swarm.New(config.Default())
//	s.Start(ctx)
//	defer s.Close()
//
//	h, err := s.Submit(ctx, tasks.New(tasks.CodeAnalysis, tasks.Moderate, "review", nil))
//	result, err := h.Wait(ctx)
package swarm

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/swarmkit/alerts"
	"github.com/vinayprograms/swarmkit/auction"
	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/config"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/registry"
	"github.com/vinayprograms/swarmkit/results"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Option customizes a Swarm.
type Option func(*Swarm)

// WithBus uses mb instead of a private in-memory bus. The caller keeps
// ownership and closes it.
func WithBus(mb bus.MessageBus) Option {
	return func(s *Swarm) { s.bus = mb }
}

// WithStore backs the registry mirror and the result archive with store.
// The caller keeps ownership and closes it.
func WithStore(store state.StateStore) Option {
	return func(s *Swarm) { s.store = store }
}

// WithLogger sets the logger for every component.
func WithLogger(l *logging.Logger) Option {
	return func(s *Swarm) { s.log = l }
}

// WithTracer sets the tracer for auction spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Swarm) { s.tracer = t }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Swarm) { s.metrics = m }
}

// Swarm is the explicit context that owns every swarm component. Nothing
// in the engine is global.
type Swarm struct {
	cfg     config.Config
	bus     bus.MessageBus
	store   state.StateStore
	log     *logging.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	ownsBus   bool
	ownsStore bool

	registry *registry.Registry
	coord    *auction.Coordinator
	inbox    *alerts.Inbox
	archive  *results.Archive

	visible atomic.Bool
	started atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	subs   []bus.Subscription
}

// New builds a swarm from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Swarm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidInput(err.Error(), errors.WithCause(err))
	}

	s := &Swarm{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logging.New()
		if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
			s.log.SetLevel(level)
		}
	}
	if s.tracer == nil {
		s.tracer = telemetry.GetTracer()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics()
	}
	if s.bus == nil {
		s.bus = bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize})
		s.ownsBus = true
	}
	if s.store == nil {
		s.store = state.NewMemoryStore()
		s.ownsStore = true
	}

	s.registry = registry.New(registry.Config{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.Duration,
		SweepInterval:    cfg.Registry.SweepInterval.Duration,
		Store:            s.store,
		Logger:           s.log,
	})
	s.archive = results.NewArchive(s.store, results.Config{
		Retention: cfg.Results.Retention.Duration,
		Logger:    s.log,
	})
	s.inbox = alerts.NewInbox(alerts.Config{
		Rate:     cfg.Alerts.Rate,
		Burst:    cfg.Alerts.Burst,
		Capacity: cfg.Alerts.Capacity,
		Logger:   s.log,
		Metrics:  s.metrics,
	})
	s.coord = auction.NewCoordinator(s.registry, s.bus, auction.Config{
		Window:             cfg.Auction.Window.Duration,
		ResultTimeout:      cfg.Auction.ResultTimeout.Duration,
		EstimateMultiplier: cfg.Auction.EstimateMultiplier,
		EarlyClose:         cfg.Auction.EarlyCloseOnFullParticipation,
		FallbackToRunnerUp: cfg.Auction.FallbackToRunnerUp,
		OnResolve:          s.archiveOutcome,
		Logger:             s.log,
		Tracer:             s.tracer,
		Metrics:            s.metrics,
	})
	s.visible.Store(cfg.Facade.Visible)
	s.log = s.log.WithComponent("swarm")
	return s, nil
}

// Start subscribes to worker traffic and starts the background loops:
// the bus router, the registry sweep and the registry event watcher.
func (s *Swarm) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errors.Closed("swarm")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.Conflict("swarm already started")
	}

	register, err := s.bus.Subscribe(protocol.SubjectRegister)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "subscribe to registrations")
	}
	inbound, err := s.bus.Subscribe(protocol.SubjectInbound)
	if err != nil {
		register.Unsubscribe()
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "subscribe to inbound")
	}
	events, err := s.registry.Watch()
	if err != nil {
		register.Unsubscribe()
		inbound.Unsubscribe()
		return err
	}

	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)

	s.mu.Lock()
	s.cancel = cancel
	s.group = g
	s.subs = []bus.Subscription{register, inbound}
	s.mu.Unlock()

	g.Go(func() error { return s.route(gctx, register, s.handleRegistration) })
	g.Go(func() error { return s.route(gctx, inbound, s.handleInbound) })
	g.Go(func() error { return s.registry.Run(gctx) })
	g.Go(func() error {
		s.watch(gctx, events)
		return nil
	})

	s.log.Info("swarm started", map[string]interface{}{
		"window":            s.cfg.Auction.Window.String(),
		"heartbeat_timeout": s.cfg.Registry.HeartbeatTimeout.String(),
		"early_close":       s.cfg.Auction.EarlyCloseOnFullParticipation,
		"fallback":          s.cfg.Auction.FallbackToRunnerUp,
	})
	return nil
}

// watch turns registry removals into metrics and forgets the removed
// worker's alert limiter.
func (s *Swarm) watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventRemoved {
				s.metrics.WorkerPruned(ctx, ev.Reason)
				s.inbox.Forget(ev.Worker.ID)
			}
		}
	}
}

// Close fails every live auction with CLOSED, stops the background loops
// and releases what the swarm created itself.
func (s *Swarm) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.coord.Close()

	s.mu.Lock()
	cancel, g, subs := s.cancel, s.group, s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}

	s.registry.Close()
	s.inbox.Close()
	if s.ownsBus {
		s.bus.Close()
	}
	if s.ownsStore {
		s.store.Close()
	}

	s.log.Info("swarm stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// Submit opens an auction for task and returns without waiting for it.
// Validation failures and NO_ELIGIBLE_WORKERS are returned directly.
func (s *Swarm) Submit(ctx context.Context, task tasks.Task) (*Handle, error) {
	if s.closed.Load() {
		return nil, errors.Closed("swarm")
	}
	a, err := s.coord.Open(ctx, task)
	if err != nil {
		return nil, err
	}
	return &Handle{auction: a}, nil
}

// Cancel fails the handle's task with TASK_CANCELLED if it has not
// resolved yet. Later bids and results for it are dropped.
func (s *Swarm) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	return s.coord.Cancel(h.TaskID())
}

// DrainAlerts returns and clears pending alerts.
func (s *Swarm) DrainAlerts() []protocol.Alert {
	return s.inbox.Drain()
}

// AlertStream delivers alerts as they arrive. Call stop when done.
func (s *Swarm) AlertStream() (<-chan protocol.Alert, func()) {
	return s.inbox.Stream()
}

// DrainResults returns and clears successful results not yet drained.
func (s *Swarm) DrainResults() []tasks.Result {
	return s.archive.Drain()
}

// Result returns the archived resolution of a task.
func (s *Swarm) Result(taskID string) (*results.Record, error) {
	return s.archive.Get(taskID)
}

// Results lists archived resolutions.
func (s *Swarm) Results(filter results.Filter) ([]*results.Record, error) {
	return s.archive.List(filter)
}

// SetVisible toggles whether Status reports real data.
func (s *Swarm) SetVisible(v bool) {
	s.visible.Store(v)
}

// Visible reports whether Status reports real data.
func (s *Swarm) Visible() bool {
	return s.visible.Load()
}

// BestWorkerFor returns the least loaded eligible worker for tt without
// running an auction.
func (s *Swarm) BestWorkerFor(tt tasks.TaskType) (registry.Worker, bool) {
	return s.registry.Best(tt)
}

// Registry exposes the worker registry.
func (s *Swarm) Registry() *registry.Registry { return s.registry }

// Bus exposes the message bus, for in-process workers.
func (s *Swarm) Bus() bus.MessageBus { return s.bus }

// archiveOutcome records a resolved auction in the result archive.
func (s *Swarm) archiveOutcome(a *auction.Auction) {
	o, ok := a.Outcome()
	if !ok {
		return
	}

	rec := results.Record{
		TaskID:     o.TaskID,
		TaskType:   o.TaskType,
		Status:     results.StatusFailed,
		State:      o.State.String(),
		WorkerID:   o.WorkerID,
		Result:     o.Result,
		Bids:       o.Bids,
		OpenedAt:   o.OpenedAt,
		ResolvedAt: o.ResolvedAt,
	}
	if o.Err == nil && o.Result != nil && o.Result.Success {
		rec.Status = results.StatusSuccess
	}
	rec.SetError(o.Err)

	if err := s.archive.Record(rec); err != nil {
		s.log.Warn("outcome not archived", map[string]interface{}{
			"task_id": o.TaskID,
			"error":   err.Error(),
		})
	}
}
