// Package worker is the worker side of the swarm: it registers with the
// coordinator, keeps a heartbeat going, bids on broadcast tasks, executes
// the tasks it wins and reports their results, all over the message bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/heartbeat"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Handler executes an assigned task. The context is cancelled when the
// coordinator cancels the task or the worker shuts down.
type Handler interface {
	Execute(ctx context.Context, task tasks.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task tasks.Task) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task tasks.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Config describes the worker and how it reaches the swarm.
type Config struct {
	// ID is the worker id. Empty lets the coordinator assign one.
	ID   string
	Name string

	Specializations []tasks.TaskType

	// MaxConcurrent bounds how many assignments run at once.
	// Default: 1
	MaxConcurrent int

	// BaseConfidence is the confidence the default bidder offers.
	BaseConfidence float64

	Bus bus.MessageBus

	// HeartbeatInterval must stay well under the registry's heartbeat
	// timeout.
	// Default: 5 seconds
	HeartbeatInterval time.Duration

	// RegisterTimeout bounds each registration request.
	// Default: 5 seconds
	RegisterTimeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Bus == nil:
		return errors.InvalidInput("worker bus is required")
	case c.Name == "":
		return errors.InvalidInput("worker name is required")
	case len(c.Specializations) == 0:
		return errors.InvalidInput("worker needs at least one specialization")
	case c.MaxConcurrent < 0:
		return errors.InvalidInput("max concurrent must not be negative")
	case c.BaseConfidence < 0 || c.BaseConfidence > 1:
		return errors.InvalidInput("base confidence must be within [0, 1]")
	}
	for _, s := range c.Specializations {
		if !s.Valid() {
			return errors.InvalidInput(fmt.Sprintf("invalid specialization %q", s.String()))
		}
	}
	return nil
}

// Option customizes a Worker.
type Option func(*Worker)

// WithBidder replaces the default bidder.
func WithBidder(b Bidder) Option {
	return func(w *Worker) { w.bidder = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// Worker is a swarm member.
type Worker struct {
	cfg     Config
	handler Handler
	bidder  Bidder
	log     *logging.Logger
	tracer  *telemetry.Tracer

	mu      sync.Mutex
	id      string
	running map[string]context.CancelFunc

	started  atomic.Bool
	executed atomic.Int64
	failed   atomic.Int64
	wg       sync.WaitGroup
}

// New creates a worker. It does nothing until Run.
func New(cfg Config, handler Handler, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.InvalidInput("worker handler is required")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeat.DefaultSenderConfig().Interval
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 5 * time.Second
	}

	w := &Worker{
		cfg:     cfg,
		handler: handler,
		id:      cfg.ID,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.bidder == nil {
		w.bidder = DefaultBidder(cfg.Specializations, cfg.BaseConfidence)
	}
	if w.log == nil {
		w.log = logging.New()
	}
	w.log = w.log.WithComponent("worker")
	if w.tracer == nil {
		w.tracer = telemetry.GetTracer()
	}
	return w, nil
}

// ID returns the worker id, which may be assigned at registration.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Name returns the display name.
func (w *Worker) Name() string { return w.cfg.Name }

// Active returns the number of executing tasks.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Load is the fraction of the worker's capacity in use.
func (w *Worker) Load() float64 {
	return float64(w.Active()) / float64(w.cfg.MaxConcurrent)
}

// Executed counts tasks that finished successfully.
func (w *Worker) Executed() int64 { return w.executed.Load() }

// Failed counts tasks that finished with an error.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run registers the worker and serves the swarm until ctx is cancelled or
// the bus closes. On the way out it waits for running tasks and
// deregisters.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.Conflict("worker is already running")
	}

	if err := w.register(); err != nil {
		return err
	}

	broadcast, err := w.cfg.Bus.Subscribe(protocol.SubjectBroadcast)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "subscribe to broadcasts")
	}
	defer broadcast.Unsubscribe()

	direct, err := w.cfg.Bus.Subscribe(protocol.WorkerSubject(w.ID()))
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "subscribe to direct subject")
	}
	defer direct.Unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:      w.cfg.Bus,
		WorkerID: w.ID(),
		Interval: w.cfg.HeartbeatInterval,
		Load: func() (float64, int) {
			active := w.Active()
			return float64(active) / float64(w.cfg.MaxConcurrent), active
		},
	})
	if err != nil {
		return err
	}
	if err := sender.Start(gctx); err != nil {
		return err
	}

	w.log.Info("worker started", map[string]interface{}{
		"worker_id": w.ID(),
		"name":      w.cfg.Name,
	})

	g.Go(func() error {
		return w.serve(gctx, broadcast, func(env protocol.Envelope) {
			if env.Kind == protocol.KindTaskBroadcast {
				w.consider(env)
			}
		})
	})
	g.Go(func() error {
		return w.serve(gctx, direct, func(env protocol.Envelope) {
			w.direct(gctx, env)
		})
	})

	err = g.Wait()

	sender.Stop()
	w.cancelAll()
	w.wg.Wait()
	w.deregister("shutdown")

	w.log.Info("worker stopped", map[string]interface{}{
		"worker_id": w.ID(),
		"executed":  w.Executed(),
		"failed":    w.Failed(),
	})

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serve feeds decoded envelopes from sub to handle until ctx ends or the
// subscription closes.
func (w *Worker) serve(ctx context.Context, sub bus.Subscription, handle func(protocol.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.Closed("bus")
			}
			env, err := protocol.Decode(msg.Data)
			if err != nil {
				w.log.Warn("dropping malformed message", map[string]interface{}{
					"subject": msg.Subject,
					"error":   err.Error(),
				})
				continue
			}
			handle(env)
		}
	}
}

func (w *Worker) direct(ctx context.Context, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindAssignment:
		var a protocol.Assignment
		if err := env.Into(&a); err != nil {
			w.log.Warn("dropping malformed assignment", map[string]interface{}{"error": err.Error()})
			return
		}
		w.start(ctx, a)

	case protocol.KindCancellation:
		var c protocol.Cancellation
		if err := env.Into(&c); err != nil {
			w.log.Warn("dropping malformed cancellation", map[string]interface{}{"error": err.Error()})
			return
		}
		if w.cancel(c.TaskID) {
			w.log.Info("task cancelled by coordinator", map[string]interface{}{
				"task_id": c.TaskID,
				"reason":  c.Reason,
			})
		}

	case protocol.KindDeregistration:
		var d protocol.Deregistration
		if err := env.Into(&d); err != nil {
			return
		}
		w.log.Warn("coordinator dropped this worker, re-registering", map[string]interface{}{
			"worker_id": d.WorkerID,
			"reason":    d.Reason,
		})
		if err := w.register(); err != nil && !errors.Is(err, errors.ErrCodeDuplicateRegistration) {
			w.log.Error("re-registration failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// register sends a Registration and waits for the ack.
func (w *Worker) register() error {
	specs := make([]string, len(w.cfg.Specializations))
	for i, s := range w.cfg.Specializations {
		specs[i] = s.String()
	}

	data, err := protocol.Encode(protocol.KindRegistration, protocol.Registration{
		WorkerID:        w.ID(),
		Name:            w.cfg.Name,
		Specializations: specs,
		MaxConcurrent:   w.cfg.MaxConcurrent,
		BaseConfidence:  w.cfg.BaseConfidence,
	})
	if err != nil {
		return errors.Wrap(err, "encode registration")
	}

	reply, err := w.cfg.Bus.Request(protocol.SubjectRegister, data, w.cfg.RegisterTimeout)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "registration request failed")
	}

	env, err := protocol.Decode(reply.Data)
	if err != nil {
		return errors.Wrap(err, "decode registration ack")
	}
	if env.Kind != protocol.KindRegistrationAck {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("unexpected registration reply %q", env.Kind))
	}
	var ack protocol.RegistrationAck
	if err := env.Into(&ack); err != nil {
		return errors.Wrap(err, "decode registration ack")
	}
	if !ack.Accepted {
		if ack.Error != nil {
			return ack.Error
		}
		return errors.New(errors.ErrCodeInternal, "registration rejected")
	}

	w.mu.Lock()
	w.id = ack.WorkerID
	w.mu.Unlock()
	return nil
}

func (w *Worker) deregister(reason string) {
	if err := w.publish(protocol.SubjectInbound, protocol.KindDeregistration, protocol.Deregistration{
		WorkerID: w.ID(),
		Reason:   reason,
	}); err != nil {
		w.log.Debug("deregistration not sent", map[string]interface{}{"error": err.Error()})
	}
}

// consider bids on a broadcast task if the bidder wants it.
func (w *Worker) consider(env protocol.Envelope) {
	var tb protocol.TaskBroadcast
	if err := env.Into(&tb); err != nil {
		w.log.Warn("dropping malformed broadcast", map[string]interface{}{"error": err.Error()})
		return
	}
	now := time.Now()
	if !tb.ClosesAt.IsZero() && now.After(tb.ClosesAt) {
		return
	}

	offer, ok := w.bidder.Bid(tb.Task, w.Load())
	if !ok {
		return
	}

	bid := protocol.Bid{
		TaskID:              tb.Task.ID,
		WorkerID:            w.ID(),
		WorkerName:          w.cfg.Name,
		Confidence:          offer.Confidence,
		SpecializationMatch: offer.SpecializationMatch,
		EstimatedDuration:   offer.EstimatedDuration,
		Timestamp:           now,
	}
	if err := bid.Validate(); err != nil {
		w.log.Warn("bidder produced an invalid bid", map[string]interface{}{
			"task_id": bid.TaskID,
			"error":   err.Error(),
		})
		return
	}
	if err := w.publish(protocol.SubjectInbound, protocol.KindBid, bid); err != nil {
		w.log.Warn("bid not sent", map[string]interface{}{
			"task_id": bid.TaskID,
			"error":   err.Error(),
		})
	}
}

// start runs an assignment in its own goroutine.
func (w *Worker) start(ctx context.Context, a protocol.Assignment) {
	task := a.Task

	w.mu.Lock()
	if _, dup := w.running[task.ID]; dup {
		w.mu.Unlock()
		return
	}
	if len(w.running) >= w.cfg.MaxConcurrent {
		w.mu.Unlock()
		w.report(task, nil, errors.New(errors.ErrCodeCapacity, "worker at capacity"), 0)
		return
	}
	var cancel context.CancelFunc
	var execCtx context.Context
	if a.ResultDeadline.IsZero() {
		execCtx, cancel = context.WithCancel(ctx)
	} else {
		execCtx, cancel = context.WithDeadline(ctx, a.ResultDeadline)
	}
	w.running[task.ID] = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, task.ID)
			w.mu.Unlock()
			cancel()
		}()

		start := time.Now()
		spanCtx, span := w.tracer.StartExecutionSpan(execCtx, w.ID(), task.ID, task.Type.String())
		payload, err := w.execute(spanCtx, task)
		w.tracer.EndExecutionSpan(span, err == nil, err)

		if execCtx.Err() == context.Canceled && ctx.Err() == nil {
			// Cancelled by the coordinator; it no longer wants a result.
			return
		}
		w.report(task, payload, err, time.Since(start))
	}()
}

// execute calls the handler, turning a panic into an error.
func (w *Worker) execute(ctx context.Context, task tasks.Task) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Panic(r, errors.WithTaskID(task.ID), errors.WithWorkerID(w.ID()))
			w.log.Error("handler panicked", map[string]interface{}{
				"task_id": task.ID,
				"panic":   fmt.Sprint(r),
			})
		}
	}()
	return w.handler.Execute(ctx, task)
}

// report publishes the task result.
func (w *Worker) report(task tasks.Task, payload json.RawMessage, err error, elapsed time.Duration) {
	result := tasks.Result{
		TaskID:      task.ID,
		WorkerID:    w.ID(),
		WorkerName:  w.cfg.Name,
		Success:     err == nil,
		Payload:     payload,
		Duration:    elapsed,
		CompletedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
		result.Payload = nil
		w.failed.Add(1)
	} else {
		w.executed.Add(1)
	}

	if perr := w.publish(protocol.SubjectInbound, protocol.KindTaskResult, result); perr != nil {
		w.log.Error("result not sent", map[string]interface{}{
			"task_id": task.ID,
			"error":   perr.Error(),
		})
	}
}

func (w *Worker) cancel(taskID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.running {
		cancel()
	}
}

// RaiseAlert sends an out-of-band alert to the coordinator.
func (w *Worker) RaiseAlert(ctx context.Context, severity protocol.Severity, category, description string, details interface{}) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "raise alert")
	}
	if !severity.Valid() {
		return errors.InvalidInput(fmt.Sprintf("invalid severity %q", severity))
	}

	alert := protocol.Alert{
		WorkerID:    w.ID(),
		WorkerName:  w.cfg.Name,
		Severity:    severity,
		Category:    category,
		Description: description,
		Timestamp:   time.Now(),
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return errors.InvalidInput("alert details are not JSON encodable", errors.WithCause(err))
		}
		alert.Details = raw
	}
	return w.publish(protocol.SubjectInbound, protocol.KindAlertRaised, alert)
}

func (w *Worker) publish(subject string, kind protocol.Kind, v interface{}) error {
	data, err := protocol.Encode(kind, v)
	if err != nil {
		return errors.Wrap(err, "encode "+string(kind))
	}
	if err := w.cfg.Bus.Publish(subject, data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "publish "+string(kind))
	}
	return nil
}
