// OpenTelemetry tracing for auctions and worker execution.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// instrumentationName is the scope name for swarm tracing and metrics.
const instrumentationName = "github.com/vinayprograms/swarmkit"

// Tracer wraps OpenTelemetry tracing with swarm-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include task descriptions in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global TracerProvider.
func NewTracer(debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(instrumentationName),
		debug:  debug,
	}
}

// TracerWith wraps a specific trace.Tracer, typically one built from a
// test TracerProvider.
func TracerWith(tracer trace.Tracer, debug bool) *Tracer {
	return &Tracer{tracer: tracer, debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Auction Spans ---

// AuctionSpanOptions describes the task an auction is for.
type AuctionSpanOptions struct {
	TaskID      string
	TaskType    string
	Complexity  string
	Eligible    int
	Description string // Only included if debug=true
}

// StartAuctionSpan starts the span covering one auction from open to
// resolution.
func (t *Tracer) StartAuctionSpan(ctx context.Context, opts AuctionSpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("swarm.task.id", opts.TaskID),
		attribute.String("swarm.task.type", opts.TaskType),
		attribute.String("swarm.task.complexity", opts.Complexity),
		attribute.Int("swarm.auction.eligible", opts.Eligible),
	}
	if t.debug && opts.Description != "" {
		attrs = append(attrs, attribute.String("swarm.task.description", truncate(opts.Description, 2000)))
	}
	return t.tracer.Start(ctx, "swarm.auction",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordBid adds a bid event to an auction span.
func (t *Tracer) RecordBid(span trace.Span, workerID string, confidence, match float64, replaced bool) {
	span.AddEvent("swarm.bid", trace.WithAttributes(
		attribute.String("swarm.worker.id", workerID),
		attribute.Float64("swarm.bid.confidence", confidence),
		attribute.Float64("swarm.bid.specialization_match", match),
		attribute.Bool("swarm.bid.replaced", replaced),
	))
}

// RecordAssignment adds the winner to an auction span.
func (t *Tracer) RecordAssignment(span trace.Span, workerID string, score float64, bids int) {
	span.AddEvent("swarm.assigned", trace.WithAttributes(
		attribute.String("swarm.worker.id", workerID),
		attribute.Float64("swarm.bid.score", score),
		attribute.Int("swarm.auction.bids", bids),
	))
}

// AuctionEndOptions describes how an auction resolved.
type AuctionEndOptions struct {
	State    string
	WorkerID string
	Bids     int
}

// EndAuctionSpan ends an auction span with its resolution.
func (t *Tracer) EndAuctionSpan(span trace.Span, opts AuctionEndOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("swarm.auction.state", opts.State),
		attribute.Int("swarm.auction.bids", opts.Bids),
	}
	if opts.WorkerID != "" {
		attrs = append(attrs, attribute.String("swarm.worker.id", opts.WorkerID))
	}
	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Execution Spans ---

// StartExecutionSpan starts a span for a worker running an assigned task.
func (t *Tracer) StartExecutionSpan(ctx context.Context, workerID, taskID, taskType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "swarm.execute",
		trace.WithAttributes(
			attribute.String("swarm.worker.id", workerID),
			attribute.String("swarm.task.id", taskID),
			attribute.String("swarm.task.type", taskType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndExecutionSpan ends an execution span.
func (t *Tracer) EndExecutionSpan(span trace.Span, success bool, err error) {
	span.SetAttributes(attribute.Bool("swarm.result.success", success))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
