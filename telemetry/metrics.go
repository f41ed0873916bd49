package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records swarm instruments. Instruments are created once and are
// safe for concurrent use.
//
// Instruments:
//   - swarm.auction.opened (Int64Counter), attribute task_type
//   - swarm.auction.resolved (Int64Counter), attributes task_type, state
//   - swarm.auction.duration (Float64Histogram) seconds from open to resolution
//   - swarm.bids (Int64Counter), attribute outcome ("accepted", "replaced", "dropped")
//   - swarm.workers.pruned (Int64Counter), attribute reason
//   - swarm.alerts (Int64Counter), attributes severity, outcome ("queued", "rate_limited")
type Metrics struct {
	opened   metric.Int64Counter
	resolved metric.Int64Counter
	duration metric.Float64Histogram
	bids     metric.Int64Counter
	pruned   metric.Int64Counter
	alerts   metric.Int64Counter
}

// NewMetrics returns metrics backed by the global MeterProvider.
func NewMetrics() *Metrics {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// NoopMetrics returns metrics that record nothing.
func NoopMetrics() *Metrics {
	return MetricsWithMeter(noop.NewMeterProvider().Meter(""))
}

// MetricsWithMeter returns metrics using the provided meter. On instrument
// errors the OTel API hands back noop instruments, so errors are ignored.
func MetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.opened, _ = meter.Int64Counter("swarm.auction.opened",
		metric.WithDescription("Auctions opened"),
		metric.WithUnit("{auction}"))
	m.resolved, _ = meter.Int64Counter("swarm.auction.resolved",
		metric.WithDescription("Auctions reaching a terminal state"),
		metric.WithUnit("{auction}"))
	m.duration, _ = meter.Float64Histogram("swarm.auction.duration",
		metric.WithDescription("Time from auction open to resolution in seconds"),
		metric.WithUnit("s"))
	m.bids, _ = meter.Int64Counter("swarm.bids",
		metric.WithDescription("Bids received by the coordinator"),
		metric.WithUnit("{bid}"))
	m.pruned, _ = meter.Int64Counter("swarm.workers.pruned",
		metric.WithDescription("Workers removed from the registry"),
		metric.WithUnit("{worker}"))
	m.alerts, _ = meter.Int64Counter("swarm.alerts",
		metric.WithDescription("Alerts raised by workers"),
		metric.WithUnit("{alert}"))
	return m
}

// AuctionOpened counts an opened auction.
func (m *Metrics) AuctionOpened(ctx context.Context, taskType string) {
	m.opened.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

// AuctionResolved counts a resolution and records its duration.
func (m *Metrics) AuctionResolved(ctx context.Context, taskType, state string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("state", state),
	)
	m.resolved.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Bid counts a bid by outcome.
func (m *Metrics) Bid(ctx context.Context, outcome string) {
	m.bids.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// WorkerPruned counts a removed worker.
func (m *Metrics) WorkerPruned(ctx context.Context, reason string) {
	m.pruned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Alert counts an alert by severity and outcome.
func (m *Metrics) Alert(ctx context.Context, severity, outcome string) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
		attribute.String("outcome", outcome),
	))
}
