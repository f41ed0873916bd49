// Package alerts collects out-of-band alerts raised by workers.
//
// Alerts are independent of auctions. The Inbox throttles each worker with
// its own token bucket, keeps a bounded queue of pending alerts for
// Drain, and fans every accepted alert out to Stream subscribers. When
// the queue is full the oldest pending alert is discarded.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/protocol"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Config configures an Inbox.
type Config struct {
	// Rate is alerts per second allowed per worker. Zero means unlimited.
	Rate float64

	// Burst is the per-worker burst size. Default 10.
	Burst int

	// Capacity bounds the pending queue. Default 1024.
	Capacity int

	// StreamBuffer is the channel size for each Stream subscriber.
	// Default 64.
	StreamBuffer int

	Clock   func() time.Time
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// DefaultConfig returns the standard alert limits.
func DefaultConfig() Config {
	return Config{
		Rate:         5,
		Burst:        10,
		Capacity:     1024,
		StreamBuffer: 64,
	}
}

// Inbox holds pending alerts. Safe for concurrent use.
type Inbox struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  []protocol.Alert
	dropped  uint64
	streams  map[int]chan protocol.Alert
	nextID   int
	closed   bool

	cfg     Config
	now     func() time.Time
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewInbox creates an alert inbox.
func NewInbox(cfg Config) *Inbox {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Inbox{
		limiters: make(map[string]*rate.Limiter),
		streams:  make(map[int]chan protocol.Alert),
		cfg:      cfg,
		now:      now,
		logger:   logging.OrDefault(cfg.Logger).WithComponent("alerts"),
		metrics:  metrics,
	}
}

// Validate checks an alert's required fields.
func Validate(a protocol.Alert) error {
	switch {
	case a.WorkerID == "":
		return errors.InvalidInput("alert needs a worker id")
	case !a.Severity.Valid():
		return errors.InvalidInput("alert severity is invalid", errors.WithWorkerID(a.WorkerID))
	case a.Category == "":
		return errors.InvalidInput("alert needs a category", errors.WithWorkerID(a.WorkerID))
	}
	return nil
}

// Push accepts an alert. A missing id or timestamp is filled in. Workers
// over their rate get RATE_LIMITED and the alert is discarded.
func (in *Inbox) Push(a protocol.Alert) error {
	if err := Validate(a); err != nil {
		return err
	}
	now := in.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return errors.Closed("alert inbox")
	}
	if !in.limiter(a.WorkerID).AllowN(now, 1) {
		in.mu.Unlock()
		in.metrics.Alert(context.Background(), string(a.Severity), "rate_limited")
		return errors.RateLimited("worker exceeded its alert rate", errors.WithWorkerID(a.WorkerID))
	}

	in.pending = append(in.pending, a)
	if over := len(in.pending) - in.cfg.Capacity; over > 0 {
		in.pending = append(in.pending[:0:0], in.pending[over:]...)
		in.dropped += uint64(over)
	}
	for _, ch := range in.streams {
		select {
		case ch <- a:
		default:
		}
	}
	in.mu.Unlock()

	in.metrics.Alert(context.Background(), string(a.Severity), "queued")
	in.logger.AlertReceived(a.WorkerID, string(a.Severity), a.Category, a.Description)
	return nil
}

// limiter returns the worker's token bucket. Callers hold in.mu.
func (in *Inbox) limiter(workerID string) *rate.Limiter {
	l, ok := in.limiters[workerID]
	if !ok {
		limit := rate.Inf
		if in.cfg.Rate > 0 {
			limit = rate.Limit(in.cfg.Rate)
		}
		l = rate.NewLimiter(limit, in.cfg.Burst)
		in.limiters[workerID] = l
	}
	return l
}

// Forget drops a departed worker's rate state.
func (in *Inbox) Forget(workerID string) {
	in.mu.Lock()
	delete(in.limiters, workerID)
	in.mu.Unlock()
}

// Drain returns the pending alerts, oldest first, and clears them.
func (in *Inbox) Drain() []protocol.Alert {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := in.pending
	in.pending = nil
	return out
}

// Len returns how many alerts are pending.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Dropped returns how many pending alerts were discarded for capacity.
func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// Stream returns a channel receiving every alert accepted from now on,
// and a function that ends the subscription. A subscriber that falls
// behind misses alerts; Drain still has them.
func (in *Inbox) Stream() (<-chan protocol.Alert, func()) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ch := make(chan protocol.Alert, in.cfg.StreamBuffer)
	if in.closed {
		close(ch)
		return ch, func() {}
	}
	id := in.nextID
	in.nextID++
	in.streams[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			in.mu.Lock()
			defer in.mu.Unlock()
			if s, ok := in.streams[id]; ok {
				delete(in.streams, id)
				close(s)
			}
		})
	}
}

// Close ends every stream and rejects further alerts.
func (in *Inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}
	in.closed = true
	for id, ch := range in.streams {
		delete(in.streams, id)
		close(ch)
	}
	return nil
}
