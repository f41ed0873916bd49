package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/protocol"
)

// BusSender publishes heartbeats to the coordinator's inbound subject.
type BusSender struct {
	bus      bus.MessageBus
	workerID string
	interval time.Duration
	loadFn   LoadFunc

	mu     sync.RWMutex
	load   float64
	active int

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	return &BusSender{
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		interval: interval,
		loadFn:   cfg.Load,
	}, nil
}

// Start begins sending heartbeats at the configured interval.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main heartbeat loop.
func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	// Send initial heartbeat immediately
	s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat()
		}
	}
}

// Beat publishes one heartbeat.
func (s *BusSender) Beat() error {
	data, err := Encode(s.build())
	if err != nil {
		return err
	}
	return s.bus.Publish(protocol.SubjectInbound, data)
}

// build creates a heartbeat with current state.
func (s *BusSender) build() protocol.Heartbeat {
	var load float64
	var active int
	if s.loadFn != nil {
		load, active = s.loadFn()
	} else {
		s.mu.RLock()
		load, active = s.load, s.active
		s.mu.RUnlock()
	}

	return protocol.Heartbeat{
		WorkerID:    s.workerID,
		Load:        clampLoad(load),
		ActiveTasks: active,
		Timestamp:   time.Now(),
	}
}

// SetLoad updates the reported load.
func (s *BusSender) SetLoad(load float64, activeTasks int) {
	s.mu.Lock()
	s.load = clampLoad(load)
	s.active = activeTasks
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// WorkerID returns the sender's worker ID.
func (s *BusSender) WorkerID() string {
	return s.workerID
}

// MemorySender is a test implementation that records sent heartbeats.
type MemorySender struct {
	workerID string
	interval time.Duration

	mu     sync.RWMutex
	load   float64
	active int
	sent   []protocol.Heartbeat

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMemorySender creates a sender for testing.
func NewMemorySender(workerID string, interval time.Duration) *MemorySender {
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	return &MemorySender{
		workerID: workerID,
		interval: interval,
	}
}

// Start begins recording heartbeats.
func (s *MemorySender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *MemorySender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat()
		}
	}
}

// Beat records one heartbeat.
func (s *MemorySender) Beat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, protocol.Heartbeat{
		WorkerID:    s.workerID,
		Load:        s.load,
		ActiveTasks: s.active,
		Timestamp:   time.Now(),
	})
	return nil
}

func (s *MemorySender) SetLoad(load float64, activeTasks int) {
	s.mu.Lock()
	s.load = clampLoad(load)
	s.active = activeTasks
	s.mu.Unlock()
}

func (s *MemorySender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns all recorded heartbeats.
func (s *MemorySender) Sent() []protocol.Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]protocol.Heartbeat, len(s.sent))
	copy(result, s.sent)
	return result
}

// Clear clears recorded heartbeats.
func (s *MemorySender) Clear() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}
