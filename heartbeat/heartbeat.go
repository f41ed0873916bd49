package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/protocol"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Sender sends periodic heartbeats.
type Sender interface {
	// Start begins sending heartbeats at the configured interval.
	// Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	// SetLoad updates the load (0.0 to 1.0) and active task count
	// reported in heartbeats.
	SetLoad(load float64, activeTasks int)

	// Beat sends one heartbeat now, outside the schedule.
	Beat() error

	// Stop stops sending heartbeats.
	// Returns ErrNotStarted if not running.
	Stop() error
}

// LoadFunc samples the worker's load when a heartbeat is built.
type LoadFunc func() (load float64, activeTasks int)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// WorkerID identifies the sending worker.
	WorkerID string

	// Interval between heartbeats. Keep it well under the registry's
	// heartbeat timeout.
	// Default: 5 seconds
	Interval time.Duration

	// Load, if set, is sampled for every heartbeat instead of the value
	// given to SetLoad.
	Load LoadFunc
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.WorkerID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

func clampLoad(load float64) float64 {
	if load < 0 || load != load {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

// Encode wraps a heartbeat in a bus envelope.
func Encode(hb protocol.Heartbeat) ([]byte, error) {
	return protocol.Encode(protocol.KindHeartbeat, hb)
}
