package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/swarmkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the errors of handlers that failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by swarmd. Lower phases stop first.
const (
	// PhaseIntake stops accepting new tasks and registrations.
	PhaseIntake = 10

	// PhaseSwarm fails live auctions and stops the swarm's loops and
	// in-process workers.
	PhaseSwarm = 20

	// PhaseTransport closes the message bus and the state store.
	PhaseTransport = 30

	// PhaseTelemetry flushes and stops trace export.
	PhaseTelemetry = 40
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called when shutdown is initiated. The context is
	// cancelled when the timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is one handler's outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal or by
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100
	DefaultPhase int

	// StopOnError ends shutdown after the first phase with a failed
	// handler. By default later phases still run.
	StopOnError bool

	// Logger receives one line per handler.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: 100,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
