package results

import (
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/tasks"
)

// KeyPrefix is the store prefix for archived records.
const KeyPrefix = "swarm.results."

// Key is the store key for a task's record.
func Key(taskID string) string {
	return KeyPrefix + taskID
}

// Status is the final status of an archived task.
type Status string

const (
	// StatusSuccess means the winner reported a successful result.
	StatusSuccess Status = "success"

	// StatusFailed means the task resolved without a successful result.
	StatusFailed Status = "failed"
)

// Valid returns true if the status is a known value.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Record is the archived resolution of one task.
type Record struct {
	TaskID   string         `json:"task_id"`
	TaskType tasks.TaskType `json:"task_type"`
	Status   Status         `json:"status"`

	// State is the auction's terminal state name.
	State string `json:"state"`

	WorkerID string        `json:"worker_id,omitempty"`
	Result   *tasks.Result `json:"result,omitempty"`
	Error    *errors.Error `json:"error,omitempty"`
	Bids     int           `json:"bids"`

	OpenedAt   time.Time `json:"opened_at"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// SetError stores err as a structured error.
func (r *Record) SetError(err error) {
	if err == nil {
		r.Error = nil
		return
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		r.Error = e
		return
	}
	r.Error = errors.Wrap(err, "task failed")
}

// Filter specifies criteria for listing records.
type Filter struct {
	// Status filters by status. Empty means all.
	Status Status

	// TaskType filters by type. The zero value means all.
	TaskType tasks.TaskType

	// WorkerID filters by assigned worker.
	WorkerID string

	// ResolvedAfter keeps records resolved after this time.
	ResolvedAfter time.Time

	// Limit caps the number of records returned. 0 means no limit.
	Limit int
}

// Matches returns true if the record matches the filter criteria.
func (f Filter) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.TaskType.Valid() && r.TaskType != f.TaskType {
		return false
	}
	if f.WorkerID != "" && r.WorkerID != f.WorkerID {
		return false
	}
	if !f.ResolvedAfter.IsZero() && !r.ResolvedAt.After(f.ResolvedAfter) {
		return false
	}
	return true
}

// Config configures an Archive.
type Config struct {
	// Retention is how long records stay in the store. Zero keeps them
	// until the store drops them.
	Retention time.Duration

	// DrainCapacity bounds the queue of successful results awaiting
	// Drain. The oldest is discarded when full. Default 1024.
	DrainCapacity int

	Logger *logging.Logger
}

// Archive records task resolutions in the state store and queues
// successful results for the owner to drain.
type Archive struct {
	store  state.StateStore
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	pending []tasks.Result
}

// NewArchive creates an archive over store.
func NewArchive(store state.StateStore, cfg Config) *Archive {
	if cfg.DrainCapacity <= 0 {
		cfg.DrainCapacity = 1024
	}
	return &Archive{
		store:  store,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).WithComponent("results"),
	}
}

// Record stores rec and, for a successful result, queues it for Drain.
// The queue is updated even when the store write fails.
func (a *Archive) Record(rec Record) error {
	if rec.TaskID == "" {
		return errors.InvalidInput("record needs a task id")
	}
	if !rec.Status.Valid() {
		return errors.InvalidInput("record status is invalid", errors.WithTaskID(rec.TaskID))
	}
	if !rec.TaskType.Valid() {
		return errors.InvalidInput("record task type is invalid", errors.WithTaskID(rec.TaskID))
	}

	if rec.Status == StatusSuccess && rec.Result != nil {
		a.mu.Lock()
		a.pending = append(a.pending, *rec.Result)
		if over := len(a.pending) - a.cfg.DrainCapacity; over > 0 {
			a.pending = append(a.pending[:0:0], a.pending[over:]...)
		}
		a.mu.Unlock()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record", errors.WithTaskID(rec.TaskID))
	}
	if err := a.store.Put(Key(rec.TaskID), data, a.cfg.Retention); err != nil {
		a.logger.Warn("archive write failed", map[string]interface{}{
			"task_id": rec.TaskID,
			"error":   err.Error(),
		})
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "store record", errors.WithTaskID(rec.TaskID))
	}
	return nil
}

// Get returns the archived record for a task.
func (a *Archive) Get(taskID string) (*Record, error) {
	data, err := a.store.Get(Key(taskID))
	if stderrors.Is(err, state.ErrNotFound) {
		return nil, errors.NotFound("no record for task", errors.WithTaskID(taskID))
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "load record", errors.WithTaskID(taskID))
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode record", errors.WithTaskID(taskID))
	}
	return &rec, nil
}

// List returns archived records matching filter, sorted by task id.
// Records that expire or vanish while listing are skipped.
func (a *Archive) List(filter Filter) ([]*Record, error) {
	keys, err := a.store.Keys(KeyPrefix + "*")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list records")
	}

	var out []*Record
	for _, key := range keys {
		rec, err := a.Get(strings.TrimPrefix(key, KeyPrefix))
		if err != nil {
			continue
		}
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Drain returns successful results recorded since the last Drain, oldest
// first.
func (a *Archive) Drain() []tasks.Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.pending
	a.pending = nil
	return out
}
