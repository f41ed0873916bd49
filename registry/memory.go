package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/tasks"
)

// Registry tracks worker identity, capability, load and liveness.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	watchers []chan Event
	closed   bool

	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// New creates a registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		workers: make(map[string]*Worker),
		cfg:     cfg,
		now:     now,
		logger:  logging.OrDefault(cfg.Logger).WithComponent("registry"),
	}
}

// HeartbeatTimeout returns the configured liveness timeout.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.cfg.HeartbeatTimeout
}

func (r *Registry) alive(w *Worker, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) <= r.cfg.HeartbeatTimeout
}

// Register adds a worker. A live worker with the same id is a
// DuplicateRegistration; a stale one is replaced.
func (r *Registry) Register(info WorkerInfo) (Worker, error) {
	if err := info.Validate(); err != nil {
		return Worker{}, err
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Worker{}, errors.Closed("registry")
	}

	now := r.now()
	eventType := EventAdded
	if existing, ok := r.workers[info.ID]; ok {
		if r.alive(existing, now) {
			r.mu.Unlock()
			return Worker{}, errors.DuplicateRegistration(info.ID)
		}
		eventType = EventUpdated
	}

	w := &Worker{
		ID:              info.ID,
		Name:            info.Name,
		Specializations: append([]tasks.TaskType(nil), info.Specializations...),
		MaxConcurrent:   info.MaxConcurrent,
		BaseConfidence:  info.BaseConfidence,
		Status:          StatusIdle,
		LastHeartbeat:   now,
		RegisteredAt:    now,
	}
	r.workers[w.ID] = w
	snapshot := w.clone()
	r.notifyWatchers(Event{Type: eventType, Worker: snapshot})
	r.mu.Unlock()

	r.mirror(snapshot)
	specs := make([]string, len(snapshot.Specializations))
	for i, s := range snapshot.Specializations {
		specs[i] = s.String()
	}
	r.logger.WorkerRegistered(snapshot.ID, snapshot.Name, specs)
	return snapshot, nil
}

// Deregister removes a worker.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Closed("registry")
	}
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownWorker(id)
	}
	delete(r.workers, id)
	snapshot := w.clone()
	snapshot.Status = StatusOffline
	r.notifyWatchers(Event{Type: EventRemoved, Worker: snapshot, Reason: ReasonDeregistered})
	r.mu.Unlock()

	r.unmirror(id)
	r.logger.WorkerRemoved(id, ReasonDeregistered)
	return nil
}

// Heartbeat records liveness and load. Load is clamped into [0, 1]. A
// heartbeat restores trust in a worker that missed a result deadline.
func (r *Registry) Heartbeat(id string, load float64) error {
	if load < 0 || load != load {
		load = 0
	}
	if load > 1 {
		load = 1
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Closed("registry")
	}
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownWorker(id)
	}
	w.Load = load
	w.LastHeartbeat = r.now()
	w.Distrusted = false
	snapshot := w.clone()
	r.notifyWatchers(Event{Type: EventUpdated, Worker: snapshot})
	r.mu.Unlock()

	r.mirror(snapshot)
	return nil
}

// Get returns a copy of one worker.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// List returns every registered worker sorted by id.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) eligible(w *Worker, tt tasks.TaskType, now time.Time) bool {
	return w.CanHandle(tt) &&
		w.Status != StatusOffline &&
		r.alive(w, now) &&
		!w.Distrusted &&
		len(w.running) < w.MaxConcurrent
}

// Eligible returns the workers that can take a task of this type right
// now, sorted by id: they advertise the type, are not Offline, have a
// fresh heartbeat, are trusted, and have spare capacity.
func (r *Registry) Eligible(tt tasks.TaskType) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var result []Worker
	for _, w := range r.workers {
		if r.eligible(w, tt, now) {
			result = append(result, w.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Best returns the eligible worker with the lowest load, ties broken by id.
func (r *Registry) Best(tt tasks.TaskType) (Worker, bool) {
	eligible := r.Eligible(tt)
	if len(eligible) == 0 {
		return Worker{}, false
	}
	best := eligible[0]
	for _, w := range eligible[1:] {
		if w.Load < best.Load {
			best = w
		}
	}
	return best, true
}

// IsEligible reports whether one worker may currently take the task type.
func (r *Registry) IsEligible(id string, tt tasks.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	return ok && r.eligible(w, tt, r.now())
}

// BeginTask records taskID as assigned to the worker. The worker is Busy
// while it has any. A worker already running MaxConcurrent tasks is
// rejected with CAPACITY.
func (r *Registry) BeginTask(id, taskID string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownWorker(id)
	}
	if _, running := w.running[taskID]; running {
		r.mu.Unlock()
		return errors.Conflict("task already assigned to worker", errors.WithWorkerID(id), errors.WithTaskID(taskID))
	}
	if len(w.running) >= w.MaxConcurrent {
		r.mu.Unlock()
		return errors.New(errors.ErrCodeCapacity, "worker is at capacity", errors.WithWorkerID(id))
	}
	if w.running == nil {
		w.running = make(map[string]struct{})
	}
	w.running[taskID] = struct{}{}
	w.settle()
	snapshot := w.clone()
	r.notifyWatchers(Event{Type: EventUpdated, Worker: snapshot})
	r.mu.Unlock()

	r.mirror(snapshot)
	return nil
}

// EndTask releases taskID. It is a no-op unless the worker's current
// registration holds that task: a worker removed and registered again
// while a task ran starts with a fresh slot set.
func (r *Registry) EndTask(id, taskID string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, running := w.running[taskID]; !running {
		r.mu.Unlock()
		return
	}
	delete(w.running, taskID)
	w.settle()
	snapshot := w.clone()
	r.notifyWatchers(Event{Type: EventUpdated, Worker: snapshot})
	r.mu.Unlock()

	r.mirror(snapshot)
}

// Distrust excludes a worker from eligibility until its next heartbeat.
func (r *Registry) Distrust(id string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	w.Distrusted = true
	snapshot := w.clone()
	r.notifyWatchers(Event{Type: EventUpdated, Worker: snapshot})
	r.mu.Unlock()

	r.mirror(snapshot)
}

// Sweep removes every worker whose last heartbeat is older than the
// heartbeat timeout at now, and returns them marked Offline.
func (r *Registry) Sweep(now time.Time) []Worker {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	var removed []Worker
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			delete(r.workers, id)
			snapshot := w.clone()
			snapshot.Status = StatusOffline
			removed = append(removed, snapshot)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].ID < removed[j].ID
	})
	for _, w := range removed {
		r.notifyWatchers(Event{Type: EventRemoved, Worker: w, Reason: ReasonExpired})
	}
	r.mu.Unlock()

	for _, w := range removed {
		r.unmirror(w.ID)
		r.logger.WorkerRemoved(w.ID, ReasonExpired)
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Counts summarises the registry.
type Counts struct {
	Total  int
	Active int
	Busy   int
}

// Counts returns how many workers are registered, live, and busy.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	c := Counts{Total: len(r.workers)}
	for _, w := range r.workers {
		if w.Status != StatusOffline && r.alive(w, now) {
			c.Active++
		}
		if w.Status == StatusBusy {
			c.Busy++
		}
	}
	return c
}

// Watch returns a channel of registry events. Events are dropped for a
// watcher whose buffer is full. The channel closes with the registry.
func (r *Registry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.Closed("registry")
	}
	ch := make(chan Event, 256)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry and closes watcher channels.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// notifyWatchers must be called with r.mu held.
func (r *Registry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Registry) mirror(w Worker) {
	if r.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		r.logger.Warn("mirror encode failed", map[string]interface{}{"worker_id": w.ID, "error": err.Error()})
		return
	}
	if err := r.cfg.Store.Put(StoreKey(w.ID), data, 0); err != nil {
		r.logger.Warn("mirror write failed", map[string]interface{}{"worker_id": w.ID, "error": err.Error()})
	}
}

func (r *Registry) unmirror(id string) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.Delete(StoreKey(id)); err != nil {
		r.logger.Warn("mirror delete failed", map[string]interface{}{"worker_id": id, "error": err.Error()})
	}
}
