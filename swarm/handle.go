package swarm

import (
	"context"
	"time"

	"github.com/vinayprograms/swarmkit/auction"
	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/registry"
	"github.com/vinayprograms/swarmkit/tasks"
)

// Handle tracks one submitted task.
type Handle struct {
	auction *auction.Auction
}

// TaskID returns the submitted task's id.
func (h *Handle) TaskID() string { return h.auction.TaskID() }

// State returns the auction's current state.
func (h *Handle) State() auction.State { return h.auction.State() }

// Done is closed when the task resolves.
func (h *Handle) Done() <-chan struct{} { return h.auction.Done() }

// Outcome returns the resolution once the task has resolved.
func (h *Handle) Outcome() (auction.Outcome, bool) { return h.auction.Outcome() }

// Wait blocks until the task resolves or ctx ends. A completed task whose
// worker reported failure returns both the result and a TASK_FAILED error.
func (h *Handle) Wait(ctx context.Context) (*tasks.Result, error) {
	o, err := h.auction.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return o.Result, o.Err
}

// Status is a point-in-time view of the swarm.
type Status struct {
	// Hidden is set, and every other field zero, when the swarm is not
	// visible.
	Hidden bool `json:"hidden"`

	TotalWorkers  int `json:"total_workers"`
	ActiveWorkers int `json:"active_workers"`
	OpenAuctions  int `json:"open_auctions"`
	ActiveTasks   int `json:"active_tasks"`

	// PendingAlerts is how many alerts await DrainAlerts.
	PendingAlerts int `json:"pending_alerts"`

	// DroppedAlerts counts pending alerts evicted from a full inbox.
	DroppedAlerts uint64 `json:"dropped_alerts"`

	// DroppedMessages counts bus messages evicted from full subscriber
	// queues, when the bus reports it.
	DroppedMessages uint64 `json:"dropped_messages"`

	Workers []WorkerStatus `json:"workers,omitempty"`
}

// WorkerStatus is one worker's line in a Status.
type WorkerStatus struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Specializations      []string        `json:"specializations"`
	Status               registry.Status `json:"status"`
	Load                 float64         `json:"load"`
	ActiveTasks          int             `json:"active_tasks"`
	LastHeartbeatAgoSecs float64         `json:"last_heartbeat_ago_secs"`
}

// Status returns counts of workers, auctions and running tasks, or a
// hidden placeholder when the swarm is not visible.
func (s *Swarm) Status() Status {
	if !s.visible.Load() {
		return Status{Hidden: true}
	}

	rc := s.registry.Counts()
	ac := s.coord.Counts()
	st := Status{
		TotalWorkers:  rc.Total,
		ActiveWorkers: rc.Active,
		OpenAuctions:  ac.Open,
		ActiveTasks:   ac.Assigned,
		PendingAlerts: s.inbox.Len(),
		DroppedAlerts: s.inbox.Dropped(),
	}
	if dc, ok := s.bus.(bus.DropCounter); ok {
		st.DroppedMessages = dc.Dropped()
	}
	now := time.Now()
	for _, w := range s.registry.List() {
		specs := make([]string, len(w.Specializations))
		for i, tt := range w.Specializations {
			specs[i] = tt.String()
		}
		st.Workers = append(st.Workers, WorkerStatus{
			ID:                   w.ID,
			Name:                 w.Name,
			Specializations:      specs,
			Status:               w.Status,
			Load:                 w.Load,
			ActiveTasks:          w.ActiveTasks,
			LastHeartbeatAgoSecs: now.Sub(w.LastHeartbeat).Seconds(),
		})
	}
	return st
}
