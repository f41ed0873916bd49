// Package registry tracks the workers in a swarm: who they are, what task
// types they specialise in, how loaded they are, and whether they are
// still alive.
//
// Liveness is driven by heartbeats. A worker whose last heartbeat is older
// than the heartbeat timeout is excluded from Eligible immediately and
// removed by the next Sweep, which Run performs on a fixed interval
// independent of any auction. Removal is announced to Watch subscribers.
//
//	reg := registry.New(registry.Config{HeartbeatTimeout: 30 * time.Second})
//	w, err := reg.Register(registry.WorkerInfo{
//	    Name:            "scanner-1",
//	    Specializations: []tasks.TaskType{tasks.VulnerabilityScanning},
//	    MaxConcurrent:   2,
//	    BaseConfidence:  0.8,
//	})
//	go reg.Run(ctx)
//	candidates := reg.Eligible(tasks.VulnerabilityScanning)
//
// A worker's Status is Busy exactly while the coordinator has at least one
// unresolved assignment recorded against it via BeginTask/EndTask.
package registry
