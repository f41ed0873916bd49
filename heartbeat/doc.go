// Package heartbeat sends worker liveness signals to the coordinator.
//
// Each worker runs a Sender that publishes a protocol.Heartbeat on the
// inbound subject at a fixed interval, carrying its current load and
// active task count. The coordinator's registry records the heartbeat and
// its periodic sweep removes workers whose heartbeats stop.
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:      bus,
//	    WorkerID: "scanner-1",
//	    Interval: 5 * time.Second,
//	    Load: func() (float64, int) {
//	        return float64(active) / float64(max), active
//	    },
//	})
//	sender.Start(ctx)
//	defer sender.Stop()
//
// Keep the interval a fraction of the registry's heartbeat timeout so a
// single lost heartbeat does not expire a healthy worker.
package heartbeat
