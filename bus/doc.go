// Package bus provides the message fabric between the swarm coordinator
// and its workers.
//
// The MessageBus interface offers pub/sub and request/reply over two
// backends: MemoryBus for a single process and NATSBus for workers in
// other processes. Both give each subscription a bounded buffer; when a
// subscriber falls behind, the oldest queued message is discarded so a
// stalled worker can never stall the publisher or other subscribers.
//
// Messages from one publishing goroutine reach each subscriber in the
// order they were published.
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	sub, _ := b.Subscribe("swarm.inbound")
//	b.Publish("swarm.inbound", data)
//	msg := <-sub.Messages()
package bus
