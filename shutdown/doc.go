// Package shutdown stops swarmd's components in order.
//
// Handlers are registered in numbered phases. On Shutdown (or SIGTERM and
// SIGINT, after HandleSignals) phases run from lowest to highest, and the
// handlers inside one phase run concurrently. swarmd uses four phases:
//
//	PhaseIntake    stop accepting tasks and registrations
//	PhaseSwarm     fail live auctions, stop loops and in-process workers
//	PhaseTransport close the bus and the state store
//	PhaseTelemetry flush and stop trace export
//
// A failed handler does not stop later phases unless StopOnError is set.
// Every handler shares the shutdown context, so a handler that ignores it
// can still be cut off by the overall timeout.
package shutdown
