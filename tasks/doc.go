// Package tasks defines the units of work the swarm auctions and the
// results workers report back.
//
// TaskType is a closed set of known categories plus an open Custom
// variant:
//
//	t := tasks.New(tasks.CodeAnalysis, tasks.Complex, "review diff", payload)
//	custom := tasks.Custom("translation")
//
// Text form is the variant name ("CodeAnalysis") or "Custom(label)", used
// in JSON and configuration.
package tasks
