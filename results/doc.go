// Package results archives how each task resolved.
//
// Every terminal auction becomes a Record stored as JSON in the injected
// state.StateStore under swarm.results.<task_id>, expiring after the
// configured retention. With a NATS-backed store the archive is shared by
// every coordinator on the cluster.
//
//	archive := results.NewArchive(store, results.Config{Retention: time.Hour})
//	archive.Record(rec)
//	rec, err := archive.Get(taskID)
//	failed, err := archive.List(results.Filter{Status: results.StatusFailed})
//
// Successful results are also queued in memory until the owner calls
// Drain, mirroring how alerts are drained.
package results
