// Package state provides the key-value store the swarm persists through.
//
// The registry mirrors worker records into it and the results archive keeps
// resolved task outcomes there. Two backends implement StateStore:
//
//	// Production: NATS JetStream KV
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   natsBus.Conn(),
//	    Bucket: "swarm-results",
//	    TTL:    time.Hour,
//	})
//
//	// Single process and tests
//	store := state.NewMemoryStore()
//
//	store.Put("swarm.results.t1", data, time.Hour)
//	keys, _ := store.Keys("swarm.results.*")
package state
