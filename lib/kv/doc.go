// Package kv implements a replicated key-value store on top of the
// replication core in lib/vsr. It provides a strongly consistent
// implementation of the IStore interface backed by pluggable in-memory
// engines.
//
// Architecture:
//
// The package consists of three main components:
//
//   - Store Client: Implements the IStore interface. It serializes
//     operations into commands, submits them to a replica node, and
//     decodes the replies. One Store is one client session with its own
//     monotonically increasing request numbers.
//
//   - State Machine: A vsr.IStateMachine implementation that executes
//     committed commands against an IEngine. Every replica runs the same
//     state machine over the same log, so all engines hold the same data.
//
//   - Engines: IEngine implementations holding the actual data. The map
//     engine supports the full feature set including logical TTLs, the
//     cache engine trades features for a fixed memory ceiling.
//
// Consistency Model:
//
//	All operations, reads included, are commands in the replicated log.
//	An operation returns once it is committed, which requires a quorum of
//	replicas to have journaled it, and its result is computed by the
//	state machine at that log position. Operations are therefore
//	linearizable: each one observes every operation committed before it.
//
// Write Index Semantics:
//
//	Engines receive each write together with its op number, the write
//	index. TTL offsets (ExpireIn, DeleteIn) count in write indexes, not
//	wall time, so expiry is evaluated identically on every replica. An
//	entry with ExpireAt = 100 is expired exactly when the store has
//	applied op 100, no matter when that happens on a given machine.
//
// Usage (single process):
//
//	engine := kv.NewMapEngine(nil)
//	node, _ := vsr.NewNode(1, cfg, kv.NewStateMachine(engine), journal, sender, nil)
//	store := kv.NewStore(node, vsr.ClientID(42))
//
//	_ = store.Set(ctx, "answer", []byte("42"))
//	value, found, _ := store.Get(ctx, "answer")
//
// Section: Error Handling
//
// Command-level failures (unknown operation, unsupported feature by the
// chosen engine, malformed bytes) come back as *kv.Error with a RetCode.
// Replication-level failures (not the leader, submission timeout) come
// back as *vsr.Error so callers can redirect to the hinted leader.
package kv
