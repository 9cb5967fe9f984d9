// Package util provides the shared low-level building blocks of dLog:
// a lock-free multi-producer single-consumer queue (the replica mailbox
// primitive), a combined map/heap for priority-ordered eviction, seeded
// string hashing, and a size histogram used by the journal's statistics
// reporting.
//
// Everything in this package is dependency-free and reusable on its own;
// none of it knows about the replication protocol.
package util
