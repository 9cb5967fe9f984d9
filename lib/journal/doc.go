// Package journal persists the replicated log and the replica metadata of
// one replica. It backs the vsr.IJournal interface consumed by the
// replica node: entries are appended before the acknowledgement for them
// leaves the machine, so a crash never forgets an op the replica told its
// peers it holds.
//
// File Layout:
//
// A journal is a single file with three regions:
//
//   - Header: magic "DLOGWAL\x00" and a format version.
//
//   - Superblock: four 64-byte slots holding the replica metadata (view,
//     last normal view, commit number, status). Each write rotates to the
//     next slot by sequence number and is CRC protected. Open picks the
//     newest valid slot, so a write torn mid-slot falls back to the state
//     before it.
//
//   - Records: framed log records, strictly append only. Every frame
//     carries both sentinels, its own file offset, the SHA-256 of the
//     previous frame and a CRC-32. An entry replaced by repair is written
//     as a newer record for the same op, a view-change truncation as a
//     marker record. Opening the journal replays the stream back into
//     the final log.
//
// Crash Semantics:
//
//	Writes stage in memory until Sync. Sync lands all staged frames with
//	one write, syncs the file, then updates the superblock slot and syncs
//	again. Records therefore always reach the disk before metadata that
//	refers to them. A torn tail, a frame with a flipped bit or bytes from
//	a misplaced write all fail the frame checks, and the replay stops and
//	cuts the file at the last intact frame. Whatever the cut loses was
//	never acknowledged, and the replica core re-fetches anything its
//	peers confirmed.
//
// Compaction:
//
//	Replaced and truncated records stay in the file as dead weight. When
//	Open finds more dead bytes than live ones it rewrites the journal
//	next to itself and swaps it in with an atomic rename.
//
// Usage:
//
//	j, err := journal.Open("/var/lib/dlog/replica-1.journal", 1)
//	if err != nil { ... }
//	node, err := vsr.NewNode(1, cfg, sm, j, sender, vsr.NodeOptions{})
//
// For tests and diskless replicas, NewMemory returns an in-memory
// implementation of the same interface.
package journal
