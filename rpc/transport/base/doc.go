// Package base provides a foundation for the replica link transports,
// implementing the core send and receive machinery independent of the
// specific network medium (TCP, Unix sockets, in process pipes). It serves
// as a base layer that is extended with medium specific connectors.
//
// The package focuses on:
//   - Medium agnostic listener and link implementations
//   - A minimal length prefixed frame protocol for one way messaging
//   - Buffer reuse on the receive path
//   - Automatic redialing with exponential backoff and jitter
//
// Key Components:
//
//   - IConnector: Interface for medium specific operations (listen, dial,
//     connection tuning) that allows extending the base transport with
//     different network media.
//
//   - listener: Core receiving implementation. Accepts peer connections and
//     feeds every received frame to a registered handler. Frames of one
//     connection are handled sequentially, so the send order of a peer is
//     preserved end to end.
//
//   - link: Core sending implementation. A link owns a single connection to
//     a single peer, which keeps frames ordered. Failed sends drop the
//     connection and the next send redials, governed by an exponential
//     backoff with +-10% jitter so a restarting cluster does not dial in
//     lockstep.
//
// Delivery Semantics:
//
//	Links are fire and forget. A frame that cannot be written is dropped
//	and an error returned to the caller; the replication protocol detects
//	the gap and retransmits through its own timers. The transport therefore
//	never queues, never retries and never reorders.
//
// Performance Optimizations:
//
//   - Buffer Pooling: The listener uses a sync.Pool and one pooled buffer
//     per connection, reducing GC pressure and memory allocations.
//
//   - Frame Batching: The transport uses net.Buffers to reduce syscalls
//     when writing frames, combining header and payload into a single write
//     operation.
//
// Thread Safety:
//
//	All public methods are thread-safe. The link serializes writes behind a
//	mutex, the listener creates a dedicated goroutine per connection.
package base
