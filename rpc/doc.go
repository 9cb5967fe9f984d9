// Package rpc provides the communication layer of the replicated key-value
// store. It covers two separate surfaces: the replica mesh, over which the
// replicas run the replication protocol among themselves, and the admin API,
// over which clients and operators talk to a single replica.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the layer,
//     including the node configuration, the admin Message protocol and
//     logging.
//
//   - transport: Network link abstractions for the replica mesh with
//     pluggable implementations (TCP, Unix sockets, in-process pipes).
//
//   - serializer: Protocol message serialization with multiple format
//     options (Binary, GOB) plus checksumming and Ed25519 signing layers.
//
//   - peer: The replica mesh itself. An outbound sender fans protocol
//     messages out to the other replicas, an inbound receiver feeds
//     received messages into the local replica core.
//
//   - server: The admin HTTP API of one replica, serving key-value
//     operations, a status snapshot and Prometheus metrics.
//
//   - client: Client for the admin API that implements the store interface
//     and follows the cluster leader across endpoints.
package rpc
