// Package transport defines the interfaces for the replica links of the
// replication system. It provides a common contract that all transport
// implementations must fulfill, enabling medium-agnostic messaging between
// replicas.
//
// The package focuses on:
//   - Defining clear interfaces for the sending and receiving half of a link
//   - One way, fire and forget message delivery with per peer ordering
//   - Enabling multiple transport implementations (TCP, Unix sockets,
//     in process pipes)
//
// Key Components:
//
//   - IListener: Interface for the receiving side. Accepts peer connections
//     and feeds received frames to a registered handler in arrival order.
//
//   - ILink: Interface for the sending side. One link per peer, delivering
//     frames in send order and redialing on demand.
//
//   - MessageHandler: Function type for frame consumption callbacks.
package transport
