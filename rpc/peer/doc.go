// Package peer assembles the serializer and transport layers into the
// replica mesh: one outbound link per peer and one listener for everything
// the peers send back.
//
// The package focuses on:
//   - Feeding the replica loop's outbound messages to the right peer links
//   - Decoding, verifying and filtering inbound frames before they reach
//     the node's mailbox
//   - Building the wire codec stack and transport from the node
//     configuration
//
// Key Components:
//
//   - Sender: implements vsr.ISender. Send never blocks the replica loop;
//     each peer has a bounded queue and a writer goroutine that serializes
//     and transmits. Overflow and link failures drop the message, the
//     protocol's timers retransmit anything that matters.
//
//   - Receiver: owns the listener. Every frame passes the replay filter
//     (armed when signing is on), the codec stack with its checksum and
//     signature checks, and an addressing check before the decoded message
//     is delivered to the node. Failures are logged and counted, never
//     fatal.
//
//   - BuildSerializer: assembles checksummed(signed(codec)) from the node
//     configuration, parsing the Ed25519 key material from their hex form.
//
// Delivery Semantics:
//
//	The mesh is fire and forget end to end. A frame can be dropped by the
//	sender queue, the link, the network or the receive checks; the
//	replication protocol is built on retransmission and treats every loss
//	the same way. Frames from one peer that do arrive, arrive in send
//	order.
//
// Thread Safety:
//
//	Sender.Send is called inline by the replica loop and is safe for
//	concurrent use. The Receiver delivers from the per connection reader
//	goroutines; the node's mailbox is the synchronization point.
package peer
