// Package tcp implements TCP socket-based replica links. It provides a
// concrete implementation of the base package's connector interface
// optimized for TCP connections between machines.
//
// This package builds on the base package's transport functionality,
// inheriting its frame protocol, buffer reuse and redial behavior. See the
// base package documentation for detailed information on the underlying
// transport mechanisms.
//
// Key Components:
//
//   - connector: TCP-specific implementation of base.IConnector. Applies
//     the configured socket options (no delay, keep-alive, kernel buffer
//     sizes) to every connection on both the accepting and dialing side.
//
// The default read buffer size is 512 KB, which covers typical replication
// traffic without reallocation, but can be customized for specific use
// cases.
package tcp
