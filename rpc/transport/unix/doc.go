// Package unix implements replica links over Unix domain sockets. It
// provides optimized communication for replicas running on the same
// machine, useful for local multi node test clusters.
//
// This package extends the base transport layer with a Unix socket
// connector while inheriting the frame protocol, buffer reuse and redial
// behavior from the base package.
//
// Key Components:
//
//   - connector: Creates Unix socket listeners (removing stale socket
//     files first) and dials peer sockets
//
// Performance Characteristics:
//
//   - Reduced overhead: Eliminates TCP/IP stack processing
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem
//     overhead
package unix
