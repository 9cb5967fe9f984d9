// Package memory implements replica links over in process pipes. Nodes in
// the same process reach each other through a global endpoint registry, no
// network stack involved.
//
// The package exists for tests and examples: a complete cluster can run
// inside a single test binary with the same transport machinery used in
// production, including the frame protocol and redial behavior of the base
// package.
//
// Key Components:
//
//   - connector: Binds endpoint names (by convention "mem://replica-N") in
//     a process global registry and dials them through net.Pipe.
//
// Pipes are synchronous, a write blocks until the receiving side has read
// the frame. The base listener keeps a read pending between frames, so
// sends complete as soon as the previous frame has been handled.
package memory
