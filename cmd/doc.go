// Package cmd implements the command-line interface for the dLog replicated
// key-value store. It provides a hierarchical command structure with operations
// for running replicas and interacting with a cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a dLog replica
//   - client: Commands for key-value operations against a running cluster (get, set, delete, etc.)
//   - bench: Benchmark tool that measures operation latencies against a cluster
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// The root command additionally offers init (cluster scaffolding), keygen
// (message signing keys) and version.
//
// See dlog -help for a list of all commands.
package cmd
