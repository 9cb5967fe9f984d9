// Package common holds the configuration types shared by the replica
// process and its tooling.
//
// The package focuses on:
//   - NodeConfig: one replica's identity, the cluster topology and the
//     settings of every subsystem (transport, journal, engine, admin API,
//     security, protocol timers)
//   - Topology files: YAML loading, parsing and scaffolding for
//     NodeConfig
//   - Logger initialization applying the configured level to all package
//     loggers
//
// A NodeConfig travels from the topology file through cmd/serve into the
// transport, peer and journal layers, so every subsystem reads its
// settings from the same validated struct.
package common
