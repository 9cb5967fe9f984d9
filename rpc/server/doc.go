// Package server implements the HTTP admin API of one replica. It exposes
// the Prometheus metrics, a status snapshot and the submit endpoint the
// CLI client drives, along with the adapter that translates submit
// messages into store operations.
//
// The package focuses on:
//   - Serving client commands against the replicated store over plain HTTP
//   - Adapter pattern to decouple store logic from the HTTP mechanics
//   - Operational visibility: metrics scraping and a JSON status snapshot
//
// Key Components:
//
//   - IAdapter: Interface defining the contract for submit adapters, with
//     the Handle method that processes incoming requests against a kv.IStore.
//
//   - NewStoreAdapter: Factory function creating the adapter for key-value
//     store operations, translating submit messages to kv.IStore method calls.
//
//   - NewAdminServer: Factory function creating a configured admin server
//     bound to one replica node and its store.
//
// Usage Example:
//
//	// Create the admin server
//	s := server.NewAdminServer(
//	  config.API,
//	  node,
//	  store,
//	  server.ServerOptions{Version: version, Incarnation: incarnation},
//	)
//
//	// Start it in the background
//	go func() {
//	  if err := s.Serve(); err != nil {
//	    log.Fatalf("Admin server error: %v", err)
//	  }
//	}()
//
//	// Stop it on shutdown
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	_ = s.Shutdown(ctx)
//
// Endpoints:
//
//   - GET /metrics: Prometheus text exposition of the replica counters,
//     histograms and gauges, process metrics included.
//
//   - GET /status: JSON snapshot of the replica (view, status, leader,
//     commit state, sessions) plus version, boot incarnation and, on disk
//     backed replicas, journal statistics.
//
//   - POST /submit: One command message per request. Operation failures
//     travel inside the response envelope with a symbolic return code,
//     only undecodable requests produce a non-200 status.
//
// Thread Safety:
//
//	The server handles concurrent requests, each one is processed
//	independently. Serve should be called only once.
package server
