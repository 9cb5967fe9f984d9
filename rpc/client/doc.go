// Package client implements the HTTP client for the replica admin API.
// It provides an implementation of the kv.IStore interface that forwards
// every operation to the cluster over the submit endpoint.
//
// The package focuses on:
//   - Transparent remote access to the replicated store
//   - Leader tracking: requests start at the endpoint that answered last
//     and hop to the next one on leader denials and unreachable replicas
//   - Error handling and conversion between transport and domain errors
//
// Key Components:
//
//   - New: Factory function that creates a client implementing the
//     kv.IStore interface for the given admin API endpoints.
//
//   - Client.Status: Fetches the status snapshot of a single replica,
//     without any leader hopping.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  Endpoints:     []string{"http://localhost:8080", "http://localhost:8081"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	// Create the client
//	store, _ := client.New(config)
//
//	// Use the store
//	ctx := context.Background()
//	store.Set(ctx, "mykey", []byte("myvalue"))
//	value, exists, _ := store.Get(ctx, "mykey")
//
// Thread Safety:
//
//	The client is thread-safe and can be used concurrently from multiple
//	goroutines without additional synchronization.
package client
