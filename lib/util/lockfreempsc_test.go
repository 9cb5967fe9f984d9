package util

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests basic push and consume functionality
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	// Push 10 items
	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	// Consume 10 items
	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %v", i, *val)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	// Make sure queue is empty
	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
		// Expected timeout, queue is empty
	}
}

// TestConcurrentProducers verifies the queue works correctly with multiple producers
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	// Use a map to track received items
	var mu sync.Mutex
	received := make(map[string]bool)

	// Start a consumer goroutine
	done := make(chan struct{})
	receivedCount := 0

	go func() {
		defer close(done)

		for receivedCount < totalItems {
			select {
			case val := <-q.Recv():
				if val == nil {
					t.Errorf("Received nil item")
					return
				}

				mu.Lock()
				key := fmt.Sprintf("%d", *val)
				if received[key] {
					t.Errorf("Duplicate item received: %v", *val)
				}
				received[key] = true
				receivedCount++
				mu.Unlock()
			case <-time.After(2 * time.Second):
				t.Errorf("Timeout waiting for items, received %d of %d", receivedCount, totalItems)
				return
			}
		}
	}()

	// Start producers
	var wg sync.WaitGroup
	wg.Add(numProducers)

	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()

			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				val := base + i
				if !q.Push(&val) {
					t.Errorf("Failed to push item %d", val)
					return
				}
			}
		}(p)
	}

	// Wait for producers then for the consumer
	wg.Wait()
	<-done

	if receivedCount != totalItems {
		t.Errorf("Expected %d items, received %d", totalItems, receivedCount)
	}
}

// TestCloseSemantics verifies that Close rejects new writes but drains queued items
func TestCloseSemantics(t *testing.T) {
	q := NewLockFreeMPSC[string]()

	// Push some items before closing
	items := []string{"a", "b", "c"}
	for i := range items {
		if !q.Push(&items[i]) {
			t.Fatalf("Failed to push item %q", items[i])
		}
	}

	q.Close()

	if !q.IsClosed() {
		t.Error("Queue should report closed")
	}

	// Push after close must fail
	extra := "rejected"
	if q.Push(&extra) {
		t.Error("Push after Close should return false")
	}

	// All queued items must still be delivered, then the channel closes
	var drained []string
	for val := range q.Recv() {
		drained = append(drained, *val)
	}

	if len(drained) != len(items) {
		t.Fatalf("Expected %d drained items, got %d", len(items), len(drained))
	}
	for i, want := range items {
		if drained[i] != want {
			t.Errorf("Drained item %d: expected %q, got %q", i, want, drained[i])
		}
	}
}

// TestNilPush verifies nil values are rejected
func TestNilPush(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}
