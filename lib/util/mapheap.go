// This file provides a specialized priority queue for eviction bookkeeping.
//
// The implementation combines a binary heap with a hash map to provide both
// efficient priority-based operations and key-based access. dLog uses it
// to find the oldest client session when the session table is full, while
// still supporting direct removal when a session ends explicitly.
//
// Complexity:
//   - O(log n) for priority operations (Push, Pop, Update)
//   - O(1) for key-based lookups and existence checks
//   - O(log n) for key-based removal
//
// Concurrency: not thread-safe; callers must synchronize externally. In dLog
// the only callers live on a replica's single owner goroutine.
//
// Example usage:
//
//	// Create a new queue
//	evict := NewMapHeap()
//
//	// Add items with ids and timestamps
//	evict.AddItem(1001, timestamp1)
//	evict.AddItem(1002, timestamp2)
//
//	// Get the oldest item
//	oldest, exists := evict.Peek()
//
//	// Remove a specific item (e.g. on explicit teardown)
//	evict.RemoveByKey(1001)
package util

import (
	"container/heap"
	"strconv"
)

// item represents an entry in the eviction queue
// with a uint64 key for identification and a uint64 value for priority
type item struct {
	Key      uint64 // Unique identifier for the item
	Priority uint64 // Priority used for ordering in the heap (lower pops first)
	index    int    // Index in the heap, maintained by heap package
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap implements a min-heap priority queue
// with both heap operations and key-based access
type MapHeap struct {
	items    []*item          // The actual heap slice
	itemsMap map[uint64]*item // Map for O(1) access by key
}

// NewMapHeap creates a new eviction queue
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*item, 0),
		itemsMap: make(map[uint64]*item),
	}
}

// Len returns the number of items in the queue (part of heap.Interface)
func (mh *MapHeap) Len() int { return len(mh.items) }

// Less compares items by priority (part of heap.Interface)
// Lowest priority first (min-heap, e.g. oldest timestamp)
func (mh *MapHeap) Less(i, j int) bool {
	return mh.items[i].Priority < mh.items[j].Priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (mh *MapHeap) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface)
func (mh *MapHeap) Push(x interface{}) {
	n := len(mh.items)
	item := x.(*item)
	item.index = n
	mh.items = append(mh.items, item)
	mh.itemsMap[item.Key] = item
}

// Pop removes and returns the minimum item (part of heap.Interface)
func (mh *MapHeap) Pop() interface{} {
	old := mh.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	mh.items = old[:n-1]
	delete(mh.itemsMap, item.Key)
	return item
}

// AddItem adds a new item to the queue or updates the priority of an existing one
func (mh *MapHeap) AddItem(key, priority uint64) {
	// Check if item already exists
	if item, exists := mh.itemsMap[key]; exists {
		// Update priority and fix heap
		item.Priority = priority
		heap.Fix(mh, item.index)
		return
	}

	// Create and add new item
	item := &item{
		Key:      key,
		Priority: priority,
	}
	heap.Push(mh, item)
}

// PopMin removes and returns the key with the lowest priority.
// The boolean return value reports whether the queue was non-empty.
func (mh *MapHeap) PopMin() (uint64, bool) {
	if len(mh.items) == 0 {
		return 0, false
	}
	item := heap.Pop(mh).(*item)
	return item.Key, true
}

// RemoveByKey removes an item by its key
func (mh *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	item, exists := mh.itemsMap[key]
	if !exists {
		return 0, false
	}

	// Remove from heap
	heap.Remove(mh, item.index)
	return item.Priority, true
}

// Peek returns the minimum priority item without removing it
func (mh *MapHeap) Peek() (*item, bool) {
	if len(mh.items) == 0 {
		return nil, false
	}
	return mh.items[0], true
}

// Contains checks if a key exists in the queue
func (mh *MapHeap) Contains(key uint64) bool {
	_, exists := mh.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (mh *MapHeap) GetByKey(key uint64) (*item, bool) {
	item, exists := mh.itemsMap[key]
	return item, exists
}
