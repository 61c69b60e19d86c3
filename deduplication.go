package gqlink

import (
	"context"
	"sync"
)

// DeduplicationEntry represents an in-flight operation shared between callers.
type DeduplicationEntry struct {
	response *Response
	err      error
	done     chan struct{}
	mu       sync.Mutex
	waiters  int
}

// DeduplicationTracker tracks in-flight queries to coalesce duplicates.
type DeduplicationTracker struct {
	mu      sync.Mutex
	entries map[string]*DeduplicationEntry
}

// NewDeduplicationTracker returns an in-memory de-duplication tracker.
func NewDeduplicationTracker() *DeduplicationTracker {
	return &DeduplicationTracker{
		entries: make(map[string]*DeduplicationEntry),
	}
}

// GetOrCreateEntry returns an existing entry (not owner) or creates a new one (owner=true).
func (dt *DeduplicationTracker) GetOrCreateEntry(key string) (*DeduplicationEntry, bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if entry, exists := dt.entries[key]; exists {
		entry.mu.Lock()
		entry.waiters++
		entry.mu.Unlock()
		return entry, false
	}

	entry := &DeduplicationEntry{
		done:    make(chan struct{}),
		waiters: 1,
	}
	dt.entries[key] = entry
	return entry, true
}

// Complete finalizes an entry and releases waiters. The key is free for a
// new operation as soon as Complete returns.
func (dt *DeduplicationTracker) Complete(key string, resp *Response, err error) {
	dt.mu.Lock()
	entry, exists := dt.entries[key]
	delete(dt.entries, key)
	dt.mu.Unlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	entry.response = resp
	entry.err = err
	close(entry.done)
	entry.mu.Unlock()
}

// InFlight returns the number of distinct operations being tracked.
func (dt *DeduplicationTracker) InFlight() int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return len(dt.entries)
}

// Wait blocks until the owning operation completes or ctx is done.
func (entry *DeduplicationEntry) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-entry.done:
		entry.mu.Lock()
		resp := entry.response
		err := entry.err
		entry.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
}

// Waiters returns how many callers share the entry, including the owner.
func (entry *DeduplicationEntry) Waiters() int {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.waiters
}

// DeduplicationKeyFunc builds a key for identifying identical in-flight operations.
type DeduplicationKeyFunc func(*Request) string

// DefaultDeduplicationKeyFunc keys on the document, operation name and variables.
func DefaultDeduplicationKeyFunc(req *Request) string {
	return req.cacheKey()
}

// DeduplicationCondition decides whether an operation is eligible for deduplication.
type DeduplicationCondition func(req *Request) bool

// DefaultDeduplicationCondition enables deduplication for queries only.
func DefaultDeduplicationCondition(req *Request) bool {
	return detectOperationKind(req.Query) == kindQuery
}
