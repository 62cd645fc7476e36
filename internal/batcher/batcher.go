// Package batcher accumulates Roomy events during backfill and flushes
// them in insertion order, amortizing the cost of writing many events to
// the Roomy space during history import.
package batcher

import "sync"

// Flusher writes one flushed batch somewhere (e.g. the Roomy Adapter).
type Flusher func(batch []interface{}) error

// Batcher buffers items and flushes on size threshold, explicit Flush, or
// a terminator item.
type Batcher struct {
	mu        sync.Mutex
	threshold int
	flush     Flusher
	pending   []interface{}
}

// New constructs a Batcher that flushes automatically once threshold items
// are pending.
func New(threshold int, flush Flusher) *Batcher {
	return &Batcher{threshold: threshold, flush: flush}
}

// Add appends an item, flushing automatically if the threshold is reached.
func (b *Batcher) Add(item interface{}) error {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.threshold
	b.mu.Unlock()

	if shouldFlush {
		return b.Flush()
	}
	return nil
}

// AddTerminator appends an item and unconditionally flushes after it,
// preserving its position at the end of the flushed batch.
func (b *Batcher) AddTerminator(item interface{}) error {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	b.mu.Unlock()
	return b.Flush()
}

// Flush writes out any pending items, in the order they were added, and
// clears the buffer. A no-op if nothing is pending.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	return b.flush(batch)
}

// Pending returns the number of items currently buffered, for tests and
// diagnostics.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
