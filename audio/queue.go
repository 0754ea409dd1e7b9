// Package audio implements the non-blocking producer/consumer hand-off
// between the capture thread and the worker thread, the canonical 16 kHz
// mono resampler, the audio capture collaborator, and WAV diagnostic dumps.
package audio

import (
	"sync"
)

// Chunk is a PCM chunk captured at a given sample rate. Ownership transfers
// from the capture thread to the queue on Push, and from the queue to the
// worker on Pop; a chunk is never shared after it leaves the queue.
type Chunk struct {
	Samples    []int16
	SampleRate int
	// CapturedAtMs is the wall-clock offset, in milliseconds since session
	// start, at which the first sample of this chunk was captured.
	CapturedAtMs int64
}

// Queue is a bounded FIFO hand-off from a single non-blocking producer to a
// single blocking consumer. Push never blocks and never fails: once the
// queue is full, the oldest chunk is discarded to make room and the drop
// counter is incremented. Pop blocks until a chunk is available or the
// queue is stopped.
//
// Queue is the only object legitimately shared between the capture thread
// and the worker thread; all of its state is guarded by mu, and cond
// signals the worker out of a blocking Pop.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items    []Chunk
	capacity int
	dropped  uint64
	stopped  bool
}

// DefaultCapacity holds roughly 10 s of 20 ms chunks.
const DefaultCapacity = 500

// NewQueue creates a Queue bounded to capacity chunks. A non-positive
// capacity falls back to DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues chunk. If the queue is already at capacity the oldest
// pending chunk is dropped first. Push never blocks and is safe to call
// after Stop (it becomes a silent no-op once stopped, since nothing will
// ever drain it again).
func (q *Queue) Push(chunk Chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, chunk)
	q.cond.Signal()
}

// Pop blocks until a chunk is available or the queue is stopped. It
// returns ok=false once stopped and drained.
func (q *Queue) Pop() (chunk Chunk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Chunk{}, false
	}
	chunk = q.items[0]
	q.items = q.items[1:]
	return chunk, true
}

// Stop unblocks any waiting Pop with a closed result. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.cond.Broadcast()
}

// DroppedCount returns the accumulated drop counter.
func (q *Queue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of chunks currently queued, for diagnostics and
// tests only; never used on a hot path.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
