// Package run hosts the run supervisor: the event buffer and durable
// log behind every run's stream, the per-thread state machine, and the
// producer that drives the agent loop.
package run

import (
	"context"
	"errors"
	"sync"

	v1 "github.com/getleon/leon/pkg/api/v1"
)

// ErrLagged is returned to a subscriber that fell behind the ring; it
// must re-open with a resume cursor against the durable log.
var ErrLagged = errors.New("subscriber lagged behind event buffer")

// ErrBufferClosed is returned once a drained subscriber reads past the
// end of a closed buffer.
var ErrBufferClosed = errors.New("event buffer closed")

// DefaultRingCapacity bounds the in-memory tail of a run's stream.
const DefaultRingCapacity = 1024

// Buffer is the in-memory tail of one run's event stream: a bounded
// ring with a per-run sequence counter starting at 1. Put stamps each
// event and wakes subscribers; the ring drops its oldest entry when
// full, and readers that miss dropped entries get ErrLagged.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	runID    string
	threadID string
	capacity int
	entries  []v1.RunEvent
	start    int
	count    int
	nextSeq  int64
	closed   bool
}

// NewBuffer creates a buffer for one run.
func NewBuffer(threadID, runID string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	b := &Buffer{
		runID:    runID,
		threadID: threadID,
		capacity: capacity,
		entries:  make([]v1.RunEvent, capacity),
		nextSeq:  1,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// RunID returns the run this buffer belongs to.
func (b *Buffer) RunID() string {
	return b.runID
}

// ThreadID returns the thread this buffer belongs to.
func (b *Buffer) ThreadID() string {
	return b.threadID
}

// NextSeq returns the sequence number the next Put will assign.
func (b *Buffer) NextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// LastSeq returns the highest assigned sequence number, 0 if none.
func (b *Buffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Put stamps the event with the next sequence number, appends it to
// the ring, and wakes subscribers. Returns the stamped event.
func (b *Buffer) Put(evt v1.RunEvent) v1.RunEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	evt.Seq = b.nextSeq
	evt.ThreadID = b.threadID
	evt.RunID = b.runID
	b.nextSeq++

	if b.count == b.capacity {
		// Drop the oldest entry.
		b.start = (b.start + 1) % b.capacity
		b.count--
	}
	b.entries[(b.start+b.count)%b.capacity] = evt
	b.count++

	b.cond.Broadcast()
	return evt
}

// Close wakes all subscribers; once they drain the ring they receive
// ErrBufferClosed. Put after Close is not allowed by callers.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// oldestSeq returns the lowest seq still in the ring, or nextSeq when
// the ring is empty. Callers hold b.mu.
func (b *Buffer) oldestSeq() int64 {
	if b.count == 0 {
		return b.nextSeq
	}
	return b.entries[b.start].Seq
}

// Subscription reads a buffer from a resume cursor.
type Subscription struct {
	buf    *Buffer
	cursor int64
}

// Subscribe opens a cursor that yields events with seq > after.
func (b *Buffer) Subscribe(after int64) *Subscription {
	return &Subscription{buf: b, cursor: after}
}

// Next blocks until an event past the cursor is available and returns
// it. It returns ErrLagged when the cursor fell behind the ring,
// ErrBufferClosed when the buffer is closed and drained, or the
// context error on cancellation.
func (s *Subscription) Next(ctx context.Context) (v1.RunEvent, error) {
	b := s.buf

	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return v1.RunEvent{}, err
		}
		if s.cursor+1 < b.oldestSeq() && b.count > 0 {
			return v1.RunEvent{}, ErrLagged
		}
		if s.cursor < b.nextSeq-1 {
			// Find the first entry past the cursor.
			for i := 0; i < b.count; i++ {
				evt := b.entries[(b.start+i)%b.capacity]
				if evt.Seq > s.cursor {
					s.cursor = evt.Seq
					return evt, nil
				}
			}
			// Events past the cursor were dropped from the ring.
			return v1.RunEvent{}, ErrLagged
		}
		if b.closed {
			return v1.RunEvent{}, ErrBufferClosed
		}
		b.cond.Wait()
	}
}
