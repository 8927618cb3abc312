package sink

import (
	"sync/atomic"

	"github.com/smazurov/glowgrab/internal/metrics"
)

// Frame is one converted RGB frame headed for the sink.
type Frame struct {
	Width  int
	Height int
	RGB    []byte

	// done returns the backing buffer to its pool. Set by the
	// producer, called by Release exactly once after the send attempt.
	done func()
}

// NewFrame wraps a buffer with its recycle hook.
func NewFrame(width, height int, rgb []byte, done func()) Frame {
	return Frame{Width: width, Height: height, RGB: rgb, done: done}
}

// Release hands the buffer back to the producer's pool.
func (f *Frame) Release() {
	if f.done != nil {
		f.done()
		f.done = nil
	}
}

// Queue decouples capture from delivery. Push never blocks: when the
// queue is full the oldest frame is evicted so the consumer always
// sees the freshest frames.
type Queue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to depth frames.
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{ch: make(chan Frame, depth)}
}

// Push enqueues a frame, evicting the oldest on overflow. Returns
// false when an eviction happened.
func (q *Queue) Push(f Frame) bool {
	evicted := false
	for {
		select {
		case q.ch <- f:
			metrics.SetQueueDepth(len(q.ch))
			return !evicted
		default:
		}
		select {
		case old := <-q.ch:
			old.Release()
			q.dropped.Add(1)
			metrics.IncFrameDropped()
			evicted = true
		default:
			// Consumer drained it between our two selects; loop and
			// try the send again.
		}
	}
}

// Len returns the current queue occupancy.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Pop returns the receive channel for the consumer's select loop.
func (q *Queue) Pop() <-chan Frame {
	return q.ch
}

// Dropped returns the total frames evicted so far.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain empties the queue, releasing every frame. Used on shutdown.
func (q *Queue) Drain() {
	for {
		select {
		case f := <-q.ch:
			f.Release()
		default:
			return
		}
	}
}
