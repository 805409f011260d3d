package chain

import (
	"context"
	"sync"

	"github.com/danmuck/taulink/internal/protocol/frame"
)

// FrameQueue is an unbounded FIFO of frames. Push never blocks.
type FrameQueue struct {
	mu     sync.Mutex
	items  []frame.Frame
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func NewFrameQueue() *FrameQueue {
	return &FrameQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends f. It reports false once the queue is closed.
func (q *FrameQueue) Push(f frame.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
	return true
}

// Pop blocks until a frame is available, the queue is closed and drained, or
// ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (frame.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = frame.Frame{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return frame.Frame{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// Close stops further pushes. Idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Discard drops buffered frames and returns how many were dropped.
func (q *FrameQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FrameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
