package relay

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("send queue closed")

// sendQueue is a per-connection outbound buffer drained by a single writer
// goroutine, so frames leave in exactly the order they were enqueued.
// Droppable frames (forwarded events) respect the byte and frame caps;
// non-droppable frames (command replies, control traffic) are always
// accepted so a slow reader stalls its event stream without losing replies.
// push never blocks, which makes it safe to call while holding the relay
// mutex.
type sendQueue struct {
	maxBytes  int
	maxFrames int

	mu     sync.Mutex
	frames [][]byte
	bytes  int
	closed bool

	wake chan struct{}
}

func newSendQueue(maxBytes, maxFrames int) *sendQueue {
	return &sendQueue{
		maxBytes:  maxBytes,
		maxFrames: maxFrames,
		wake:      make(chan struct{}, 1),
	}
}

// push enqueues a frame for the writer. It reports false when the queue no
// longer accepts frames or when a droppable frame hit the caps.
func (q *sendQueue) push(frame []byte, droppable bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if droppable && (q.bytes+len(frame) > q.maxBytes || len(q.frames) >= q.maxFrames) {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, frame)
	q.bytes += len(frame)
	q.mu.Unlock()
	q.signal()
	return true
}

// next blocks until a frame is available, the queue is done, or ctx ends.
// After finish it keeps returning buffered frames until the backlog is
// drained, then reports errQueueClosed.
func (q *sendQueue) next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.bytes -= len(frame)
			q.mu.Unlock()
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, errQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// finish stops intake but lets the writer drain what is already queued.
func (q *sendQueue) finish() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// close stops intake and discards the backlog.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.bytes = 0
	q.mu.Unlock()
	q.signal()
}

func (q *sendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// depth reports the queued frame count and byte total.
func (q *sendQueue) depth() (frames, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.bytes
}
