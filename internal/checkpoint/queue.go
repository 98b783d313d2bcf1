package checkpoint

import (
	"sync"

	"pathhole/internal/model"
)

type job struct {
	telemetry *model.TelemetrySample
	pothole   *model.PotholeEvent
}

func (j job) kind() string {
	if j.telemetry != nil {
		return kindTelemetry
	}
	return kindPothole
}

// queue is an unbounded FIFO. push never blocks; the worker is woken through
// notify and takes everything queued so far.
type queue struct {
	mu     sync.Mutex
	items  []job
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends j; it reports false once the queue is closed.
func (q *queue) push(j job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) take() []job {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
