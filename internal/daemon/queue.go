package daemon

import (
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/pathmap"
	"sync"

	"go.uber.org/zap"
)

// Queue holds change events between the watcher and the single consumer.
// The head is removed only by Ack, after its operation succeeded, so an
// operation interrupted by a disconnect is applied again on reconnect.
type Queue struct {
	mu       sync.Mutex
	items    []model.ChangeEvent
	inFlight bool
	ready    chan struct{}

	warn     int
	nextWarn int
	limit    int
}

// NewQueue logs a warning each time the length crosses a multiple of warn.
// A positive limit caps the length; see Push.
func NewQueue(warn, limit int) *Queue {
	return &Queue{
		ready:    make(chan struct{}, 1),
		warn:     warn,
		nextWarn: warn,
		limit:    limit,
	}
}

// Push appends ev. When the queue is full every pending event except the one
// in flight is discarded and Push reports true: the caller must schedule a
// full rescan to make up for them.
func (q *Queue) Push(ev model.ChangeEvent) bool {
	q.mu.Lock()
	defer q.notify()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		dropped := q.dropPending()
		logger.Log.Warn("event queue full, dropping pending events for a rescan",
			zap.Int("dropped", dropped),
			zap.Int("limit", q.limit))
		return true
	}

	if ev.Type == model.EventWritten {
		q.supersede(ev.Path)
	}

	q.items = append(q.items, ev)

	if q.warn > 0 && len(q.items) >= q.nextWarn {
		logger.Log.Warn("event queue is growing",
			zap.Int("pending", len(q.items)))
		q.nextWarn += q.warn
	}

	return false
}

// supersede removes the latest queued Written(p) when nothing queued after it
// involves p, since a newer upload of p reads the same final content.
func (q *Queue) supersede(p string) {
	first := 0
	if q.inFlight {
		first = 1
	}

	for i := len(q.items) - 1; i >= first; i-- {
		item := q.items[i]
		if item.Type == model.EventWritten && item.Path == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}

		if related(item, p) {
			return
		}
	}
}

func related(ev model.ChangeEvent, p string) bool {
	if pathmap.Under(p, ev.Path) || pathmap.Under(ev.Path, p) {
		return true
	}

	return ev.Type == model.EventMoved && (pathmap.Under(p, ev.From) || pathmap.Under(ev.From, p))
}

func (q *Queue) dropPending() int {
	keep := 0
	if q.inFlight && len(q.items) > 0 {
		keep = 1
	}

	dropped := len(q.items) - keep
	clear(q.items[keep:])
	q.items = q.items[:keep]
	q.nextWarn = q.warn

	return dropped
}

// Peek returns the head and marks it in flight.
func (q *Queue) Peek() (model.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return model.ChangeEvent{}, false
	}

	q.inFlight = true
	return q.items[0], true
}

func (q *Queue) Ack() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return
	}

	q.items[0] = model.ChangeEvent{}
	q.items = q.items[1:]
	q.inFlight = false

	if q.warn > 0 && len(q.items) < q.warn {
		q.nextWarn = q.warn
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready receives after a Push or Notify.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) Notify() {
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
