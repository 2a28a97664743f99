// Package queue implements a single-consumer FIFO of strings for a caller
// that polls instead of blocking. A poll on an empty queue parks one
// completion callback, which the next Push satisfies directly.
package queue

import (
	"errors"
	"sync"
)

// ErrProtocolViolation is returned when Poll is called while an earlier
// Poll is still waiting. It is a caller bug, not a runtime condition.
var ErrProtocolViolation = errors.New("queue: poll issued while another poll is pending")

// Reader receives exactly one item.
type Reader func(item string)

// Queue is an unbounded FIFO with at most one pending reader. Whenever a
// reader is pending the backlog is empty, and vice versa.
//
// Safe for concurrent use. The reader is invoked without holding the lock,
// so it may call Poll again.
type Queue struct {
	mu      sync.Mutex
	items   []string
	pending Reader
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push hands item to the pending reader if there is one, otherwise appends
// it to the backlog.
func (q *Queue) Push(item string) {
	q.mu.Lock()
	r := q.pending
	if r == nil {
		q.items = append(q.items, item)
		q.mu.Unlock()
		return
	}
	q.pending = nil
	q.mu.Unlock()
	r(item)
}

// Poll returns the head of the backlog with ok=true when one is queued. On an
// empty queue it parks r, returns ok=false, and r later receives the next
// pushed item. Polling again before r has fired returns ErrProtocolViolation.
func (q *Queue) Poll(r Reader) (item string, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		item = q.items[0]
		q.items[0] = ""
		q.items = q.items[1:]
		return item, true, nil
	}
	if q.pending != nil {
		return "", false, ErrProtocolViolation
	}
	if r == nil {
		panic("queue: Poll called with nil reader")
	}
	q.pending = r
	return "", false, nil
}

// Len returns the number of backlogged items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending reports whether a reader is parked.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending != nil
}

// Cancel drops the pending reader, if any, so the next Poll may register a
// new one. It reports whether a reader was dropped. Items pushed later are
// queued as usual.
func (q *Queue) Cancel() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	had := q.pending != nil
	q.pending = nil
	return had
}

// TryPop removes and returns the head of the backlog without ever parking a
// reader. ok is false when the backlog is empty.
func (q *Queue) TryPop() (item string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item = q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return item, true
}

// Unread returns an item that a reader received but could not use. It goes
// to a newly parked reader if there is one, otherwise back to the head of
// the backlog so ordering is kept.
func (q *Queue) Unread(item string) {
	q.mu.Lock()
	r := q.pending
	if r == nil {
		q.items = append([]string{item}, q.items...)
		q.mu.Unlock()
		return
	}
	q.pending = nil
	q.mu.Unlock()
	r(item)
}
