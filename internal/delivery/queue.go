package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/torosent/crankexport/internal/export"
)

type pending struct {
	batch     export.Batch
	priority  bool
	retries   int
	notBefore time.Time
	backoff   *backoff.ExponentialBackOff
}

// pendingQueue is a bounded FIFO. Priority entries sit in a region at the head, in
// arrival order, ahead of regular entries. Not safe for concurrent use.
type pendingQueue struct {
	items    []*pending
	capacity int
	priority int // number of priority entries at the head
}

func newPendingQueue(capacity int) *pendingQueue {
	return &pendingQueue{capacity: capacity}
}

func (q *pendingQueue) Len() int { return len(q.items) }

// push appends p (or inserts it at the end of the priority region) and returns the entry
// evicted to make room, if any. The oldest regular entry is evicted first.
func (q *pendingQueue) push(p *pending) *pending {
	var evicted *pending
	if q.capacity > 0 && len(q.items) >= q.capacity {
		idx := q.priority
		if idx >= len(q.items) {
			idx = 0
		}
		evicted = q.removeAt(idx)
	}

	if p.priority {
		q.items = append(q.items, nil)
		copy(q.items[q.priority+1:], q.items[q.priority:])
		q.items[q.priority] = p
		q.priority++
	} else {
		q.items = append(q.items, p)
	}
	return evicted
}

// popReady removes and returns the first entry whose backoff has elapsed. When none is
// ready it returns nil and the earliest time one will be.
func (q *pendingQueue) popReady(now time.Time) (*pending, time.Time) {
	var earliest time.Time
	for i, p := range q.items {
		if !p.notBefore.After(now) {
			return q.removeAt(i), time.Time{}
		}
		if earliest.IsZero() || p.notBefore.Before(earliest) {
			earliest = p.notBefore
		}
	}
	return nil, earliest
}

func (q *pendingQueue) drain() []*pending {
	items := q.items
	q.items = nil
	q.priority = 0
	return items
}

func (q *pendingQueue) removeAt(i int) *pending {
	p := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	if i < q.priority {
		q.priority--
	}
	return p
}
