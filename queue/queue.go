// Package queue implements the bounded multi-producer/single-consumer
// FIFO of spec.md §4.6: enqueue blocks on full, dequeue blocks on empty,
// both honor a cancellation flag, and tasks exit in the order they
// entered. Built on utils.RingBuffMPSC's non-blocking OfferMP/Accept,
// polled with utils.BackOff so the cancellation flag is checked between
// every attempt rather than buried inside an unbounded internal retry
// loop, per spec.md §5's "suspensions must poll the cancellation flag at
// least every millisecond".
package queue

import (
	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// Queue is a bounded FIFO of task handles of type T. Each pipeline stage
// owns one Queue as its inbox; producers (possibly several, for fan-in
// stages) call Enqueue, the single consuming stage worker calls Dequeue.
type Queue[T any] struct {
	rb utils.RingBuffMPSC[T]
}

// New creates a queue whose capacity is rounded up to the next power of
// two, per utils.RingBuffMPSC.Init's own contract.
func New[T any](capacity uint64) *Queue[T] {
	q := &Queue[T]{}
	q.rb.Init(capacity)
	return q
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() uint64 { return q.rb.EnqCap() }

// Len estimates the number of items currently queued; for diagnostics
// only, per utils.RingBuffMPSC.Len's own caveat about concurrent accuracy.
func (q *Queue[T]) Len() uint64 { return q.rb.Len() }

// Enqueue blocks until there is room, or cancelled reports true, in which
// case it returns a Cancelled error without inserting the item.
func (q *Queue[T]) Enqueue(item T, cancelled func() bool) error {
	for fails := 0; ; fails++ {
		// A one-slot ring reads its filled slot as free, so fullness is
		// checked by count there.
		full := q.rb.EnqCap() == 1 && q.rb.Len() >= 1
		if !full && q.rb.OfferMP(item) {
			return nil
		}
		if cancelled != nil && cancelled() {
			return errs.Cancelled("queue.Enqueue")
		}
		utils.BackOff(min(fails, 9)) // BackOff(9) sleeps 1ms
	}
}

// Dequeue blocks until an item is available, or cancelled reports true,
// in which case it returns a Cancelled error.
func (q *Queue[T]) Dequeue(cancelled func() bool) (T, error) {
	for fails := 0; ; fails++ {
		if item, ok := q.rb.Accept(); ok {
			return item, nil
		}
		if cancelled != nil && cancelled() {
			var zero T
			return zero, errs.Cancelled("queue.Dequeue")
		}
		utils.BackOff(min(fails, 9)) // BackOff(9) sleeps 1ms
	}
}

// Close signals no more items will be enqueued.
func (q *Queue[T]) Close() { q.rb.Close() }
