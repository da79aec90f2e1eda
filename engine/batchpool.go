package engine

import (
	"sync"

	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// BatchPool is the spec.md §3 "map key -> Task, get(key) blocks" sink: the
// last pipeline stage to finish a task posts it here, and the trainer
// retrieves it by the (epoch,step) key Shuffler assigned at the front of
// the pipeline, regardless of the order stages finish across different
// in-flight batches.
//
// Get/Put poll with utils.BackOff rather than a condition variable so
// every suspension checks the cancellation flag at bounded intervals, the
// same idiom queue.Queue uses for its Enqueue/Dequeue.
type BatchPool struct {
	mu       sync.Mutex
	ready    map[uint64]*Task
	capacity int
}

// NewBatchPool creates a pool that holds at most capacity completed
// batches before Put blocks — the back-pressure bound on how far the
// pipeline may run ahead of the trainer.
func NewBatchPool(capacity int) *BatchPool {
	return &BatchPool{ready: make(map[uint64]*Task), capacity: capacity}
}

// Put posts a completed task, blocking while the pool is already full.
func (p *BatchPool) Put(t *Task, cancelled func() bool) error {
	for fails := 0; ; fails++ {
		p.mu.Lock()
		if len(p.ready) < p.capacity {
			p.ready[t.Key] = t
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		if cancelled != nil && cancelled() {
			return errs.Cancelled("engine.BatchPool.Put")
		}
		utils.BackOff(fails)
	}
}

// Get blocks until key is present, or cancelled reports true. This is the
// Control ABI's get_next_batch suspension point (spec.md §5(d)).
func (p *BatchPool) Get(key uint64, cancelled func() bool) (*Task, error) {
	for fails := 0; ; fails++ {
		p.mu.Lock()
		t, ok := p.ready[key]
		if ok {
			delete(p.ready, key)
		}
		p.mu.Unlock()
		if ok {
			return t, nil
		}
		if cancelled != nil && cancelled() {
			return nil, errs.Cancelled("engine.BatchPool.Get")
		}
		utils.BackOff(fails)
	}
}

// Len reports how many completed batches are currently buffered, for
// diagnostics only.
func (p *BatchPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}
