// Package workspace implements the scratch-allocation pool spec.md's
// Design Notes call for: per-context free lists of page-rounded buffers,
// reused by size rather than returned to the device allocator on every
// request. Grounded nearly 1:1 on original_source/workspace_pool.cc's
// WorkspacePool/Pool pair — one free-list Pool per Context, entries kept
// sorted by ascending size so Alloc's "find smallest fit" is a linear
// scan from the large end and Free's insert keeps the sort invariant.
package workspace

import (
	"fmt"
	"sync"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

// pageSize matches original_source's kWorkspacePageSize.
const pageSize = 4 << 10

// entry is one buffer in a free or allocated list.
type entry struct {
	data []byte
	free func()
	size int64
}

// pool is the free-list allocator for a single Context, mirroring
// original_source's Pool class: entries in freeList are sorted by
// ascending size; allocated holds every buffer currently checked out, in
// allocation order, so the common "free the last thing allocated" path
// is O(1).
type pool struct {
	mu        sync.Mutex
	freeList  []entry
	allocated []entry
}

// alloc rounds nbytes up to a page and scales it by scaleFactor (for
// workspace reuse across a batch of scaleFactor identical-shaped
// requests, as original_source's Alloc signature allows), then either
// reuses the smallest free entry that fits or allocates fresh from dev.
func (p *pool) alloc(dev accel.Device, nbytes int64, scaleFactor int64) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	rounded := ((nbytes + pageSize - 1) / pageSize) * pageSize
	if rounded == 0 {
		rounded = pageSize
	}
	rounded *= scaleFactor

	var e entry
	if len(p.freeList) == 0 {
		data, free := dev.Alloc(rounded)
		e = entry{data: data, free: free, size: rounded}
	} else if p.freeList[len(p.freeList)-1].size >= rounded {
		i := len(p.freeList) - 1
		for i > 0 && p.freeList[i-1].size >= rounded {
			i--
		}
		e = p.freeList[i]
		p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
	} else {
		data, free := dev.Alloc(rounded)
		e = entry{data: data, free: free, size: rounded}
	}
	p.allocated = append(p.allocated, e)
	return e.data
}

// release removes the entry whose data backs ptr from allocated and
// inserts it into freeList at the position that preserves ascending
// size order.
func (p *pool) release(ptr []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.allocated)
	if n == 0 {
		return fmt.Errorf("workspace: free of a pointer from an empty pool")
	}
	idx := -1
	if samePtr(p.allocated[n-1].data, ptr) {
		idx = n - 1
	} else {
		for i := n - 2; i >= 0; i-- {
			if samePtr(p.allocated[i].data, ptr) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return fmt.Errorf("workspace: trying to free something that was not allocated from this pool")
	}
	e := p.allocated[idx]
	p.allocated = append(p.allocated[:idx], p.allocated[idx+1:]...)

	i := len(p.freeList)
	p.freeList = append(p.freeList, entry{})
	for i > 0 && e.size < p.freeList[i-1].size {
		p.freeList[i] = p.freeList[i-1]
		i--
	}
	p.freeList[i] = e
	return nil
}

// releaseAll frees every entry in freeList back to the device allocator,
// per original_source's Pool::Release. Outstanding (not-yet-Free'd)
// allocations are a caller bug and are left untouched, matching
// original_source's CHECK_EQ(_allocated.size(), 1) precondition (which
// this Go port relaxes to a no-op rather than a hard abort).
func (p *pool) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.freeList {
		if e.free != nil {
			e.free()
		}
	}
	p.freeList = nil
}

func samePtr(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

// Pool is the per-device-kind workspace pool: WorkspacePool in
// original_source. One Go process typically owns a Pool per accel.Device
// it drives (the sampler's CPU-side scratch pool and, on a real
// accelerator build, one per GPU context).
type Pool struct {
	dev accel.Device

	mu    sync.Mutex
	pools map[tensor.Context]*pool
}

// NewPool creates a workspace pool backed by dev's allocator.
func NewPool(dev accel.Device) *Pool {
	return &Pool{dev: dev, pools: make(map[tensor.Context]*pool)}
}

func (wp *Pool) poolFor(ctx tensor.Context) *pool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	p, ok := wp.pools[ctx]
	if !ok {
		p = &pool{}
		wp.pools[ctx] = p
	}
	return p
}

// Alloc returns a page-rounded, scaleFactor-scaled scratch buffer for
// ctx, reusing a freed buffer of sufficient size when one is available.
func (wp *Pool) Alloc(ctx tensor.Context, nbytes int64, scaleFactor int64) []byte {
	if scaleFactor <= 0 {
		scaleFactor = 1
	}
	return wp.poolFor(ctx).alloc(wp.dev, nbytes, scaleFactor)
}

// Free returns ptr to ctx's free list for reuse by a later Alloc.
func (wp *Pool) Free(ctx tensor.Context, ptr []byte) error {
	return wp.poolFor(ctx).release(ptr)
}

// Release returns every currently-free buffer across all contexts to
// the device allocator. Called at shutdown.
func (wp *Pool) Release() {
	wp.mu.Lock()
	pools := make([]*pool, 0, len(wp.pools))
	for _, p := range wp.pools {
		pools = append(pools, p)
	}
	wp.mu.Unlock()
	for _, p := range pools {
		p.releaseAll()
	}
}
