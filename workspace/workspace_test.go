package workspace

import (
	"testing"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

func Test_Alloc_RoundsUpToPageSize(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	buf := wp.Alloc(ctx, 1, 1)
	if len(buf) != pageSize {
		t.Fatalf("Alloc(1) = %d bytes, want %d (one page)", len(buf), pageSize)
	}
}

func Test_Alloc_ScaleFactorMultipliesSize(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	buf := wp.Alloc(ctx, pageSize, 4)
	if len(buf) != pageSize*4 {
		t.Fatalf("Alloc(pageSize, scale=4) = %d bytes, want %d", len(buf), pageSize*4)
	}
}

func Test_FreeThenAlloc_ReusesSameBackingBuffer(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	a := wp.Alloc(ctx, pageSize, 1)
	if err := wp.Free(ctx, a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b := wp.Alloc(ctx, pageSize, 1)
	if &a[0] != &b[0] {
		t.Fatalf("expected second Alloc of the same size to reuse the freed buffer")
	}
}

func Test_Free_UnknownPointerReturnsError(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	if err := wp.Free(ctx, make([]byte, pageSize)); err == nil {
		t.Fatalf("expected Free of a buffer never returned by Alloc to report an error")
	}
}

func Test_Free_LastAllocatedIsFastPath(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	a := wp.Alloc(ctx, pageSize, 1)
	b := wp.Alloc(ctx, pageSize*2, 1)
	if err := wp.Free(ctx, b); err != nil {
		t.Fatalf("Free(b): %v", err)
	}
	if err := wp.Free(ctx, a); err != nil {
		t.Fatalf("Free(a): %v", err)
	}
}

func Test_DistinctContexts_GetIndependentPools(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)

	a := wp.Alloc(tensor.HostCtx(), pageSize, 1)
	if err := wp.Free(tensor.AccelCtx(0), a); err == nil {
		t.Fatalf("expected Free under a different Context's pool to fail to find the buffer")
	}
}

func Test_Release_FreesOnlyFreedBuffers(t *testing.T) {
	dev := accel.NewCPUDevice(0)
	wp := NewPool(dev)
	ctx := tensor.HostCtx()

	a := wp.Alloc(ctx, pageSize, 1)
	wp.Release()
	// a is still "allocated" from the caller's point of view; Release
	// must not have touched it, so Free(a) should still succeed.
	if err := wp.Free(ctx, a); err != nil {
		t.Fatalf("Free(a) after Release: %v", err)
	}
}
