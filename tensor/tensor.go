// Package tensor implements the typed, shaped, contiguous byte buffer
// that flows through every pipeline stage: mmap-backed dataset tensors,
// device-owned transient tensors, and borrowed blobs, all behind one
// tagged-buffer abstraction per spec.md's Design Notes (§9, "Raw pointers
// across the device boundary").
package tensor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DataType is the element type tag; the set is exactly spec.md §3's
// {i8,u8,f16,f32,f64,i32,i64}.
type DataType int

const (
	I8 DataType = iota
	U8
	F16
	F32
	F64
	I32
	I64
)

// ElemSize returns the byte size of one element of dtype.
func ElemSize(dt DataType) int {
	switch dt {
	case I8, U8:
		return 1
	case F16:
		return 2
	case F32, I32:
		return 4
	case F64, I64:
		return 8
	default:
		panic(fmt.Sprintf("tensor: unknown dtype %d", dt))
	}
}

// DeviceKind distinguishes host memory from an accelerator device.
type DeviceKind int

const (
	Host DeviceKind = iota
	Accelerator
)

// Context names the execution context a Tensor's bytes live in, mirroring
// original_source/common.h's Context{device_type, device_id}.
type Context struct {
	Kind DeviceKind
	ID   uint32
}

func HostCtx() Context                     { return Context{Kind: Host} }
func AccelCtx(id uint32) Context            { return Context{Kind: Accelerator, ID: id} }
func (c Context) String() string {
	if c.Kind == Host {
		return "host"
	}
	return fmt.Sprintf("accel:%d", c.ID)
}

// kind distinguishes the three buffer ownership models spec.md §3 names.
type kind int

const (
	kindMmap kind = iota // shared, read-only, never freed on drop
	kindOwned            // freed via the device allocator on drop
	kindBlob             // no ownership at all
)

// Tensor is a typed, shaped, contiguous byte buffer tagged with a Context.
// Shape and DType are immutable once created; nbytes always equals
// product(shape) * ElemSize(dtype).
type Tensor struct {
	shape []int64
	dtype DataType
	ctx   Context
	kind  kind
	data  []byte

	// free, when non-nil, is invoked exactly once by Release: the device
	// allocator's free for NewOwnedWithFree tensors, the unmap for Mmap
	// tensors; nil for NewOwned and blob tensors.
	free func()
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// nbytes computes the required byte length for shape/dtype, matching the
// invariant nbytes == product(shape) * element_size(dtype).
func nbytes(shape []int64, dtype DataType) int64 {
	return numel(shape) * int64(ElemSize(dtype))
}

// NewOwned allocates a new host-backed tensor owned by the caller; Release
// drops the backing array (there is no separate device allocator to return
// to on the host path — see accel.Device for device-owned allocations).
func NewOwned(shape []int64, dtype DataType, ctx Context) *Tensor {
	n := nbytes(shape, dtype)
	return &Tensor{
		shape: append([]int64(nil), shape...),
		dtype: dtype,
		ctx:   ctx,
		kind:  kindOwned,
		data:  make([]byte, n),
	}
}

// NewOwnedWithFree wraps a caller-supplied buffer (typically returned by a
// device allocator such as accel.Device.Alloc) whose Release must invoke
// free exactly once.
func NewOwnedWithFree(shape []int64, dtype DataType, ctx Context, data []byte, free func()) *Tensor {
	want := nbytes(shape, dtype)
	if int64(len(data)) != want {
		panic(fmt.Sprintf("tensor: buffer has %d bytes, shape/dtype need %d", len(data), want))
	}
	return &Tensor{shape: append([]int64(nil), shape...), dtype: dtype, ctx: ctx, kind: kindOwned, data: data, free: free}
}

// Borrow wraps an existing byte slice without taking ownership; Release is
// a no-op.
func Borrow(shape []int64, dtype DataType, ctx Context, data []byte) *Tensor {
	want := nbytes(shape, dtype)
	if int64(len(data)) != want {
		panic(fmt.Sprintf("tensor: buffer has %d bytes, shape/dtype need %d", len(data), want))
	}
	return &Tensor{shape: append([]int64(nil), shape...), dtype: dtype, ctx: ctx, kind: kindBlob, data: data}
}

// Mmap maps the file at path read-only and wraps it as a shared,
// never-freed-on-drop tensor. The returned Tensor's Release unmaps the
// region; callers that want the mapping to outlive the Tensor (e.g. the
// process-lifetime Dataset) simply never call Release.
func Mmap(path string, shape []int64, dtype DataType) (*Tensor, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("tensor: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	want := nbytes(shape, dtype)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("tensor: stat %s: %w", path, err)
	}
	if st.Size < want {
		return nil, fmt.Errorf("tensor: %s is %d bytes, need at least %d for shape %v dtype %d", path, st.Size, want, shape, dtype)
	}

	data, err := unix.Mmap(fd, 0, int(want), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("tensor: mmap %s: %w", path, err)
	}

	t := &Tensor{shape: append([]int64(nil), shape...), dtype: dtype, ctx: HostCtx(), kind: kindMmap, data: data}
	t.free = func() { _ = unix.Munmap(data) }
	return t, nil
}

func (t *Tensor) Shape() []int64 { return t.shape }
func (t *Tensor) DType() DataType { return t.dtype }
func (t *Tensor) Ctx() Context   { return t.ctx }
func (t *Tensor) NBytes() int64  { return int64(len(t.data)) }
func (t *Tensor) Bytes() []byte  { return t.data }

// Release frees device-owned backing storage; mmap regions are unmapped
// only if Release is explicitly called (per spec.md §3, mmap-backed
// tensors are "not freed on drop" by default — callers that created one
// via Mmap and want it unmapped call Release themselves).
func (t *Tensor) Release() {
	if t.free != nil {
		t.free()
		t.free = nil
	}
	t.data = nil
}

func (t *Tensor) IsMmap() bool   { return t.kind == kindMmap }
func (t *Tensor) IsOwned() bool  { return t.kind == kindOwned }
func (t *Tensor) IsBorrowed() bool { return t.kind == kindBlob }
