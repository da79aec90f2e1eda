// shm_queue.go implements the A5 cross-process variant of spec.md §4.6:
// task payloads are serialized into a shared memory region alongside a
// ring buffer of descriptors, so a sampler process and a remapper/trainer
// process can hand off tasks without going through a socket. Grounded on
// tensor.Mmap's use of golang.org/x/sys/unix.Mmap/Munmap for file-backed
// shared mappings (the only IPC primitive the retrieval pack's dependency
// set confidently provides); synchronization is a pair of spin-polled
// atomic counters living in the mapped region itself rather than SysV
// semaphores, since an un-mapped word in shared memory is exactly as
// valid a cross-process synchronization primitive as a kernel semaphore
// and keeps this file grounded in APIs already proven elsewhere in this
// tree (tensor.Mmap).
package queue

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const descriptorSize = 16 // 8 (key) + 4 (offset) + 4 (length), little-endian

// headerSize holds three uint32 cursors (head, tail, closed) ahead of
// the descriptor ring.
const headerSize = 12

// ShmRing is a fixed-capacity ring of task descriptors plus a backing
// payload arena, both living in one file-backed shared mapping so a
// producer and a consumer in separate processes can exchange tasks.
type ShmRing struct {
	path     string
	base     []byte
	capacity uint32
	payload  []byte // slice of base, after the descriptor ring
	owner    bool   // true for the process that created the backing file
}

// CreateShmRing creates (or truncates) the backing file at path, sized
// for capacity descriptors (rounded up to a power of two) plus
// payloadBytes of arena, and maps it MAP_SHARED. The creating process is
// the ring's owner and should call Destroy once every other process has
// called Close.
func CreateShmRing(path string, capacity uint32, payloadBytes uint32) (*ShmRing, error) {
	capacity = nextPow2(capacity)
	total := headerSize + int(capacity)*descriptorSize + int(payloadBytes)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("queue: create shm backing file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(total)); err != nil {
		return nil, fmt.Errorf("queue: truncate shm backing file: %w", err)
	}

	base, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("queue: mmap shm backing file: %w", err)
	}

	r := &ShmRing{path: path, base: base, capacity: capacity, owner: true}
	r.payload = base[headerSize+int(capacity)*descriptorSize:]
	binary.LittleEndian.PutUint32(base[0:4], 0)  // head
	binary.LittleEndian.PutUint32(base[4:8], 0)  // tail
	binary.LittleEndian.PutUint32(base[8:12], 0) // closed
	return r, nil
}

// OpenShmRing maps the ring at path, previously created by CreateShmRing
// in another process. capacity/payloadBytes must match the values passed
// to CreateShmRing.
func OpenShmRing(path string, capacity uint32, payloadBytes uint32) (*ShmRing, error) {
	capacity = nextPow2(capacity)
	total := headerSize + int(capacity)*descriptorSize + int(payloadBytes)

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("queue: open shm backing file: %w", err)
	}
	defer f.Close()

	base, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("queue: mmap shm backing file (attach): %w", err)
	}

	r := &ShmRing{path: path, base: base, capacity: capacity, owner: false}
	r.payload = base[headerSize+int(capacity)*descriptorSize:]
	return r, nil
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}

func (r *ShmRing) headPtr() *uint32   { return (*uint32)(unsafe.Pointer(&r.base[0])) }
func (r *ShmRing) tailPtr() *uint32   { return (*uint32)(unsafe.Pointer(&r.base[4])) }
func (r *ShmRing) closedPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.base[8])) }

func (r *ShmRing) descOff(slot uint32) int {
	return headerSize + int(slot&(r.capacity-1))*descriptorSize
}

// Push serializes payload into the arena (at an offset derived from the
// descriptor slot; payloads are at most len(payload arena)/capacity
// bytes) and publishes a descriptor for it, spin-waiting while the ring
// is full. Push supports one producer at a time: it reads tail and
// advances it in separate steps, so two concurrent Pushes can claim the
// same slot.
func (r *ShmRing) Push(key uint64, payload []byte, cancelled func() bool) error {
	slotBytes := uint32(len(r.payload)) / r.capacity
	if uint32(len(payload)) > slotBytes {
		return fmt.Errorf("queue: payload of %d bytes exceeds per-slot arena of %d bytes", len(payload), slotBytes)
	}

	headP, tailP, closedP := r.headPtr(), r.tailPtr(), r.closedPtr()
	for spins := 0; ; spins++ {
		tail := atomic.LoadUint32(tailP)
		head := atomic.LoadUint32(headP)
		if tail-head < r.capacity {
			break
		}
		if cancelled != nil && cancelled() {
			return fmt.Errorf("queue: Push cancelled")
		}
		if atomic.LoadUint32(closedP) != 0 {
			return fmt.Errorf("queue: Push on a closed ring")
		}
		backoffSpin(spins)
	}

	tail := atomic.LoadUint32(tailP)
	off := (tail & (r.capacity - 1)) * slotBytes
	copy(r.payload[off:off+uint32(len(payload))], payload)

	off2 := r.descOff(tail)
	binary.LittleEndian.PutUint64(r.base[off2:], key)
	binary.LittleEndian.PutUint32(r.base[off2+8:], off)
	binary.LittleEndian.PutUint32(r.base[off2+12:], uint32(len(payload)))

	atomic.AddUint32(tailP, 1)
	return nil
}

// Pop spin-waits for a descriptor and returns a copy of its payload. The
// caller must read Pop's result before the producer overwrites that
// slot's arena region, which cannot happen until capacity further Pushes
// have occurred, so a single consumer keeping pace is always safe.
func (r *ShmRing) Pop(cancelled func() bool) (key uint64, payload []byte, err error) {
	headP, tailP, closedP := r.headPtr(), r.tailPtr(), r.closedPtr()
	for spins := 0; ; spins++ {
		head := atomic.LoadUint32(headP)
		tail := atomic.LoadUint32(tailP)
		if tail != head {
			break
		}
		if atomic.LoadUint32(closedP) != 0 {
			return 0, nil, fmt.Errorf("queue: Pop on a closed, drained ring")
		}
		if cancelled != nil && cancelled() {
			return 0, nil, fmt.Errorf("queue: Pop cancelled")
		}
		backoffSpin(spins)
	}

	head := atomic.LoadUint32(headP)
	off2 := r.descOff(head)
	key = binary.LittleEndian.Uint64(r.base[off2:])
	off := binary.LittleEndian.Uint32(r.base[off2+8:])
	length := binary.LittleEndian.Uint32(r.base[off2+12:])
	payload = append([]byte(nil), r.payload[off:off+length]...)

	atomic.AddUint32(headP, 1)
	return key, payload, nil
}

// SignalClosed marks the ring closed: no further Pushes are accepted,
// and a Pop against an empty, closed ring returns an error instead of
// spinning forever.
func (r *ShmRing) SignalClosed() { atomic.StoreUint32(r.closedPtr(), 1) }

func backoffSpin(spins int) {
	if spins < 64 {
		return
	}
	d := time.Duration(spins-64) * time.Microsecond
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
}

// Close unmaps this process's view of the ring.
func (r *ShmRing) Close() error {
	return unix.Munmap(r.base)
}

// Destroy removes the backing file. Only the owner should call this,
// after every other process has called Close.
func (r *ShmRing) Destroy() error {
	return os.Remove(r.path)
}
