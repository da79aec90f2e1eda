// Package accel is the accelerator abstraction spec.md §6 requires from
// the environment: per-device allocate/free, host<->device and
// device<->device async copy on a stream, stream create/destroy/
// synchronize, and event record/wait. A CPU-only Device satisfies the
// same interface so topology A0 needs no real accelerator.
//
// Grounded on original_source/engine.h's five named cudaStream_t* fields:
// this package's StreamSet carries the same five streams by name so each
// pipeline stage owns exactly one, per spec.md §5.
package accel

import (
	"context"
	"fmt"
	"sync"
)

// Stream is a single-writer ordered sequence of operations on one device.
// Every stage owns exactly one Stream; cross-stage dependencies are
// enforced by Event wait, never by sharing a Stream.
type Stream interface {
	// CopyAsync enqueues a byte copy from src to dst on this stream. Both
	// buffers must already be sized to len(src); CopyAsync does not block
	// on a CPU-only Device, but Synchronize must be called before dst is
	// read by another stream.
	CopyAsync(dst, src []byte)
	// Record creates an Event marking completion of everything enqueued
	// on this stream so far.
	Record() Event
	// Synchronize blocks until every enqueued operation has completed.
	Synchronize()
	// Destroy releases stream resources. No further use is valid after.
	Destroy()
}

// Event is a point in a stream's timeline that another stream can wait on.
type Event interface {
	// Wait blocks the calling goroutine until the event has fired.
	Wait()
}

// Device is the per-device allocator and stream factory.
type Device interface {
	ID() uint32
	// Alloc returns nbytes of device-resident storage. Free must be
	// called exactly once.
	Alloc(nbytes int64) (data []byte, free func())
	NewStream() Stream
}

// StreamSet groups the five streams an Engine owns per original_source's
// engine.h: one each for sampling, id copy host->device, graph copy
// device->device, id copy device->host, and feature copy host->device.
type StreamSet struct {
	Sample          Stream
	IdCopyH2D       Stream
	GraphCopyD2D    Stream
	IdCopyD2H       Stream
	FeatureCopyH2D  Stream
}

// NewStreamSet creates one stream per field from dev.
func NewStreamSet(dev Device) *StreamSet {
	return &StreamSet{
		Sample:         dev.NewStream(),
		IdCopyH2D:      dev.NewStream(),
		GraphCopyD2D:   dev.NewStream(),
		IdCopyD2H:      dev.NewStream(),
		FeatureCopyH2D: dev.NewStream(),
	}
}

func (s *StreamSet) Destroy() {
	s.Sample.Destroy()
	s.IdCopyH2D.Destroy()
	s.GraphCopyD2D.Destroy()
	s.IdCopyD2H.Destroy()
	s.FeatureCopyH2D.Destroy()
}

// --- CPU-only implementation --------------------------------------------

// CPUDevice implements Device by running every "async" copy synchronously
// on ordinary heap memory. It is the accelerator implementation used by
// topology A0 and by tests that exercise A1-A5 stage wiring without a
// real accelerator present.
type CPUDevice struct {
	id uint32
}

func NewCPUDevice(id uint32) *CPUDevice { return &CPUDevice{id: id} }

func (d *CPUDevice) ID() uint32 { return d.id }

func (d *CPUDevice) Alloc(nbytes int64) ([]byte, func()) {
	buf := make([]byte, nbytes)
	return buf, func() {}
}

func (d *CPUDevice) NewStream() Stream { return newCPUStream(d.id) }

type cpuEvent struct {
	done chan struct{}
}

func newCPUEvent() *cpuEvent { return &cpuEvent{done: make(chan struct{})} }
func (e *cpuEvent) fire()    { close(e.done) }
func (e *cpuEvent) Wait()    { <-e.done }

// cpuStream serializes its operations through a single mutex-held
// goroutine-less queue: since CopyAsync executes synchronously under the
// lock, enqueue order is completion order, matching a real single-writer
// GPU stream's ordering guarantee without needing real async hardware.
type cpuStream struct {
	deviceID uint32
	mu       sync.Mutex
}

func newCPUStream(deviceID uint32) *cpuStream { return &cpuStream{deviceID: deviceID} }

func (s *cpuStream) CopyAsync(dst, src []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(dst) != len(src) {
		panic(fmt.Sprintf("accel: CopyAsync size mismatch dst=%d src=%d", len(dst), len(src)))
	}
	copy(dst, src)
}

func (s *cpuStream) Record() Event {
	e := newCPUEvent()
	// Every prior CopyAsync already completed synchronously under s.mu,
	// so the event can fire immediately; ctx cancellation is irrelevant
	// on this synchronous path.
	e.fire()
	return e
}

func (s *cpuStream) Synchronize() {
	s.mu.Lock()
	s.mu.Unlock()
}

func (s *cpuStream) Destroy() {}

// WaitContext blocks on ev.Wait() or ctx cancellation, whichever comes
// first, returning ctx.Err() on cancellation. Used by stages honoring the
// cancellation flag at stream-synchronization suspension points (spec.md
// §5 suspension point (b)).
func WaitContext(ctx context.Context, ev Event) error {
	done := make(chan struct{})
	go func() {
		ev.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
