package accel

import "testing"

func Test_CPUDevice_CopyAsyncCopiesBytes(t *testing.T) {
	dev := NewCPUDevice(0)
	s := dev.NewStream()
	defer s.Destroy()

	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	s.CopyAsync(dst, src)
	s.Synchronize()

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("dst[%d] = %d, want %d", i, dst[i], src[i])
		}
	}
}

func Test_CPUDevice_RecordEventAlreadyFired(t *testing.T) {
	dev := NewCPUDevice(0)
	s := dev.NewStream()
	defer s.Destroy()

	ev := s.Record()
	ev.Wait() // must not block
}

func Test_NewStreamSet_AllFiveStreamsDistinct(t *testing.T) {
	dev := NewCPUDevice(0)
	ss := NewStreamSet(dev)
	defer ss.Destroy()

	streams := []Stream{ss.Sample, ss.IdCopyH2D, ss.GraphCopyD2D, ss.IdCopyD2H, ss.FeatureCopyH2D}
	for i, a := range streams {
		for j, b := range streams {
			if i != j && a == b {
				t.Fatalf("stream %d and %d are the same object", i, j)
			}
		}
	}
}
