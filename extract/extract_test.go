package extract

import (
	"testing"

	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

func buildFeatureTable(t *testing.T, numRows, dim int) *tensor.Tensor {
	t.Helper()
	ft := tensor.NewOwned([]int64{int64(numRows), int64(dim)}, tensor.F32, tensor.HostCtx())
	buf := ft.Bytes()
	for r := 0; r < numRows; r++ {
		for c := 0; c < dim; c++ {
			buf[(r*dim+c)*4] = byte(r) // row-tagged: first byte of every f32 encodes the row id
		}
	}
	return ft
}

func Test_Extract_GathersRequestedRowsInOrder(t *testing.T) {
	src := buildFeatureTable(t, 10, 4)
	index := []uint32{3, 7, 0, 9}
	dst := tensor.NewOwned([]int64{int64(len(index)), 4}, tensor.F32, tensor.HostCtx())

	if err := Extract(dst, src, index, 2); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	dstBuf := dst.Bytes()
	for i, want := range index {
		if dstBuf[i*4*4] != byte(want) {
			t.Fatalf("row %d tag = %d, want %d", i, dstBuf[i*4*4], want)
		}
	}
}

func Test_Extract_RejectsDimMismatch(t *testing.T) {
	src := buildFeatureTable(t, 10, 4)
	dst := tensor.NewOwned([]int64{2, 8}, tensor.F32, tensor.HostCtx())
	if err := Extract(dst, src, []uint32{0, 1}, 1); err == nil {
		t.Fatalf("expected Extract to reject a dst dim that does not match src")
	}
}

func Test_MockExtract_MasksIndicesToLowRows(t *testing.T) {
	src := buildFeatureTable(t, 16, 4)
	index := []uint32{15, 3, 100}
	dst := tensor.NewOwned([]int64{int64(len(index)), 4}, tensor.F32, tensor.HostCtx())

	// k=2 -> mask 0b11: every index collapses into rows {0,1,2,3}.
	if err := MockExtract(dst, src, index, 1, 2); err != nil {
		t.Fatalf("MockExtract: %v", err)
	}
	dstBuf := dst.Bytes()
	for i, want := range index {
		wantRow := byte(want & 0b11)
		if dstBuf[i*4*4] != wantRow {
			t.Fatalf("row %d tag = %d, want %d (masked from %d)", i, dstBuf[i*4*4], wantRow, want)
		}
	}
}

func Test_Extract_LabelDimOne(t *testing.T) {
	src := buildFeatureTable(t, 5, 1)
	index := []uint32{4, 0, 2}
	dst := tensor.NewOwned([]int64{int64(len(index)), 1}, tensor.F32, tensor.HostCtx())

	if err := Extract(dst, src, index, 0); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	dstBuf := dst.Bytes()
	for i, want := range index {
		if dstBuf[i*4] != byte(want) {
			t.Fatalf("row %d = %d, want %d", i, dstBuf[i*4], want)
		}
	}
}
