package tensor

import "testing"

func Test_NewOwned_NBytesMatchesShapeAndDType(t *testing.T) {
	tt := NewOwned([]int64{4, 8}, F32, HostCtx())
	defer tt.Release()
	if got, want := tt.NBytes(), int64(4*8*4); got != want {
		t.Fatalf("NBytes() = %d, want %d", got, want)
	}
}

func Test_Borrow_RejectsWrongSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for mismatched buffer size")
		}
	}()
	Borrow([]int64{4}, I64, HostCtx(), make([]byte, 3))
}

func Test_ShapeIsImmutableCopy(t *testing.T) {
	shape := []int64{1, 2, 3}
	tt := NewOwned(shape, I32, HostCtx())
	defer tt.Release()
	shape[0] = 99
	if tt.Shape()[0] == 99 {
		t.Fatalf("tensor shape aliases caller's slice")
	}
}

func Test_Release_OwnedCallsFreeOnce(t *testing.T) {
	calls := 0
	data := make([]byte, 8)
	tt := NewOwnedWithFree([]int64{1}, I64, HostCtx(), data, func() { calls++ })
	tt.Release()
	tt.Release()
	if calls != 1 {
		t.Fatalf("free called %d times, want 1", calls)
	}
}

func Test_ElemSize(t *testing.T) {
	cases := map[DataType]int{I8: 1, U8: 1, F16: 2, F32: 4, I32: 4, F64: 8, I64: 8}
	for dt, want := range cases {
		if got := ElemSize(dt); got != want {
			t.Fatalf("ElemSize(%d) = %d, want %d", dt, got, want)
		}
	}
}
