// Package extract implements the FeatureExtractor of spec.md §4.7:
// parallel row gather from a feature (or label) table into a per-batch
// output tensor, plus a mock mode that forces cache-friendly access
// patterns for benchmarking. Grounded on
// original_source/cpu_extraction.cc's cpu_extract/cpu_mock_extract
// dtype-switch, adapted to Go by dispatching on row byte width instead
// of a template instantiation per element type — a Tensor's row is
// already a contiguous byte range regardless of DataType, so one
// memcpy-shaped loop serves every element type in
// {i8,u8,f16,f32,f64,i32,i64} without needing six near-identical copies
// of the gather loop.
package extract

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

// numWorkers mirrors original_source's RunConfig::omp_thread_num: 0
// means "use every available core".
func numWorkers(requested int) int {
	if requested > 0 {
		return requested
	}
	return runtime.GOMAXPROCS(0)
}

func parallelFor(n int, workers int, fn func(start, end int)) {
	if n == 0 {
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// Extract gathers src[index[i]] into dst[i] for every i, for the dim
// rows of dst.dtype, dispatched across omp_thread_num workers. dst must
// already be shaped (len(index), dim).
func Extract(dst, src *tensor.Tensor, index []uint32, ompThreadNum int) error {
	return gather(dst, src, index, ompThreadNum, identityIndex)
}

// MockExtract is Extract's benchmarking twin: every index is first
// masked to index[i] & ((1<<k)-1), forcing repeated access to the same
// low 2^k rows regardless of the batch's real ids, per spec.md §4.7's
// "substitute input_nodes[i] & ((1<<k)-1) to force cache behavior".
func MockExtract(dst, src *tensor.Tensor, index []uint32, ompThreadNum int, k uint) error {
	mask := uint32((uint64(1) << k) - 1)
	return gather(dst, src, index, ompThreadNum, func(i uint32) uint32 { return i & mask })
}

func identityIndex(i uint32) uint32 { return i }

func gather(dst, src *tensor.Tensor, index []uint32, ompThreadNum int, remap func(uint32) uint32) error {
	if dst.DType() != src.DType() {
		return errs.ConfigError("extract.gather", fmt.Errorf("dst dtype %d does not match src dtype %d", dst.DType(), src.DType()))
	}
	dstShape := dst.Shape()
	srcShape := src.Shape()
	if len(dstShape) != 2 || len(srcShape) != 2 {
		return errs.ConfigError("extract.gather", fmt.Errorf("dst/src must both be rank-2 (num_rows, dim) tensors"))
	}
	if dstShape[0] != int64(len(index)) {
		return errs.ConfigError("extract.gather", fmt.Errorf("dst has %d rows, want %d (len(index))", dstShape[0], len(index)))
	}
	dim := dstShape[1]
	if dim != srcShape[1] {
		return errs.ConfigError("extract.gather", fmt.Errorf("dst dim %d does not match src dim %d", dim, srcShape[1]))
	}

	rowBytes := int(dim) * tensor.ElemSize(dst.DType())
	dstBytes, srcBytes := dst.Bytes(), src.Bytes()
	numRows := int64(srcShape[0])

	parallelFor(len(index), numWorkers(ompThreadNum), func(start, end int) {
		for i := start; i < end; i++ {
			srcRow := int64(remap(index[i]))
			if srcRow < 0 || srcRow >= numRows {
				continue // out-of-range ids are the caller's invariant to maintain; skip rather than panic mid-gather
			}
			d := dstBytes[i*rowBytes : i*rowBytes+rowBytes]
			s := srcBytes[srcRow*int64(rowBytes) : srcRow*int64(rowBytes)+int64(rowBytes)]
			copy(d, s)
		}
	})
	return nil
}
