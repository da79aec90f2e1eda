// Package dataset loads the on-disk dataset layout of spec.md §6: meta.txt
// plus the CSR/feature/label/split binary files, mmap-backed wherever
// spec.md says tensors are "ordinarily mmap-backed".
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/sample"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// Meta holds the key/value pairs declared in meta.txt.
type Meta struct {
	NumNode      int64
	NumEdge      int64
	FeatDim      int64
	NumClass     int64
	NumTrainSet  int64
	NumTestSet   int64
	NumValidSet  int64
}

// Dataset is the read-mostly, process-lifetime graph + features spec.md
// §3 describes. All tensors except possibly a sampler-device copy of
// indptr/indices are mmap-backed.
type Dataset struct {
	Meta Meta

	Indptr  *tensor.Tensor // i32[N+1]
	Indices *tensor.Tensor // i32[E]

	ProbTable  *tensor.Tensor // f32[E], optional
	AliasTable *tensor.Tensor // i32[E], optional
	InDegrees  *tensor.Tensor // u32[N], optional
	OutDegrees *tensor.Tensor // u32[N], optional

	Feat  *tensor.Tensor // f32[N x D]
	Label *tensor.Tensor // i64[N]

	TrainSet *tensor.Tensor // u32[NumTrainSet]
	TestSet  *tensor.Tensor // u32[NumTestSet]
	ValidSet *tensor.Tensor // u32[NumValidSet]
}

// PredictNumNodes sizes the OrderedHashTable's capacity for one batch:
// the worst case is every seed's every sampled edge touching a distinct
// node, across every layer, plus the seeds themselves.
func PredictNumNodes(batchSize uint32, fanout []uint32) uint32 {
	total := uint64(batchSize)
	layerSize := uint64(batchSize)
	for _, f := range fanout {
		layerSize *= uint64(f)
		total += layerSize
	}
	// Round up to the next power of two, as ohash.NewTable requires, with
	// headroom since open addressing degrades as load factor approaches 1.
	cap := utils.RoundUpPow(min64(total*2, 1<<31))
	if cap == 0 {
		cap = 1
	}
	return uint32(cap)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Load reads meta.txt and mmaps every binary file named in spec.md §6
// under root. Optional files (alias tables, degree arrays) are left nil
// when absent rather than erroring.
func Load(root string) (*Dataset, error) {
	meta, err := loadMeta(filepath.Join(root, "meta.txt"))
	if err != nil {
		return nil, errs.IoError("dataset.Load.meta", err)
	}

	ds := &Dataset{Meta: *meta}

	must := func(name string, shape []int64, dtype tensor.DataType) (*tensor.Tensor, error) {
		t, err := tensor.Mmap(filepath.Join(root, name), shape, dtype)
		if err != nil {
			return nil, errs.IoError("dataset.Load."+name, err)
		}
		return t, nil
	}
	optional := func(name string, shape []int64, dtype tensor.DataType) (*tensor.Tensor, error) {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
		t, err := tensor.Mmap(path, shape, dtype)
		if err != nil {
			return nil, errs.IoError("dataset.Load."+name, err)
		}
		return t, nil
	}

	if ds.Indptr, err = must("indptr.bin", []int64{meta.NumNode + 1}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.Indices, err = must("indices.bin", []int64{meta.NumEdge}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.Feat, err = must("feat.bin", []int64{meta.NumNode, meta.FeatDim}, tensor.F32); err != nil {
		return nil, err
	}
	if ds.Label, err = must("label.bin", []int64{meta.NumNode}, tensor.I64); err != nil {
		return nil, err
	}
	if ds.TrainSet, err = must("train_set.bin", []int64{meta.NumTrainSet}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.TestSet, err = must("test_set.bin", []int64{meta.NumTestSet}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.ValidSet, err = must("valid_set.bin", []int64{meta.NumValidSet}, tensor.I32); err != nil {
		return nil, err
	}

	if ds.ProbTable, err = optional("prob_table.bin", []int64{meta.NumEdge}, tensor.F32); err != nil {
		return nil, err
	}
	if ds.AliasTable, err = optional("alias_table.bin", []int64{meta.NumEdge}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.InDegrees, err = optional("in_degrees.bin", []int64{meta.NumNode}, tensor.I32); err != nil {
		return nil, err
	}
	if ds.OutDegrees, err = optional("out_degrees.bin", []int64{meta.NumNode}, tensor.I32); err != nil {
		return nil, err
	}

	if err := ds.checkInvariants(); err != nil {
		return nil, err
	}
	return ds, nil
}

// checkInvariants enforces spec.md §3's CSR invariants: |indptr| = N+1,
// indptr[0]=0, indptr[N]=E, indptr non-decreasing, all indices in [0,N).
func (d *Dataset) checkInvariants() error {
	indptr := asI32(d.Indptr)
	n := d.Meta.NumNode
	if int64(len(indptr)) != n+1 {
		return errs.InvariantError("dataset.checkInvariants", fmt.Errorf("|indptr|=%d, want %d", len(indptr), n+1))
	}
	if indptr[0] != 0 {
		return errs.InvariantError("dataset.checkInvariants", fmt.Errorf("indptr[0]=%d, want 0", indptr[0]))
	}
	if int64(indptr[n]) != d.Meta.NumEdge {
		return errs.InvariantError("dataset.checkInvariants", fmt.Errorf("indptr[N]=%d, want %d", indptr[n], d.Meta.NumEdge))
	}
	for i := int64(1); i <= n; i++ {
		if indptr[i] < indptr[i-1] {
			return errs.InvariantError("dataset.checkInvariants", fmt.Errorf("indptr not non-decreasing at %d", i))
		}
	}
	indices := asI32(d.Indices)
	for i, u := range indices {
		if u < 0 || int64(u) >= n {
			return errs.InvariantError("dataset.checkInvariants", fmt.Errorf("indices[%d]=%d out of range [0,%d)", i, u, n))
		}
	}
	return nil
}

// CSR reinterprets the mmap-backed indptr/indices tensors as the
// sample package's unsigned view, zero-copy: node and edge ids are
// always non-negative, so an i32's bit pattern is identical to the
// corresponding uint32.
func (d *Dataset) CSR() sample.CSR {
	return sample.CSR{
		Indptr:  reinterpretAsU32(d.Indptr),
		Indices: reinterpretAsU32(d.Indices),
	}
}

func reinterpretAsU32(t *tensor.Tensor) []uint32 {
	b := t.Bytes()
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func reinterpretAsF32(t *tensor.Tensor) []float32 {
	b := t.Bytes()
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AliasTables exposes the optional precomputed weighted-sampling tables as
// the sample package's view, zero-copy. ok is false when the dataset
// carries no alias tables, in which case weighted_khop is unavailable.
func (d *Dataset) AliasTables() (sample.AliasTables, bool) {
	if d.ProbTable == nil || d.AliasTable == nil {
		return sample.AliasTables{}, false
	}
	return sample.AliasTables{
		ProbTable:  reinterpretAsF32(d.ProbTable),
		AliasTable: reinterpretAsU32(d.AliasTable),
	}, true
}

// Degrees returns the per-node degree array used by cachemgr's
// degree-ranked policies: out_degrees.bin when present, else
// in_degrees.bin, else out-degrees derived from the CSR.
func (d *Dataset) Degrees() []uint32 {
	if d.OutDegrees != nil {
		return reinterpretAsU32(d.OutDegrees)
	}
	if d.InDegrees != nil {
		return reinterpretAsU32(d.InDegrees)
	}
	return d.CSR().Degrees()
}

func asI32(t *tensor.Tensor) []int32 {
	b := t.Bytes()
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(b[i*4]) | int32(b[i*4+1])<<8 | int32(b[i*4+2])<<16 | int32(b[i*4+3])<<24
	}
	return out
}

func loadMeta(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := make(map[string]int64)
	scanner := utils.FastFileLines{Buf: make([]byte, 4096)}
	fields := make([]string, 2)
	for {
		line := scanner.Scan(f)
		if line == nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		fields[0], fields[1] = "", ""
		utils.FastFields(fields, line)
		if fields[0] == "" {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("meta.txt: bad value for %s: %w", fields[0], err)
		}
		kv[fields[0]] = v
	}

	need := func(key string) (int64, error) {
		v, ok := kv[key]
		if !ok {
			return 0, fmt.Errorf("meta.txt: missing key %s", key)
		}
		return v, nil
	}

	m := &Meta{}
	var gerr error
	assign := func(dst *int64, key string) {
		if gerr != nil {
			return
		}
		v, err := need(key)
		if err != nil {
			gerr = err
			return
		}
		*dst = v
	}
	assign(&m.NumNode, "NUM_NODE")
	assign(&m.NumEdge, "NUM_EDGE")
	assign(&m.FeatDim, "FEAT_DIM")
	assign(&m.NumClass, "NUM_CLASS")
	assign(&m.NumTrainSet, "NUM_TRAIN_SET")
	assign(&m.NumTestSet, "NUM_TEST_SET")
	assign(&m.NumValidSet, "NUM_VALID_SET")
	if gerr != nil {
		return nil, gerr
	}
	return m, nil
}

// Close releases every mmap-backed tensor. Callers typically only do this
// at process shutdown since Dataset is process-lifetime.
func (d *Dataset) Close() {
	for _, t := range []*tensor.Tensor{d.Indptr, d.Indices, d.ProbTable, d.AliasTable, d.InDegrees, d.OutDegrees, d.Feat, d.Label, d.TrainSet, d.TestSet, d.ValidSet} {
		if t != nil {
			t.Release()
		}
	}
}
