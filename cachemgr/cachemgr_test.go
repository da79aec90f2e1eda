package cachemgr

import (
	"testing"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/config"
	"github.com/SJTU-IPADS/samgraph-go/sample"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

func starGraph() *sample.CSR {
	// node 0 has neighbors 1..5, each leaf points back to 0.
	return &sample.CSR{
		Indptr:  []uint32{0, 5, 6, 7, 8, 9, 10},
		Indices: []uint32{1, 2, 3, 4, 5, 0, 0, 0, 0, 0},
	}
}

func hostFeatures(n, dim int) *tensor.Tensor {
	t := tensor.NewOwned([]int64{int64(n), int64(dim)}, tensor.F32, tensor.HostCtx())
	buf := t.Bytes()
	for i := 0; i < n; i++ {
		buf[i*dim*4] = byte(i)
	}
	return t
}

func Test_Rebuild_ByDegree_CachesHighestDegreeNodesFirst(t *testing.T) {
	csr := starGraph()
	degrees := make([]uint32, csr.NumNodes())
	for v := uint32(0); v < csr.NumNodes(); v++ {
		degrees[v] = csr.Degree(v)
	}
	m := NewManager(config.CacheByDegree, 1.0/6.0, csr.NumNodes(), 1, tensor.F32)
	dev := accel.NewCPUDevice(0)
	hf := hostFeatures(6, 1)

	if err := m.Rebuild(dev, hf, RebuildInputs{Degrees: degrees}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if m.NumCached() != 1 {
		t.Fatalf("NumCached() = %d, want 1", m.NumCached())
	}
	if _, ok := m.table.Lookup(0); !ok {
		t.Fatalf("expected node 0 (highest degree) to be cached")
	}
}

func Test_Extract_MergesCachedAndUncachedInOriginalOrder(t *testing.T) {
	csr := starGraph()
	degrees := make([]uint32, csr.NumNodes())
	for v := uint32(0); v < csr.NumNodes(); v++ {
		degrees[v] = csr.Degree(v)
	}
	m := NewManager(config.CacheByDegree, 1.0/6.0, csr.NumNodes(), 1, tensor.F32)
	dev := accel.NewCPUDevice(0)
	hf := hostFeatures(6, 1)
	if err := m.Rebuild(dev, hf, RebuildInputs{Degrees: degrees}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	streams := accel.NewStreamSet(dev)
	defer streams.Destroy()

	ids := []uint32{3, 0, 5}
	out := tensor.NewOwned([]int64{int64(len(ids)), 1}, tensor.F32, tensor.HostCtx())
	if err := m.Extract(dev, streams, hf, ids, out); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got := out.Bytes()
	for i, id := range ids {
		if got[i*4] != byte(id) {
			t.Fatalf("out row %d = %d, want %d (feature row for global id %d)", i, got[i*4], id, id)
		}
	}
}

func Test_HitRatio_ReflectsCachedFraction(t *testing.T) {
	csr := starGraph()
	degrees := make([]uint32, csr.NumNodes())
	for v := uint32(0); v < csr.NumNodes(); v++ {
		degrees[v] = csr.Degree(v)
	}
	m := NewManager(config.CacheByDegree, 1.0/6.0, csr.NumNodes(), 1, tensor.F32)
	dev := accel.NewCPUDevice(0)
	hf := hostFeatures(6, 1)
	if err := m.Rebuild(dev, hf, RebuildInputs{Degrees: degrees}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	ratio := m.HitRatio([]uint32{0, 1, 2, 3})
	if ratio != 0.25 {
		t.Fatalf("HitRatio() = %v, want 0.25 (1 of 4 ids cached)", ratio)
	}
}

func Test_Rebuild_NoneDisablesCaching(t *testing.T) {
	m := NewManager(config.CacheNone, 0, 6, 1, tensor.F32)
	dev := accel.NewCPUDevice(0)
	hf := hostFeatures(6, 1)
	if err := m.Rebuild(dev, hf, RebuildInputs{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if m.NumCached() != 0 {
		t.Fatalf("NumCached() = %d, want 0 under CacheNone", m.NumCached())
	}
	if _, ok := m.table.Lookup(0); ok {
		t.Fatalf("expected no lookups to hit under CacheNone")
	}
}

func Test_RankByHeuristic_PrioritizesTrainSetAndOneHop(t *testing.T) {
	csr := starGraph()
	degrees := make([]uint32, csr.NumNodes())
	for v := uint32(0); v < csr.NumNodes(); v++ {
		degrees[v] = csr.Degree(v)
	}
	ranked := rankByHeuristic(csr, []uint32{1}, degrees)
	// node 1's one-hop neighbor is 0; both must precede any other leaf.
	pos := map[uint32]int{}
	for i, v := range ranked {
		pos[v] = i
	}
	if pos[1] > pos[2] || pos[0] > pos[2] {
		t.Fatalf("ranked = %v, want train seed 1 and its neighbor 0 ranked before node 2", ranked)
	}
}
