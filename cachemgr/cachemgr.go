// Package cachemgr implements the GPU feature cache of spec.md §4.5:
// a configurable fraction of node feature rows is ranked by a selectable
// policy and copied once to accelerator-resident storage at init; at
// steady state, extract requests are partitioned into a cached path
// (on-device gather via a read-mostly hashtable) and an uncached path
// (host gather + async host-to-device copy), merged once both streams
// have been synchronized.
package cachemgr

import (
	"math"
	"sort"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/config"
	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/sample"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

const emptySlot = math.MaxUint32

// entry is one occupied bucket of Table. No atomics are needed here,
// unlike ohash.Table's bucket: this table is built once by Rebuild
// before any reader sees it and is never mutated again during steady
// state, per spec.md §5.
type entry struct {
	global uint32
	slot   uint32
}

// Table is the device-resident open-addressed hashtable mapping global
// node id to cache slot, read-mostly after Rebuild per spec.md §5's
// "rebuilt at init (and never during steady-state)".
type Table struct {
	buckets []entry
	mask    uint32
}

func newTable(numCached uint32) *Table {
	cap32 := uint32(utils.RoundUpPow(uint64(numCached)*2 + 1))
	t := &Table{buckets: make([]entry, cap32), mask: cap32 - 1}
	for i := range t.buckets {
		t.buckets[i].slot = emptySlot
	}
	return t
}

func (t *Table) insert(global, slot uint32) {
	h := hash32(global) & t.mask
	for {
		if t.buckets[h].slot == emptySlot {
			t.buckets[h] = entry{global: global, slot: slot}
			return
		}
		h = (h + 1) & t.mask
	}
}

// Lookup returns the cache slot for global and true, or (0, false) if
// global is not cached — the "missing ids return a sentinel and take
// the miss path" of spec.md §4.5.
func (t *Table) Lookup(global uint32) (uint32, bool) {
	h := hash32(global) & t.mask
	for probes := uint32(0); probes <= t.mask; probes++ {
		b := t.buckets[h]
		if b.slot == emptySlot {
			return 0, false
		}
		if b.global == global {
			return b.slot, true
		}
		h = (h + 1) & t.mask
	}
	return 0, false
}

func hash32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// Manager owns the cached row storage, the id→slot Table, and the
// accelerator streams used to run the cached/uncached gather in
// parallel.
type Manager struct {
	policy   config.CachePolicy
	numSlots uint32
	dim      uint32
	dtype    tensor.DataType

	table    *Table
	cachedFeat *tensor.Tensor // numSlots x dim, accelerator-resident
	rankedIDs  []uint32       // the global ids chosen for caching, in rank order
}

// NewManager builds an empty Manager; call Rebuild to populate the
// cache according to policy.
func NewManager(policy config.CachePolicy, cachePercentage float64, numNodes uint32, dim uint32, dtype tensor.DataType) *Manager {
	numSlots := uint32(float64(numNodes) * cachePercentage)
	return &Manager{policy: policy, numSlots: numSlots, dim: dim, dtype: dtype}
}

// RebuildInputs bundles the signals a ranking policy may need; not every
// policy uses every field (e.g. by_degree only needs Degrees).
type RebuildInputs struct {
	CSR          *sample.CSR
	Degrees      []uint32 // in-degree or out-degree per node, policy-dependent
	TrainSet     []uint32
	SampleCounts []uint32 // pre-sample frequency counters, policy-dependent
}

// Rebuild ranks candidate ids per m.policy, selects the top numSlots, and
// copies their feature rows into storage allocated from dev, populating
// the lookup table. It is only ever called at init, per spec.md §5.
func (m *Manager) Rebuild(dev accel.Device, hostFeat *tensor.Tensor, in RebuildInputs) error {
	ranked, err := rank(m.policy, m.numSlots, in)
	if err != nil {
		return err
	}
	if uint32(len(ranked)) > m.numSlots {
		ranked = ranked[:m.numSlots]
	}
	m.rankedIDs = ranked
	m.table = newTable(uint32(len(ranked)))

	rowBytes := int(m.dim) * tensor.ElemSize(m.dtype)
	nbytes := int64(len(ranked)) * int64(rowBytes)
	data, free := dev.Alloc(nbytes)
	cached := tensor.NewOwnedWithFree([]int64{int64(len(ranked)), int64(m.dim)}, m.dtype, tensor.AccelCtx(dev.ID()), data, free)
	for slot, global := range ranked {
		src := hostFeat.Bytes()[int(global)*rowBytes : int(global)*rowBytes+rowBytes]
		dst := cached.Bytes()[slot*rowBytes : slot*rowBytes+rowBytes]
		copy(dst, src)
		m.table.insert(global, uint32(slot))
	}
	m.cachedFeat = cached
	return nil
}

// rank dispatches to the selected policy's ordering and returns
// candidate global ids best-first.
func rank(policy config.CachePolicy, numSlots uint32, in RebuildInputs) ([]uint32, error) {
	switch policy {
	case config.CacheNone:
		return nil, nil
	case config.CacheByDegree, config.CacheByDegreeHop:
		return rankByDegree(in.Degrees), nil
	case config.CacheByHeuristic:
		return rankByHeuristic(in.CSR, in.TrainSet, in.Degrees), nil
	case config.CacheByPresample, config.CacheByPresampleStatic:
		return rankByCount(in.SampleCounts), nil
	case config.CacheByFakeOptimal:
		// Oracle baseline: frequency counts gathered from a full held-out
		// sampling pass are indistinguishable, mechanically, from the
		// presample ranking; the "fake" in the name refers to it using
		// knowledge a real deployment would not have (the actual eval-time
		// access pattern), not a different ranking algorithm.
		return rankByCount(in.SampleCounts), nil
	default:
		return nil, errs.ConfigError("cachemgr.rank", nil)
	}
}

func rankByDegree(degrees []uint32) []uint32 {
	ids := make([]uint32, len(degrees))
	for i := range ids {
		ids[i] = uint32(i)
	}
	sort.Slice(ids, func(i, j int) bool { return degrees[ids[i]] > degrees[ids[j]] })
	return ids
}

func rankByCount(counts []uint32) []uint32 {
	ids := make([]uint32, len(counts))
	for i := range ids {
		ids[i] = uint32(i)
	}
	sort.Slice(ids, func(i, j int) bool { return counts[ids[i]] > counts[ids[j]] })
	return ids
}

// rankByHeuristic prioritizes the training set and its one-hop
// neighbors, then falls back to degree order for the remainder, per
// spec.md §4.5's "training seeds + their one-hop neighbors, then by
// degree".
func rankByHeuristic(csr *sample.CSR, trainSet []uint32, degrees []uint32) []uint32 {
	prioritized := make([]uint32, 0, len(trainSet)*2)
	seen := make(map[uint32]bool, len(trainSet)*2)
	for _, v := range trainSet {
		if !seen[v] {
			seen[v] = true
			prioritized = append(prioritized, v)
		}
	}
	for _, v := range trainSet {
		for _, nb := range csr.Neighbors(v) {
			if !seen[nb] {
				seen[nb] = true
				prioritized = append(prioritized, nb)
			}
		}
	}
	rest := make([]uint32, 0, int(csr.NumNodes())-len(prioritized))
	for v := uint32(0); v < csr.NumNodes(); v++ {
		if !seen[v] {
			rest = append(rest, v)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return degrees[rest[i]] > degrees[rest[j]] })
	return append(prioritized, rest...)
}

// Extract partitions globalIDs into cached/uncached index sets and, on
// two goroutines, copies the cached rows from m.cachedFeat on
// streams.GraphCopyD2D and the uncached rows from hostFeat on
// streams.IdCopyH2D, each into out at its original input position. It
// returns after both streams have been synchronized — the dual-stream
// contract of spec.md §4.5.
func (m *Manager) Extract(dev accel.Device, streams *accel.StreamSet, hostFeat *tensor.Tensor, globalIDs []uint32, out *tensor.Tensor) error {
	rowBytes := int(m.dim) * tensor.ElemSize(m.dtype)
	var cachedIdx, uncachedIdx []int
	var cachedSlots []uint32
	for i, g := range globalIDs {
		if m.table != nil {
			if slot, ok := m.table.Lookup(g); ok {
				cachedIdx = append(cachedIdx, i)
				cachedSlots = append(cachedSlots, slot)
				continue
			}
		}
		uncachedIdx = append(uncachedIdx, i)
	}

	cacheDone := make(chan struct{})
	go func() {
		for j, i := range cachedIdx {
			slot := cachedSlots[j]
			src := m.cachedFeat.Bytes()[int(slot)*rowBytes : int(slot)*rowBytes+rowBytes]
			dst := out.Bytes()[i*rowBytes : i*rowBytes+rowBytes]
			streams.GraphCopyD2D.CopyAsync(dst, src)
		}
		streams.GraphCopyD2D.Synchronize()
		close(cacheDone)
	}()

	missDone := make(chan struct{})
	go func() {
		for _, i := range uncachedIdx {
			g := globalIDs[i]
			src := hostFeat.Bytes()[int(g)*rowBytes : int(g)*rowBytes+rowBytes]
			dst := out.Bytes()[i*rowBytes : i*rowBytes+rowBytes]
			streams.IdCopyH2D.CopyAsync(dst, src)
		}
		streams.IdCopyH2D.Synchronize()
		close(missDone)
	}()

	<-cacheDone
	<-missDone
	return nil
}

// HitRatio reports the fraction of the given globalIDs that are present
// in the cache (0 for an empty list or an unbuilt cache), for the
// profiling metric of
// spec.md §8's "cache hit/miss ratio".
func (m *Manager) HitRatio(globalIDs []uint32) float64 {
	if len(globalIDs) == 0 || m.table == nil {
		return 0
	}
	hits := 0
	for _, g := range globalIDs {
		if _, ok := m.table.Lookup(g); ok {
			hits++
		}
	}
	return float64(hits) / float64(len(globalIDs))
}

// NumCached reports how many rows are currently resident in the cache.
func (m *Manager) NumCached() int { return len(m.rankedIDs) }
