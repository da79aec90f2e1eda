package sample

import "math/rand"

// AliasTables holds the precomputed O(1)-draw tables for weighted
// sampling: ProbTable[e] is the acceptance probability for edge e,
// AliasTable[e] is the alternate index to fall back to, both indexed in
// parallel with CSR.Indices (one entry per edge, grouped by source node's
// CSR range), per spec.md §4.4.
type AliasTables struct {
	ProbTable  []float32 // len E
	AliasTable []uint32  // len E
}

// BuildAliasTables constructs Vose's alias tables for every node's
// neighbor weight distribution, offline, in CSR.Indices order.
func BuildAliasTables(csr CSR, weights []float32) AliasTables {
	n := csr.NumNodes()
	prob := make([]float32, len(csr.Indices))
	alias := make([]uint32, len(csr.Indices))

	for v := uint32(0); v < n; v++ {
		off := csr.Indptr[v]
		end := csr.Indptr[v+1]
		d := int(end - off)
		if d == 0 {
			continue
		}
		buildAliasForNode(weights[off:end], prob[off:end], alias[off:end], off)
	}
	return AliasTables{ProbTable: prob, AliasTable: alias}
}

// buildAliasForNode is Vose's alias-method construction for one node's d
// outgoing edge weights. prob/alias are the node's own slice of the
// tables, but alias stores global offsets into csr.Indices (off+local),
// not node-local indices, so drawAlias can index prob/alias and
// CSR.Indices with the same off-relative arithmetic per spec.md §6/§4.4.
func buildAliasForNode(w []float32, prob []float32, alias []uint32, off uint32) {
	d := len(w)
	scaled := make([]float64, d)
	var sum float64
	for _, x := range w {
		sum += float64(x)
	}
	if sum == 0 {
		for i := range prob {
			prob[i] = 1
			alias[i] = off + uint32(i)
		}
		return
	}
	for i, x := range w {
		scaled[i] = float64(x) / sum * float64(d)
	}

	var small, large []int
	for i, s := range scaled {
		if s < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		prob[s] = float32(scaled[s])
		alias[s] = off + uint32(l)
		scaled[l] = scaled[l] + scaled[s] - 1
		if scaled[l] < 1 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}
	for _, l := range large {
		prob[l] = 1
		alias[l] = off + uint32(l)
	}
	for _, s := range small {
		prob[s] = 1
		alias[s] = off + uint32(s)
	}
}

// drawAlias draws one index in [0,d) from the alias tables for the edge
// range [off,off+d), implementing spec.md §4.4's "pick integer i in [0,d)
// uniformly; with probability prob_table[off+i] return indices[off+i],
// else return indices[alias_table[off+i]]".
func drawAlias(rng *rand.Rand, off, d uint32, prob []float32, alias []uint32) uint32 {
	i := uint32(rng.Intn(int(d)))
	if rng.Float32() < prob[off+i] {
		return i
	}
	return alias[off+i] - off
}

// WeightedKhop samples fanout neighbors per input node without
// replacement, proportional to edge weight, via the precomputed alias
// tables. Per spec.md §9 OQ-2, when deg(v) < fanout every neighbor is
// taken (the only without-replacement choice available, so weights are
// moot); otherwise neighbors are drawn via the alias tables.
func WeightedKhop(csr CSR, tables AliasTables, in []uint32, fanout uint32, seed int64, numWorkers int) (src, dst []uint32, numOut uint32) {
	n := len(in)
	srcBuf := make([]uint32, n*int(fanout))
	dstBuf := make([]uint32, n*int(fanout))
	counts := make([]uint32, n)

	parallelFor(n, numWorkers, func(start, end int) {
		rng := rand.New(rand.NewSource(seed + int64(start)))
		for i := start; i < end; i++ {
			v := in[i]
			off := csr.Indptr[v]
			d := csr.Degree(v)
			base := i * int(fanout)
			neighbors := csr.Neighbors(v)

			if d <= fanout {
				for j, u := range neighbors {
					srcBuf[base+j] = v
					dstBuf[base+j] = u
				}
				counts[i] = d
				continue
			}

			chosen := make(map[uint32]bool, fanout)
			j := uint32(0)
			for j < fanout {
				localIdx := drawAlias(rng, off, d, tables.ProbTable, tables.AliasTable)
				if chosen[localIdx] {
					continue // without-replacement: redraw on collision
				}
				chosen[localIdx] = true
				srcBuf[base+int(j)] = v
				dstBuf[base+int(j)] = neighbors[localIdx]
				j++
			}
			counts[i] = fanout
		}
	})

	return compact(srcBuf, dstBuf, counts, int(fanout))
}
