// Package sample implements the neighbor-sampling kernels of spec.md
// §4.4: khop_reservoir, khop_sample_parallel, weighted_khop, and
// random_walk. All kernels share the signature: given the CSR of the full
// graph, an input id array, and a fanout, produce (src_out, dst_out,
// num_out) sampled edges, with src_out[i*k+j] the input node and
// dst_out[i*k+j] its j-th sampled neighbor. Undersampled nodes emit all
// neighbors with no padding and no replacement; num_out reflects the
// compacted total.
package sample

// CSR is the read-only topology view the kernels sample from.
type CSR struct {
	Indptr  []uint32 // len N+1
	Indices []uint32 // len E
}

func (c CSR) Degree(v uint32) uint32 { return c.Indptr[v+1] - c.Indptr[v] }
func (c CSR) Neighbors(v uint32) []uint32 {
	return c.Indices[c.Indptr[v]:c.Indptr[v+1]]
}
func (c CSR) NumNodes() uint32 { return uint32(len(c.Indptr) - 1) }

// Degrees returns the out-degree of every node in id order, derived
// directly from Indptr; used by cachemgr's degree-ranked policies when
// the dataset carries no precomputed in_degrees/out_degrees file.
func (c CSR) Degrees() []uint32 {
	n := c.NumNodes()
	d := make([]uint32, n)
	for v := uint32(0); v < n; v++ {
		d[v] = c.Degree(v)
	}
	return d
}
