package sample

import "math/rand"

// KhopReservoir samples up to fanout neighbors per input node via
// vertex-parallel reservoir sampling, grounded on
// original_source/samgraph/common/cpu/cpu_sampling.cc's CpuSample: if
// deg(v) <= fanout, copy all neighbors; else seed the reservoir with the
// first fanout neighbors and, for each subsequent neighbor at position
// j >= fanout, draw r = uniform_int(0,j) and replace slot r if r < fanout.
// This yields exactly fanout samples without replacement, uniform over
// all neighbors of v.
//
// seed selects the thread-local RNG stream; pass the same seed with the
// same (csr,in,fanout,numWorkers) to get deterministic output (spec.md
// S3), since each worker's stream is seeded from its chunk start.
func KhopReservoir(csr CSR, in []uint32, fanout uint32, seed int64, numWorkers int) (src, dst []uint32, numOut uint32) {
	n := len(in)
	srcBuf := make([]uint32, n*int(fanout))
	dstBuf := make([]uint32, n*int(fanout))
	counts := make([]uint32, n)

	parallelFor(n, numWorkers, func(start, end int) {
		rng := rand.New(rand.NewSource(seed + int64(start)))
		for i := start; i < end; i++ {
			v := in[i]
			neighbors := csr.Neighbors(v)
			deg := uint32(len(neighbors))
			base := i * int(fanout)

			if deg <= fanout {
				for j, u := range neighbors {
					srcBuf[base+j] = v
					dstBuf[base+j] = u
				}
				counts[i] = deg
				continue
			}

			for j := uint32(0); j < fanout; j++ {
				srcBuf[base+int(j)] = v
				dstBuf[base+int(j)] = neighbors[j]
			}
			for j := fanout; j < deg; j++ {
				r := rng.Intn(int(j) + 1)
				if uint32(r) < fanout {
					dstBuf[base+r] = neighbors[j]
				}
			}
			counts[i] = fanout
		}
	})

	return compact(srcBuf, dstBuf, counts, int(fanout))
}

// compact performs the "emit sentinel, remove_if compacted" step spec.md
// §4.4 describes, implemented directly as a copy into a right-sized
// output rather than an explicit sentinel pass since counts already says
// exactly how many of each input node's fanout slots are valid (the first
// counts[i] of each block, by construction above).
func compact(srcBuf, dstBuf []uint32, counts []uint32, fanout int) (src, dst []uint32, numOut uint32) {
	total := uint32(0)
	for _, c := range counts {
		total += c
	}
	src = make([]uint32, total)
	dst = make([]uint32, total)
	pos := uint32(0)
	for i, c := range counts {
		base := i * fanout
		copy(src[pos:pos+c], srcBuf[base:base+int(c)])
		copy(dst[pos:pos+c], dstBuf[base:base+int(c)])
		pos += c
	}
	return src, dst, total
}
