package sample

import "math/rand"

// KhopSampleParallel samples the same distribution as KhopReservoir — k
// neighbors without replacement, uniform over deg(v) — but dispatches
// work across the |in| x fanout output-slot grid rather than across input
// nodes, per spec.md §4.4: "parallelism is across the |in| x k sample
// slots rather than across input nodes, suitable for massively parallel
// execution; tie-break by (input_idx, slot_idx) deterministic when seed
// is fixed." Each worker owns a contiguous run of slots, which resolves to
// a contiguous run of whole input nodes — one node's entire fanout slot
// run is always owned by the single worker whose range contains that
// node's first slot, so no two workers ever touch the same node even when
// a node's slots straddle a chunk boundary — computing a Fisher-Yates
// partial shuffle of that node's neighbor list keyed deterministically by
// (seed, input_idx) so the same seed always resolves ties to the same
// permutation prefix — independent of undersampled nodes elsewhere, so it
// parallelizes cleanly at slot granularity even though the inner shuffle
// touches one node's neighbor list at a time.
func KhopSampleParallel(csr CSR, in []uint32, fanout uint32, seed int64, numWorkers int) (src, dst []uint32, numOut uint32) {
	n := len(in)
	srcBuf := make([]uint32, n*int(fanout))
	dstBuf := make([]uint32, n*int(fanout))
	counts := make([]uint32, n)

	totalSlots := n * int(fanout)
	parallelFor(totalSlots, numWorkers, func(slotStart, slotEnd int) {
		// A node's whole fanout slot run is processed by whichever worker
		// owns that node's *first* slot — since [slotStart,slotEnd) ranges
		// partition [0,totalSlots) disjointly, i*fanout falls in exactly
		// one worker's range, so exactly one worker ever touches node i's
		// entry in srcBuf/dstBuf/counts even when fanout doesn't evenly
		// divide the chunk size.
		firstNode := (slotStart + int(fanout) - 1) / int(fanout)
		for i := firstNode; i < n && i*int(fanout) < slotEnd; i++ {
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

			// Deterministic tie-break: RNG stream keyed by (seed, input_idx).
			rng := rand.New(rand.NewSource(seed ^ int64(i)<<32))
			perm := append([]uint32(nil), neighbors...)
			for j := uint32(0); j < fanout; j++ {
				r := j + uint32(rng.Intn(int(deg-j)))
				perm[j], perm[r] = perm[r], perm[j]
				srcBuf[base+int(j)] = v
				dstBuf[base+int(j)] = perm[j]
			}
			counts[i] = fanout
		}
	})

	return compact(srcBuf, dstBuf, counts, int(fanout))
}
