package sample

import (
	"gonum.org/v1/gonum/stat/distuv"
	"golang.org/x/exp/rand"

	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// RandomWalkConfig mirrors config.RandomWalkConfig without importing the
// config package, keeping sample free of a dependency on the CLI layer.
type RandomWalkConfig struct {
	Length      int
	RestartProb float64
	NumWalks    int
	NumNeighbor int // top-k cutoff
}

// freqArena is the per-(seed_count, edges_per_seed)-sized reusable
// storage spec.md §4.4 calls for: "The frequency map is reused across
// batches via a (seed_count, edges_per_seed)-sized arena, cleared by
// version bump." Cleared lazily: each seed's slice of the arena is reset
// by zeroing only the entries it touched, tracked via the touched list.
type freqArena struct {
	counts  map[uint32]int
	touched []uint32
}

func newFreqArena(edgesPerSeed int) *freqArena {
	return &freqArena{counts: make(map[uint32]int, edgesPerSeed)}
}

func (a *freqArena) reset() {
	for _, id := range a.touched {
		delete(a.counts, id)
	}
	a.touched = a.touched[:0]
}

func (a *freqArena) bump(id uint32) {
	if _, ok := a.counts[id]; !ok {
		a.touched = append(a.touched, id)
	}
	a.counts[id]++
}

// RandomWalk samples up to cfg.NumNeighbor neighbors per seed by running
// cfg.NumWalks independent restart-walks of length cfg.Length, then taking
// the frequency top-k of visited nodes (excluding the seed itself) as the
// "sampled neighbors" for that seed, per spec.md §4.4.
func RandomWalk(csr CSR, in []uint32, cfg RandomWalkConfig, seed int64, numWorkers int) (src, dst []uint32, numOut uint32) {
	n := len(in)
	k := uint32(cfg.NumNeighbor)
	srcBuf := make([]uint32, n*int(k))
	dstBuf := make([]uint32, n*int(k))
	counts := make([]uint32, n)

	edgesPerSeed := cfg.NumWalks * cfg.Length

	parallelFor(n, numWorkers, func(start, end int) {
		rng := rand.New(rand.NewSource(uint64(seed + int64(start))))
		restart := distuv.Bernoulli{P: cfg.RestartProb, Src: rng}
		arena := newFreqArena(edgesPerSeed)

		for i := start; i < end; i++ {
			v := in[i]
			arena.reset()
			runWalksFromSeed(csr, v, cfg, rng, &restart, arena)

			top := topKFrequent(arena, k)
			base := i * int(k)
			for j, p := range top {
				srcBuf[base+j] = v
				dstBuf[base+j] = p
			}
			counts[i] = uint32(len(top))
		}
	})

	return compact(srcBuf, dstBuf, counts, int(k))
}

func runWalksFromSeed(csr CSR, seed uint32, cfg RandomWalkConfig, rng *rand.Rand, restart *distuv.Bernoulli, arena *freqArena) {
	for w := 0; w < cfg.NumWalks; w++ {
		cur := seed
		for step := 0; step < cfg.Length; step++ {
			if cfg.RestartProb > 0 && restart.Rand() == 1 {
				cur = seed
				continue
			}
			neighbors := csr.Neighbors(cur)
			if len(neighbors) == 0 {
				cur = seed
				continue
			}
			cur = neighbors[rng.Intn(len(neighbors))]
			if cur != seed {
				arena.bump(cur)
			}
		}
	}
}

// topKFrequent performs a frequency top-k via utils.FindTopNInArray, the
// same smallest-first-heap top-N primitive the teacher uses elsewhere,
// over the dense (id,count) pairs accumulated for this seed's walks.
func topKFrequent(arena *freqArena, k uint32) []uint32 {
	if len(arena.touched) == 0 {
		return nil
	}
	counts := make([]float64, len(arena.touched))
	ids := make([]uint32, len(arena.touched))
	for i, id := range arena.touched {
		ids[i] = id
		counts[i] = float64(arena.counts[id])
	}
	top := utils.FindTopNInArray(counts, k)
	out := make([]uint32, len(top))
	for i, p := range top {
		out[i] = ids[p.First]
	}
	return out
}
