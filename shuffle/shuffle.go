// Package shuffle implements the Shuffler stage of spec.md §4.2: produces
// an ordered sequence of batch_size-sized seed id vectors covering
// train_set exactly once per epoch, in permuted order, owning the RNG and
// epoch/step counters.
package shuffle

import (
	"math/rand"
)

// Shuffler owns epoch/step sequencing and the per-epoch permutation of
// train_set. A deterministic mode (Seed != 0) reshuffles each epoch using
// seed XOR epoch as the RNG seed, per spec.md §4.2.
type Shuffler struct {
	trainSet  []uint32
	batchSize uint32
	numEpoch  uint32
	seed      uint64

	// Distributed (A5) partitioning: this worker observes only batches
	// whose step index satisfies step % numWorkers == workerID.
	workerID   uint32
	numWorkers uint32

	epoch   uint32
	step    uint32
	perm    []uint32
	done    bool
}

// New constructs a Shuffler over trainSet with the given batch size and
// epoch count. workerID/numWorkers partition the permutation for the A5
// distributed topology; pass (0,1) for the non-distributed case.
func New(trainSet []uint32, batchSize, numEpoch uint32, seed uint64, workerID, numWorkers uint32) *Shuffler {
	if numWorkers == 0 {
		numWorkers = 1
	}
	s := &Shuffler{
		trainSet:   append([]uint32(nil), trainSet...),
		batchSize:  batchSize,
		numEpoch:   numEpoch,
		seed:       seed,
		workerID:   workerID,
		numWorkers: numWorkers,
	}
	s.reshuffle()
	return s
}

func (s *Shuffler) reshuffle() {
	s.perm = append([]uint32(nil), s.trainSet...)
	var rng *rand.Rand
	if s.seed != 0 {
		rng = rand.New(rand.NewSource(int64(s.seed) ^ int64(s.epoch)))
	} else {
		rng = rand.New(rand.NewSource(int64(s.epoch) + 1))
	}
	fisherYatesShuffle(s.perm, rng)
	s.step = 0
}

// fisherYatesShuffle is the same in-place Fisher-Yates permutation as
// utils.Shuffle, adapted to take an explicit *rand.Rand so each epoch's
// permutation is reproducible from seed XOR epoch rather than drawing
// from the global math/rand source.
func fisherYatesShuffle[T any](slice []T, rng *rand.Rand) {
	for i := range slice {
		j := rng.Intn(i + 1)
		slice[i], slice[j] = slice[j], slice[i]
	}
}

// stepsPerEpoch is the drop-last step count: full batches only. spec.md
// §4.2 allows either drop-last or a short final batch as an
// implementation choice but requires tests to assert which — this
// implementation chooses drop-last for simplicity of the A5 striding
// (every worker then observes the same number of steps per epoch).
func (s *Shuffler) stepsPerEpoch() uint32 {
	if s.batchSize == 0 {
		return 0
	}
	return uint32(len(s.perm)) / s.batchSize
}

// StepsPerEpoch exposes the drop-last step count for the Control ABI.
func (s *Shuffler) StepsPerEpoch() uint32 { return s.stepsPerEpoch() }

// Key packs (epoch,step) the same way spec.md §3 defines Task.key.
func Key(epoch, step uint32) uint64 { return uint64(epoch)<<32 | uint64(step) }

// Next returns the next batch's seed ids and its (epoch,step), advancing
// internal state. ok is false once num_epoch epochs have been produced.
// In the A5 distributed mode, a worker only receives steps where
// step % numWorkers == workerID; other steps are skipped transparently.
func (s *Shuffler) Next() (ids []uint32, epoch, step uint32, ok bool) {
	for {
		if s.done {
			return nil, 0, 0, false
		}
		spe := s.stepsPerEpoch()
		if s.step >= spe {
			s.epoch++
			if s.epoch >= s.numEpoch {
				s.done = true
				return nil, 0, 0, false
			}
			s.reshuffle()
			continue
		}
		step := s.step
		s.step++
		if step%s.numWorkers != s.workerID {
			continue
		}
		start := step * s.batchSize
		end := start + s.batchSize
		batch := append([]uint32(nil), s.perm[start:end]...)
		return batch, s.epoch, step, true
	}
}
