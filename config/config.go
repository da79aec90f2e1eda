// Package config defines RunConfig, the immutable-after-init configuration
// surface for the pipeline, and FlagsToRunConfig, a flag-package-based
// parser in the same style as the teacher's GraphOptions/FlagsToOptions.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Arch is the selected pipeline topology.
type Arch string

const (
	A0 Arch = "A0"
	A1 Arch = "A1"
	A2 Arch = "A2"
	A3 Arch = "A3"
	A5 Arch = "A5"
)

// SampleType selects which neighbor-sampling kernel the Sampler stage uses.
type SampleType string

const (
	KhopReservoir      SampleType = "khop_reservoir"
	KhopSampleParallel SampleType = "khop_sample_parallel"
	WeightedKhop       SampleType = "weighted_khop"
	RandomWalk         SampleType = "random_walk"
)

// CachePolicy selects how the GPU cache manager ranks nodes for caching.
type CachePolicy string

const (
	CacheNone              CachePolicy = "none"
	CacheByDegree          CachePolicy = "by_degree"
	CacheByHeuristic       CachePolicy = "by_heuristic"
	CacheByPresample       CachePolicy = "by_presample"
	CacheByPresampleStatic CachePolicy = "by_presample_static"
	CacheByDegreeHop       CachePolicy = "by_degree_hop"
	CacheByFakeOptimal     CachePolicy = "by_fake_optimal"
)

// RandomWalkConfig groups the random_walk kernel's own sub-options.
type RandomWalkConfig struct {
	Length        int     // L, number of steps per walk
	RestartProb   float64 // p, probability of restarting to the seed each step
	NumWalks      int     // independent walks launched per seed
	NumNeighbor   int     // k, top-k frequency cutoff
}

// RunConfig is the exhaustive, immutable-after-init option set from
// spec.md §3. Validate must be called once, right after parsing, and its
// result (ConfigError on failure) is fatal to Engine.Init.
type RunConfig struct {
	DatasetPath string
	RunArch     Arch
	SampleType  SampleType
	Fanout      []uint32
	BatchSize   uint32
	NumEpoch    uint32

	SamplerCtx uint32 // device id; 0 == host for CPU-only topologies
	TrainerCtx uint32

	CachePolicy      CachePolicy
	CachePercentage  float64
	MaxSamplingJobs  uint32
	MaxCopyingJobs   uint32
	OmpThreadNum     int

	RandomWalk RandomWalkConfig

	ProfileLevel int // 0..3, diagnostics only
	Seed         uint64
}

// NumLayers returns len(Fanout), the number of sampled layers per batch.
func (c *RunConfig) NumLayers() int { return len(c.Fanout) }

// Validate checks combinations FlagsToRunConfig cannot check at parse time
// and is the only place a ConfigError is constructed from bad option
// combinations rather than bad individual flag values.
func (c *RunConfig) Validate() error {
	var problems []string
	if c.DatasetPath == "" {
		problems = append(problems, "dataset_path must be set")
	}
	switch c.RunArch {
	case A0, A1, A2, A3, A5:
	default:
		problems = append(problems, fmt.Sprintf("run_arch %q is not one of A0,A1,A2,A3,A5", c.RunArch))
	}
	switch c.SampleType {
	case KhopReservoir, KhopSampleParallel, WeightedKhop, RandomWalk:
	default:
		problems = append(problems, fmt.Sprintf("sample_type %q is not recognized", c.SampleType))
	}
	if len(c.Fanout) == 0 {
		problems = append(problems, "fanout must have at least one layer")
	}
	for i, f := range c.Fanout {
		if f == 0 {
			problems = append(problems, fmt.Sprintf("fanout[%d] must be > 0", i))
		}
	}
	if c.BatchSize == 0 {
		problems = append(problems, "batch_size must be > 0")
	}
	if c.NumEpoch == 0 {
		problems = append(problems, "num_epoch must be > 0")
	}
	switch c.CachePolicy {
	case CacheNone, CacheByDegree, CacheByHeuristic, CacheByPresample, CacheByPresampleStatic, CacheByDegreeHop, CacheByFakeOptimal:
	default:
		problems = append(problems, fmt.Sprintf("cache_policy %q is not recognized", c.CachePolicy))
	}
	if c.CachePercentage < 0 || c.CachePercentage > 1 {
		problems = append(problems, "cache_percentage must be in [0,1]")
	}
	if c.MaxSamplingJobs == 0 || c.MaxCopyingJobs == 0 {
		problems = append(problems, "max_sampling_jobs and max_copying_jobs must be > 0")
	}
	if (c.RunArch == A1 || c.RunArch == A0) && c.SamplerCtx != c.TrainerCtx {
		problems = append(problems, "A0/A1 require sampler_ctx == trainer_ctx (co-located)")
	}
	if c.SampleType == RandomWalk {
		if c.RandomWalk.Length <= 0 {
			problems = append(problems, "random_walk.length must be > 0")
		}
		if c.RandomWalk.RestartProb < 0 || c.RandomWalk.RestartProb > 1 {
			problems = append(problems, "random_walk.restart_prob must be in [0,1]")
		}
		if c.RandomWalk.NumWalks <= 0 {
			problems = append(problems, "random_walk.num_walks must be > 0")
		}
		if c.RandomWalk.NumNeighbor <= 0 {
			problems = append(problems, "random_walk.num_neighbor must be > 0")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid RunConfig: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FlagsToRunConfig parses CLI flags into a RunConfig, mirroring the
// teacher's FlagsToOptions: one flag per field, then Validate, then
// log.Panic on failure since this runs before the pipeline (and hence
// before any caller is listening for a Control-ABI error) exists.
func FlagsToRunConfig() *RunConfig {
	datasetPath := flag.String("dataset-path", "", "root directory of the dataset on-disk layout")
	runArch := flag.String("run-arch", string(A0), "pipeline topology: A0,A1,A2,A3,A5")
	sampleType := flag.String("sample-type", string(KhopReservoir), "sampling kernel")
	fanoutStr := flag.String("fanout", "5,10", "comma-separated per-layer fanout indexed by layer: first entry is layer 0 (closest to the features), last entry is the layer closest to the seeds")
	batchSize := flag.Uint("batch-size", 8192, "seeds per mini-batch")
	numEpoch := flag.Uint("num-epoch", 10, "epochs to run")
	samplerCtx := flag.Uint("sampler-ctx", 0, "device id the Sampler stage runs on")
	trainerCtx := flag.Uint("trainer-ctx", 0, "device id the trainer consumes batches on")
	cachePolicy := flag.String("cache-policy", string(CacheNone), "feature cache ranking policy")
	cachePercentage := flag.Float64("cache-percentage", 0.0, "fraction of node features to cache on the accelerator")
	maxSamplingJobs := flag.Uint("max-sampling-jobs", 10, "sampling queue bound")
	maxCopyingJobs := flag.Uint("max-copying-jobs", 10, "copy queue bound")
	ompThreadNum := flag.Int("omp-thread-num", 0, "worker-pool size for embarrassingly-parallel kernels; 0 == NumCPU")
	rwLength := flag.Int("rw-length", 3, "random_walk: steps per walk")
	rwRestart := flag.Float64("rw-restart-prob", 0.5, "random_walk: restart probability per step")
	rwNumWalks := flag.Int("rw-num-walks", 100, "random_walk: walks launched per seed")
	rwNumNeighbor := flag.Int("rw-num-neighbor", 5, "random_walk: top-k frequency cutoff")
	profileLevel := flag.Int("profile-level", 0, "diagnostics verbosity, 0..3")
	seed := flag.Uint64("seed", 0, "RNG seed; 0 disables deterministic mode")

	flag.Parse()

	fanout, err := parseFanout(*fanoutStr)
	if err != nil {
		log.Panic().Err(err).Msg("invalid -fanout")
	}

	cfg := &RunConfig{
		DatasetPath:     *datasetPath,
		RunArch:         Arch(*runArch),
		SampleType:      SampleType(*sampleType),
		Fanout:          fanout,
		BatchSize:       uint32(*batchSize),
		NumEpoch:        uint32(*numEpoch),
		SamplerCtx:      uint32(*samplerCtx),
		TrainerCtx:      uint32(*trainerCtx),
		CachePolicy:     CachePolicy(*cachePolicy),
		CachePercentage: *cachePercentage,
		MaxSamplingJobs: uint32(*maxSamplingJobs),
		MaxCopyingJobs:  uint32(*maxCopyingJobs),
		OmpThreadNum:    *ompThreadNum,
		RandomWalk: RandomWalkConfig{
			Length:      *rwLength,
			RestartProb: *rwRestart,
			NumWalks:    *rwNumWalks,
			NumNeighbor: *rwNumNeighbor,
		},
		ProfileLevel: *profileLevel,
		Seed:         *seed,
	}

	if err := cfg.Validate(); err != nil {
		log.Panic().Err(err).Msg("invalid RunConfig")
	}
	return cfg
}

func parseFanout(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("fanout entry %q: %w", p, err)
		}
		out = append(out, uint32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("fanout must have at least one entry")
	}
	return out, nil
}
