// Package engine implements the Engine lifecycle of spec.md §4.1: wires
// the Shuffler, Sampler, Remapper, GraphCopy/IdCopy, FeatureExtractor, and
// FeatureCopy stages into one of the five topologies (A0/A1/A2/A3/A5),
// runs them as per-stage worker goroutines, and hands completed batches
// to the BatchPool.
//
// Grounded on graph/algorithm.go's Run/Launch lifecycle shape and
// graph/run-async.go's per-thread worker loop idiom (command channel,
// back-pressure detection, utils.BackOff on idle), generalized from one
// goroutine per graph-algorithm thread to one goroutine per pipeline
// stage; field layout follows original_source/engine.h.
package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/cachemgr"
	"github.com/SJTU-IPADS/samgraph-go/config"
	"github.com/SJTU-IPADS/samgraph-go/dataset"
	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/ohash"
	"github.com/SJTU-IPADS/samgraph-go/queue"
	"github.com/SJTU-IPADS/samgraph-go/sample"
	"github.com/SJTU-IPADS/samgraph-go/shuffle"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
	"github.com/SJTU-IPADS/samgraph-go/utils"
	"github.com/SJTU-IPADS/samgraph-go/workspace"
)

// Engine is the singleton pipeline driver. One process owns exactly one
// Engine, per spec.md §9's "singleton engine" design note.
type Engine struct {
	cfg *config.RunConfig
	ds  *dataset.Dataset
	csr sample.CSR

	aliasTables sample.AliasTables
	hasAlias    bool

	samplerDev     accel.Device
	trainerDev     accel.Device
	samplerStreams *accel.StreamSet
	trainerStreams *accel.StreamSet

	wsPool *workspace.Pool
	cache  *cachemgr.Manager

	shuffler   *shuffle.Shuffler
	remapTable *ohash.Table
	labelView  *tensor.Tensor

	sampleQueue     *queue.Queue[*Task]
	remapQueue      *queue.Queue[*Task]
	graphCopyQueue  *queue.Queue[*Task]
	extractQueue    *queue.Queue[*Task]
	featureCopyQueue *queue.Queue[*Task]
	pool            *BatchPool

	shouldShutdown atomic.Bool
	fatalCause     atomic.Pointer[errs.Cause]

	seedCounter atomic.Int64
	watch       utils.Watch

	wg      sync.WaitGroup
	started bool
}

// New allocates an Engine; call Init before Start.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) cancelled() bool { return e.shouldShutdown.Load() }

// raiseFatal records the first fatal cause seen and flips the shutdown
// flag, per spec.md §7's failure policy: "fatal conditions flip a global
// shutdown flag; in-flight tasks drain to an error sink; the cause is
// surfaced on next_batch." Cancellation is not itself fatal and is never
// passed here.
func (e *Engine) raiseFatal(err error) {
	if err == nil || errs.IsKind(err, errs.Cancel) {
		return
	}
	cause, ok := err.(*errs.Cause)
	if !ok {
		cause = errs.InvariantError("engine", err)
	}
	e.fatalCause.CompareAndSwap(nil, cause)
	e.shouldShutdown.Store(true)
}

// nextSeed derives a per-layer sampling seed: deterministic when
// cfg.Seed != 0 (mixed with the task key and layer index so every layer
// of every batch draws independently), otherwise drawn from a process-
// lifetime counter so successive calls within one process draw different
// seeds without touching time; the counter starts from the same value in
// every process.
func (e *Engine) nextSeed(key uint64, layer int) int64 {
	base := int64(e.cfg.Seed)
	if base == 0 {
		base = e.seedCounter.Add(1)
	}
	return base ^ int64(key) ^ int64(layer)<<8
}

// Init loads the dataset, builds the accelerator devices and stream sets
// for cfg.RunArch, rebuilds the feature cache once (if configured), and
// wires every stage's queues. No stage goroutines are running yet; call
// Start to launch them.
func (e *Engine) Init(cfg *config.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return errs.ConfigError("engine.Init.Validate", err)
	}
	e.cfg = cfg

	ds, err := dataset.Load(cfg.DatasetPath)
	if err != nil {
		return err
	}
	e.ds = ds
	e.csr = ds.CSR()
	e.aliasTables, e.hasAlias = ds.AliasTables()
	if cfg.SampleType == config.WeightedKhop && !e.hasAlias {
		return errs.ConfigError("engine.Init", nil)
	}

	e.samplerDev = accel.NewCPUDevice(cfg.SamplerCtx)
	e.trainerDev = accel.NewCPUDevice(cfg.TrainerCtx)
	e.samplerStreams = accel.NewStreamSet(e.samplerDev)
	e.trainerStreams = accel.NewStreamSet(e.trainerDev)
	e.wsPool = workspace.NewPool(e.samplerDev)

	e.labelView = tensor.Borrow([]int64{ds.Meta.NumNode, 1}, tensor.I64, tensor.HostCtx(), ds.Label.Bytes())

	// A5's sampler process runs as a distinct OS process in a real
	// deployment; this Engine simulates it as worker 0 of 1 in-process
	// (see DESIGN.md), so Shuffler's A5 striding partition is always a
	// no-op here.
	e.shuffler = shuffle.New(asU32(ds.TrainSet), cfg.BatchSize, cfg.NumEpoch, cfg.Seed, 0, 1)

	tableCap := dataset.PredictNumNodes(cfg.BatchSize, cfg.Fanout)
	e.remapTable = ohash.NewTable(tableCap)

	if cfg.CachePolicy != config.CacheNone {
		e.cache = cachemgr.NewManager(cfg.CachePolicy, cfg.CachePercentage, uint32(ds.Meta.NumNode), uint32(ds.Meta.FeatDim), tensor.F32)
		in := cachemgr.RebuildInputs{
			CSR:      &e.csr,
			Degrees:  ds.Degrees(),
			TrainSet: asU32(ds.TrainSet),
		}
		switch cfg.CachePolicy {
		case config.CacheByPresample, config.CacheByPresampleStatic, config.CacheByFakeOptimal:
			counts := make([]uint32, ds.Meta.NumNode)
			pre := shuffle.New(asU32(ds.TrainSet), cfg.BatchSize, 1, cfg.Seed, 0, 1)
			for ids, epoch, step, ok := pre.Next(); ok; ids, epoch, step, ok = pre.Next() {
				t := &Task{Key: shuffle.Key(epoch, step), OutputNodes: ids}
				if err := e.sampleTask(t); err != nil {
					return err
				}
				for _, l := range t.rawLayers {
					for _, u := range l.dst {
						counts[u]++
					}
				}
			}
			in.SampleCounts = counts
		}
		if err := e.cache.Rebuild(e.trainerDev, ds.Feat, in); err != nil {
			return err
		}
	}

	e.sampleQueue = queue.New[*Task](uint64(cfg.MaxSamplingJobs))
	e.remapQueue = queue.New[*Task](uint64(cfg.MaxSamplingJobs))
	e.graphCopyQueue = queue.New[*Task](uint64(cfg.MaxCopyingJobs))
	e.extractQueue = queue.New[*Task](uint64(cfg.MaxCopyingJobs))
	e.featureCopyQueue = queue.New[*Task](uint64(cfg.MaxCopyingJobs))
	e.pool = NewBatchPool(int(cfg.MaxCopyingJobs))

	return nil
}

// Start launches one goroutine per pipeline stage, mirroring
// run-async.go's ConvergeAsync: a WaitGroup tracks every stage so
// Shutdown can join them all before returning.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.watch.Start()

	stages := []func(){
		e.shufflerLoop,
		e.samplerLoop,
		e.remapperLoop,
		e.graphCopyLoop,
		e.extractLoop,
		e.featureCopyLoop,
	}
	for _, stage := range stages {
		e.wg.Add(1)
		go func(fn func()) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer e.wg.Done()
			fn()
		}(stage)
	}
}

// SampleOnce runs exactly one batch through the Sampler+Remapper stages
// synchronously, bypassing the queues entirely — the Control ABI's
// diagnostic entry point for profiling a single batch's sampling cost in
// isolation (spec.md §6).
func (e *Engine) SampleOnce() (*Task, error) {
	ids, epoch, step, ok := e.shuffler.Next()
	if !ok {
		return nil, errs.InvariantError("engine.SampleOnce", nil)
	}
	task := &Task{Key: shuffle.Key(epoch, step), OutputNodes: ids}
	if err := e.sampleTask(task); err != nil {
		return nil, err
	}
	if err := e.remapTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// NextBatch blocks until the batch for (epoch,step) is ready and returns
// it, surfacing any fatal cause recorded by a pipeline stage instead of
// blocking forever once the engine has entered shutdown.
func (e *Engine) NextBatch(epoch, step uint32) (*Task, error) {
	key := shuffle.Key(epoch, step)
	task, err := e.pool.Get(key, e.cancelled)
	if err != nil {
		if cause := e.fatalCause.Load(); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	if task.Err != nil {
		return task, task.Err
	}
	return task, nil
}

// Shutdown flips the cancellation flag, releases every stage worker from
// its suspension points, waits for all of them to exit, and returns the
// device/stream/workspace resources. Safe to call once; a second call is
// a no-op.
func (e *Engine) Shutdown() {
	if !e.started {
		return
	}
	e.shouldShutdown.Store(true)
	e.sampleQueue.Close()
	e.remapQueue.Close()
	e.graphCopyQueue.Close()
	e.extractQueue.Close()
	e.featureCopyQueue.Close()
	e.wg.Wait()

	e.wsPool.Release()
	e.samplerStreams.Destroy()
	e.trainerStreams.Destroy()
	e.ds.Close()
	log.Info().Dur("uptime", e.watch.AbsoluteElapsed()).Msg("engine shutdown complete")
	e.started = false
}

// --- Control ABI accessors (spec.md §6) ---------------------------------

func (e *Engine) NumEpoch() uint32       { return e.cfg.NumEpoch }
func (e *Engine) StepsPerEpoch() uint32  { return e.shuffler.StepsPerEpoch() }
func (e *Engine) NumClass() int64        { return e.ds.Meta.NumClass }
func (e *Engine) FeatDim() int64         { return e.ds.Meta.FeatDim }

func (t *Task) GraphNumSrc(layer int) uint32  { return t.Graphs[layer].NumSrc }
func (t *Task) GraphNumDst(layer int) uint32  { return t.Graphs[layer].NumDst }
func (t *Task) GraphNumEdge(layer int) uint32 { return t.Graphs[layer].NumEdge }
func (t *Task) GraphRow(layer int) []uint32   { return t.Graphs[layer].Row }
func (t *Task) GraphCol(layer int) []uint32   { return t.Graphs[layer].Col }

// --- small helpers shared by the pipeline stages ------------------------

func asU32(t *tensor.Tensor) []uint32 {
	b := t.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func u32ToBytes(x []uint32) []byte {
	if len(x) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*4)
}

func bytesToU32Copy(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	src := unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
	copy(out, src)
	return out
}

func uniqueUint32(xs []uint32) []uint32 {
	seen := make(map[uint32]bool, len(xs))
	out := make([]uint32, 0, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}
