package engine

import (
	"github.com/rs/zerolog/log"

	"github.com/SJTU-IPADS/samgraph-go/accel"
	"github.com/SJTU-IPADS/samgraph-go/config"
	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/extract"
	"github.com/SJTU-IPADS/samgraph-go/sample"
	"github.com/SJTU-IPADS/samgraph-go/shuffle"
	"github.com/SJTU-IPADS/samgraph-go/tensor"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// Each *Loop method below is one pipeline stage's worker body, run on its
// own goroutine by Start. The shape follows run-async.go's
// ConvergeAsyncThread: pull work, process, push downstream, repeat until
// the cancellation flag is seen — with the queue's own Dequeue/Enqueue
// already doing the utils.BackOff polling, a stage body has no need for
// a separate idle-count/status-field dance of its own.

// shufflerLoop produces one Task per Shuffler.Next call and feeds it to
// the Sampler's queue; it is the only stage with no inbox. It returns
// once Next reports that every epoch has been produced, without closing
// any downstream queue; closing the queues is left to Shutdown.
func (e *Engine) shufflerLoop() {
	for {
		if e.cancelled() {
			return
		}
		ids, epoch, step, ok := e.shuffler.Next()
		if !ok {
			return
		}
		task := &Task{Key: shuffle.Key(epoch, step), OutputNodes: ids}
		if err := e.sampleQueue.Enqueue(task, e.cancelled); err != nil {
			return
		}
	}
}

// samplerLoop expands each task's L layers of raw (unmapped) edges.
func (e *Engine) samplerLoop() {
	for {
		task, err := e.sampleQueue.Dequeue(e.cancelled)
		if err != nil {
			return
		}
		if err := e.sampleTask(task); err != nil {
			task.Err = err
			e.raiseFatal(err)
		}
		if err := e.remapQueue.Enqueue(task, e.cancelled); err != nil {
			return
		}
	}
}

// sampleTask builds task.rawLayers for every layer, outermost (closest to
// the seeds) first, threading the deduplicated frontier from one layer's
// sampled neighbors into the next layer's input set. Deduplication here
// is a plain map, independent of the Remapper's OrderedHashTable-based
// dense renumbering — this stage only needs the right *set* of ids to
// sample from next, not a canonical local id for them.
func (e *Engine) sampleTask(task *Task) error {
	L := e.cfg.NumLayers()
	task.rawLayers = make([]rawLayer, L)
	frontier := task.OutputNodes
	for l := L - 1; l >= 0; l-- {
		fanout := e.cfg.Fanout[l]
		seed := e.nextSeed(task.Key, l)
		src, dst, _, err := e.sampleLayer(frontier, fanout, seed)
		if err != nil {
			return err
		}
		task.rawLayers[l] = rawLayer{src: src, dst: dst}
		frontier = uniqueUint32(dst)
	}
	return nil
}

// sampleLayer dispatches to the kernel selected by cfg.SampleType.
// RunConfig.Validate already rejected any other value at Init, so the
// default case is unreachable in a correctly-initialized Engine.
func (e *Engine) sampleLayer(in []uint32, fanout uint32, seed int64) (src, dst []uint32, numOut uint32, err error) {
	switch e.cfg.SampleType {
	case config.KhopReservoir:
		src, dst, numOut = sample.KhopReservoir(e.csr, in, fanout, seed, e.cfg.OmpThreadNum)
	case config.KhopSampleParallel:
		src, dst, numOut = sample.KhopSampleParallel(e.csr, in, fanout, seed, e.cfg.OmpThreadNum)
	case config.WeightedKhop:
		src, dst, numOut = sample.WeightedKhop(e.csr, e.aliasTables, in, fanout, seed, e.cfg.OmpThreadNum)
	case config.RandomWalk:
		rw := sample.RandomWalkConfig{
			Length:      e.cfg.RandomWalk.Length,
			RestartProb: e.cfg.RandomWalk.RestartProb,
			NumWalks:    e.cfg.RandomWalk.NumWalks,
			NumNeighbor: e.cfg.RandomWalk.NumNeighbor,
		}
		src, dst, numOut = sample.RandomWalk(e.csr, in, rw, seed, e.cfg.OmpThreadNum)
	default:
		return nil, nil, 0, errs.InvariantError("engine.sampleLayer", nil)
	}
	return src, dst, numOut, nil
}

// remapperLoop renumbers every task's raw layers into dense local ids and
// fans the result out to the GraphCopy and FeatureExtractor branches,
// which the BatchPool join point (completeStage) later merges.
func (e *Engine) remapperLoop() {
	for {
		task, err := e.remapQueue.Dequeue(e.cancelled)
		if err != nil {
			return
		}
		if task.Err == nil {
			if err := e.remapTask(task); err != nil {
				task.Err = err
				e.raiseFatal(err)
			}
		}
		task.joinRemaining.Store(2)
		if err := e.graphCopyQueue.Enqueue(task, e.cancelled); err != nil {
			return
		}
		if err := e.extractQueue.Enqueue(task, e.cancelled); err != nil {
			return
		}
	}
}

// remapTask renumbers task.rawLayers into task.Graphs using a table reset
// fresh for every layer (not once per task): each layer gets its own
// dense local numbering starting at 0, matching the nested-block
// convention where layer l's dst set is exactly layer l+1's (already
// locally-numbered) src set, by position rather than by shared global id.
// This is what makes spec.md §8's property 3 ("for each layer, distinct
// (src ∪ dst) == [0, num_src ∪ num_dst)") literally true per layer,
// rather than only up to an additive offset a single whole-task table
// would produce.
func (e *Engine) remapTask(task *Task) error {
	L := len(task.rawLayers)
	task.Graphs = make([]TrainGraph, L)

	frontier := task.OutputNodes // dst-frontier of layer L-1, global ids
	for l := L - 1; l >= 0; l-- {
		raw := task.rawLayers[l]
		e.remapTable.Reset()
		e.remapTable.FillWithUnique(frontier)
		if _, _, err := e.remapTable.FillWithDuplicates(raw.dst); err != nil {
			return err
		}
		localSrc, localDst, err := e.remapTable.MapEdges(raw.src, raw.dst)
		if err != nil {
			return err
		}
		numSrc := e.remapTable.NumUnique()
		task.Graphs[l] = TrainGraph{
			Row:     localDst,
			Col:     localSrc,
			NumDst:  uint32(len(frontier)),
			NumSrc:  numSrc,
			NumEdge: uint32(len(localSrc)),
		}
		frontier = append([]uint32(nil), e.remapTable.Mapping()...)
	}

	task.InputNodes = frontier
	task.GraphRemapped.Store(true)
	return nil
}

// graphCopyLoop moves every layer's remapped Row/Col and the seed frontier
// to the trainer's device, then joins at the BatchPool.
func (e *Engine) graphCopyLoop() {
	for {
		task, err := e.graphCopyQueue.Dequeue(e.cancelled)
		if err != nil {
			return
		}
		if task.Err == nil {
			e.graphCopyTask(task)
		}
		e.completeStage(task)
	}
}

func (e *Engine) graphCopyTask(task *Task) {
	for l := range task.Graphs {
		g := &task.Graphs[l]
		g.Row = e.copyU32ThroughStream(e.trainerStreams.GraphCopyD2D, tensor.AccelCtx(e.trainerDev.ID()), g.Row)
		g.Col = e.copyU32ThroughStream(e.trainerStreams.GraphCopyD2D, tensor.AccelCtx(e.trainerDev.ID()), g.Col)
	}
	task.OutputNodes = e.copyU32ThroughStream(e.trainerStreams.IdCopyH2D, tensor.AccelCtx(e.trainerDev.ID()), task.OutputNodes)
	e.trainerStreams.GraphCopyD2D.Synchronize()
	e.trainerStreams.IdCopyH2D.Synchronize()
}

// copyU32ThroughStream moves an id array through stream s, staging it in
// a workspace-pool scratch buffer (same shape, requested and freed every
// call so the pool's free list actually gets reused across batches) and
// returning a fresh plain slice — the array itself is ordinary host
// memory, not a tagged tensor, so it bypasses the device allocator the
// way only genuinely long-lived buffers are required to use.
func (e *Engine) copyU32ThroughStream(s accel.Stream, ctx tensor.Context, ids []uint32) []uint32 {
	if len(ids) == 0 {
		return ids
	}
	nbytes := int64(len(ids) * 4)
	scratch := e.wsPool.Alloc(ctx, nbytes, 1)
	s.CopyAsync(scratch[:nbytes], u32ToBytes(ids))
	out := bytesToU32Copy(scratch[:nbytes])
	if err := e.wsPool.Free(ctx, scratch); err != nil {
		log.Warn().Err(err).Msg("engine: workspace scratch free failed")
	}
	return out
}

// extractLoop spin-waits for the Remapper's graph_remapped handshake
// (OQ-3), gathers features and labels, hands off to FeatureCopy.
func (e *Engine) extractLoop() {
	for {
		task, err := e.extractQueue.Dequeue(e.cancelled)
		if err != nil {
			return
		}
		if task.Err == nil {
			if err := e.extractTask(task); err != nil {
				task.Err = err
				e.raiseFatal(err)
			}
		}
		if err := e.featureCopyQueue.Enqueue(task, e.cancelled); err != nil {
			return
		}
	}
}

func (e *Engine) extractTask(task *Task) error {
	for spins := 0; !task.GraphRemapped.Load(); spins++ {
		if e.cancelled() {
			return errs.Cancelled("engine.extractTask")
		}
		utils.BackOff(spins)
	}

	dim := e.ds.Meta.FeatDim
	feat := tensor.NewOwned([]int64{int64(len(task.InputNodes)), dim}, tensor.F32, tensor.HostCtx())
	if e.cache != nil {
		if err := e.cache.Extract(e.trainerDev, e.trainerStreams, e.ds.Feat, task.InputNodes, feat); err != nil {
			return err
		}
	} else {
		if err := extract.Extract(feat, e.ds.Feat, task.InputNodes, e.cfg.OmpThreadNum); err != nil {
			return err
		}
	}
	task.InputFeat = feat

	label := tensor.NewOwned([]int64{int64(len(task.OutputNodes)), 1}, tensor.I64, tensor.HostCtx())
	if err := extract.Extract(label, e.labelView, task.OutputNodes, e.cfg.OmpThreadNum); err != nil {
		return err
	}
	task.OutputLabel = label
	return nil
}

// featureCopyLoop moves the gathered feature/label tensors to the
// trainer's device and joins at the BatchPool. Unlike the id-array copies
// in graphCopyTask, InputFeat/OutputLabel are the long-lived tensors the
// trainer actually consumes, so they go through the device allocator
// directly (tensor.NewOwnedWithFree) rather than the workspace pool.
func (e *Engine) featureCopyLoop() {
	for {
		task, err := e.featureCopyQueue.Dequeue(e.cancelled)
		if err != nil {
			return
		}
		if task.Err == nil {
			e.featureCopyTask(task)
		}
		e.completeStage(task)
	}
}

func (e *Engine) featureCopyTask(task *Task) {
	task.InputFeat = e.copyTensorToTrainer(task.InputFeat)
	task.OutputLabel = e.copyTensorToTrainer(task.OutputLabel)
	e.trainerStreams.FeatureCopyH2D.Synchronize()
}

func (e *Engine) copyTensorToTrainer(t *tensor.Tensor) *tensor.Tensor {
	data, free := e.trainerDev.Alloc(t.NBytes())
	e.trainerStreams.FeatureCopyH2D.CopyAsync(data, t.Bytes())
	out := tensor.NewOwnedWithFree(t.Shape(), t.DType(), tensor.AccelCtx(e.trainerDev.ID()), data, free)
	t.Release()
	return out
}

// completeStage decrements the fan-out join counter and, once both the
// GraphCopy and FeatureCopy branches have reported in, posts the task to
// the BatchPool.
func (e *Engine) completeStage(task *Task) {
	if task.joinRemaining.Add(-1) != 0 {
		return
	}
	if err := e.pool.Put(task, e.cancelled); err != nil {
		log.Warn().Err(err).Uint64("key", task.Key).Msg("engine: dropping task, pool closed during shutdown")
	}
}
