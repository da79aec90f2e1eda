package engine

import (
	"sync/atomic"

	"github.com/SJTU-IPADS/samgraph-go/tensor"
)

// TrainGraph is one sampled layer's COO subgraph after remapping into
// dense local ids, per spec.md §3: Row indexes the expanded (source)
// frontier, Col indexes the destination (seed) frontier of this layer.
// Layer L-1 sits closest to the seeds; layer 0 sits closest to the
// features.
type TrainGraph struct {
	Row, Col                []uint32
	NumSrc, NumDst, NumEdge uint32
}

// rawLayer holds one layer's unmapped (global-id) sampled edges, produced
// by the Sampler stage and consumed by the Remapper stage. src[i] is the
// frontier node the kernel sampled from; dst[i] is its sampled neighbor.
type rawLayer struct {
	src, dst []uint32
}

// Task is the unit of work flowing through every pipeline stage. Each
// field is assigned by exactly one stage, in order: Shuffler sets
// Key/OutputNodes; Sampler fills rawLayers; Remapper sets Graphs and
// InputNodes and flips GraphRemapped; GraphCopy and FeatureExtractor
// consume the remapped task concurrently, fanning back in at the
// BatchPool.
type Task struct {
	Key uint64

	OutputNodes []uint32
	Graphs      []TrainGraph
	InputNodes  []uint32

	InputFeat   *tensor.Tensor
	OutputLabel *tensor.Tensor

	// GraphRemapped is set once, by the Remapper, and read by the
	// FeatureExtractor before it is allowed to touch InputNodes — the
	// handshake resolving OQ-3 for the A2/A3 topologies, where the two
	// stages run on different devices with no other synchronization
	// between them.
	GraphRemapped atomic.Bool

	// Err carries a non-nil cause if any stage failed while processing
	// this task; surfaced to the caller by Engine.NextBatch.
	Err error

	rawLayers []rawLayer

	// joinRemaining counts how many of the post-remap fan-out branches
	// (graph copy, feature copy) still owe a completion before the task
	// is postable to the BatchPool.
	joinRemaining atomic.Int32
}
