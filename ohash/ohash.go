// Package ohash implements the OrderedHashTable of spec.md §4.3: a
// fixed-capacity, open-addressed, versioned table that assigns dense
// local ids to global node ids in order of first appearance and answers
// "local id of global id g" concurrently from many threads.
//
// Open addressing (rather than original_source/cpu_hashtable.cc's
// direct-indexed table) is an intentional divergence — see DESIGN.md OQ-1.
package ohash

import (
	"sync/atomic"

	"github.com/SJTU-IPADS/samgraph-go/errs"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

// bucket packs {version:32, global:32} into one word so a winner claims a
// slot and publishes the id it owns in a single atomic compare-and-swap —
// splitting version and global into separate words would let a second
// thread observe "claimed" with a stale global and falsely treat the slot
// as occupied by someone else, corrupting dedup.
//
// localPub packs {version:32, local:32} the same way, published by the
// winner strictly after combined, and checked by spinning probers against
// the table's current version rather than against a sentinel value: a
// freshly allocated bucket's localPub is zero, and since Table.version
// starts at 1, a zero version can never equal cur, so a prober always
// spins until the winner's Store makes localPub's version match — no
// stale local value from a previous epoch can be mistaken for a
// published one.
type bucket struct {
	combined atomic.Uint64
	localPub atomic.Uint64
}

func pack(version, x uint32) uint64 { return uint64(version)<<32 | uint64(x) }
func unpack(v uint64) (version, x uint32) {
	return uint32(v >> 32), uint32(v)
}

// Table is the OrderedHashTable. Capacity must be a power of two; callers
// size it via dataset.PredictNumNodes.
type Table struct {
	buckets  []bucket
	mapping  []uint32 // local -> global, length == capacity
	capacity uint32
	mask     uint32

	version  atomic.Uint32
	nextLocal atomic.Uint32
}

// NewTable allocates a table of the given capacity, which must be a power
// of two.
func NewTable(capacity uint32) *Table {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ohash: capacity must be a power of two")
	}
	t := &Table{
		buckets:  make([]bucket, capacity),
		mapping:  make([]uint32, capacity),
		capacity: capacity,
		mask:     capacity - 1,
	}
	// Buckets start life zero-valued (version 0); the table's own version
	// counter starts at 1 so every pristine bucket reads as "less than
	// current" — i.e. empty — without needing a separate occupied bit.
	t.version.Store(1)
	return t
}

func hash32(x uint32) uint32 {
	// murmur3-style finalizer; cheap and good enough for open-addressed
	// probing of node ids.
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

// Reset logically clears the table in O(1) by bumping the version; any
// bucket whose stored version is less than the new current version is
// considered empty.
func (t *Table) Reset() {
	t.version.Add(1)
	t.nextLocal.Store(0)
}

// NumUnique returns the number of distinct globals inserted since the
// last Reset.
func (t *Table) NumUnique() uint32 { return t.nextLocal.Load() }

// Mapping returns the local->global array, valid for indices
// [0, NumUnique()).
func (t *Table) Mapping() []uint32 { return t.mapping[:t.nextLocal.Load()] }

// FillWithUnique inserts ids that the caller asserts are already
// pairwise-distinct, assigning local ids equal to sequence index. Not
// safe to call concurrently with itself or FillWithDuplicates on the same
// table; intended for the initial seed frontier of a batch.
func (t *Table) FillWithUnique(ids []uint32) {
	cur := t.version.Load()
	for i, id := range ids {
		local := uint32(i)
		idx := t.probeInsert(id, cur)
		t.buckets[idx].localPub.Store(pack(cur, local))
		t.mapping[local] = id
	}
	t.nextLocal.Store(uint32(len(ids)))
}

// probeInsert claims (or finds already-claimed) the bucket for id under
// version cur, WITHOUT assigning a local id, and returns the bucket
// index. Used by FillWithUnique, which assigns locals itself.
func (t *Table) probeInsert(id, cur uint32) uint32 {
	idx := hash32(id) & t.mask
	for probes := uint32(0); probes <= t.mask; probes++ {
		b := &t.buckets[idx]
		old := b.combined.Load()
		oldVersion, oldGlobal := unpack(old)
		if oldVersion == cur {
			if oldGlobal == id {
				return idx
			}
			idx = (idx + 1) & t.mask
			continue
		}
		if b.combined.CompareAndSwap(old, pack(cur, id)) {
			return idx
		}
		// Lost the race for this slot; re-examine it on the next loop
		// iteration without advancing, since the new occupant might be
		// this same id.
	}
	panic(errs.ResourceError("ohash.probeInsert", nil))
}

// FillWithDuplicates inserts ids (which may repeat and may interleave
// across goroutines), atomically claiming a bucket per distinct global
// via linear probing. The first goroutine to transition a slot from
// empty to the current version becomes the winner: it is assigned the
// next local id via an atomic fetch-add and appends the global to the
// mapping array at that position. Non-winners spin on the slot's local
// field until the winner has published it. Returns the newly inserted
// globals (appended to mapping) and their count.
func (t *Table) FillWithDuplicates(ids []uint32) (newGlobals []uint32, numNew uint32, err error) {
	cur := t.version.Load()
	newGlobals = make([]uint32, 0, len(ids))
	for _, id := range ids {
		idx, isNewGlobal, probeErr := t.insertOne(id, cur)
		if probeErr != nil {
			return nil, 0, probeErr
		}
		if isNewGlobal {
			_, local := unpack(t.buckets[idx].localPub.Load())
			newGlobals = append(newGlobals, t.mapping[local])
		}
	}
	return newGlobals, uint32(len(newGlobals)), nil
}

// insertOne performs the single-id claim/spin/publish protocol described
// on FillWithDuplicates, returning whether this call was the winner for a
// previously-unseen global.
func (t *Table) insertOne(id, cur uint32) (idx uint32, won bool, err error) {
	idx = hash32(id) & t.mask
	for probes := uint32(0); probes <= t.mask; probes++ {
		b := &t.buckets[idx]
		old := b.combined.Load()
		oldVersion, oldGlobal := unpack(old)

		if oldVersion == cur && oldGlobal == id {
			for {
				pubVersion, _ := unpack(b.localPub.Load())
				if pubVersion == cur {
					break
				}
				utils.BackOff(0)
			}
			return idx, false, nil
		}
		if oldVersion == cur {
			// Occupied by a different id; keep probing.
			idx = (idx + 1) & t.mask
			continue
		}
		// Slot looks empty (version < cur); try to claim it for id.
		if b.combined.CompareAndSwap(old, pack(cur, id)) {
			local := t.nextLocal.Add(1) - 1
			t.mapping[local] = id
			b.localPub.Store(pack(cur, local))
			return idx, true, nil
		}
		// Lost the CAS race; re-read the same slot next iteration.
	}
	return 0, false, errs.ResourceError("ohash.insertOne", nil)
}

// MapEdges returns, for every (src,dst) endpoint pair, the locally
// renumbered (newSrc,newDst); it is a fatal InvariantError if any
// endpoint's bucket does not carry version == current version, i.e. the
// endpoint was never inserted into the table under the table's current
// epoch.
func (t *Table) MapEdges(src, dst []uint32) (newSrc, newDst []uint32, err error) {
	if len(src) != len(dst) {
		return nil, nil, errs.InvariantError("ohash.MapEdges", nil)
	}
	cur := t.version.Load()
	newSrc = make([]uint32, len(src))
	newDst = make([]uint32, len(dst))
	for i := range src {
		ls, lerr := t.localOf(src[i], cur)
		if lerr != nil {
			return nil, nil, lerr
		}
		ld, lerr := t.localOf(dst[i], cur)
		if lerr != nil {
			return nil, nil, lerr
		}
		newSrc[i] = ls
		newDst[i] = ld
	}
	return newSrc, newDst, nil
}

func (t *Table) localOf(id, cur uint32) (uint32, error) {
	idx := hash32(id) & t.mask
	for probes := uint32(0); probes <= t.mask; probes++ {
		b := &t.buckets[idx]
		version, global := unpack(b.combined.Load())
		if version == cur && global == id {
			pubVersion, local := unpack(b.localPub.Load())
			for pubVersion != cur {
				utils.BackOff(0)
				pubVersion, local = unpack(b.localPub.Load())
			}
			return local, nil
		}
		idx = (idx + 1) & t.mask
	}
	return 0, errs.InvariantError("ohash.MapEdges", nil)
}
