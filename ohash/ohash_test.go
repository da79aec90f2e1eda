package ohash

import (
	"sort"
	"testing"
)

func Test_FillWithUnique_AssignsSequentialLocals(t *testing.T) {
	tbl := NewTable(16)
	ids := []uint32{30, 10, 20}
	tbl.FillWithUnique(ids)

	if tbl.NumUnique() != 3 {
		t.Fatalf("NumUnique() = %d, want 3", tbl.NumUnique())
	}
	mapping := tbl.Mapping()
	for i, id := range ids {
		if mapping[i] != id {
			t.Fatalf("mapping[%d] = %d, want %d", i, mapping[i], id)
		}
	}
}

func Test_FillWithDuplicates_DedupsAndPreservesFirstAppearanceOrder(t *testing.T) {
	tbl := NewTable(16)
	ids := []uint32{5, 7, 5, 9, 7, 5}
	newGlobals, numNew, err := tbl.FillWithDuplicates(ids)
	if err != nil {
		t.Fatalf("FillWithDuplicates: %v", err)
	}
	if numNew != 3 {
		t.Fatalf("numNew = %d, want 3", numNew)
	}
	want := []uint32{5, 7, 9}
	for i, g := range want {
		if newGlobals[i] != g {
			t.Fatalf("newGlobals[%d] = %d, want %d", i, newGlobals[i], g)
		}
	}
	if tbl.NumUnique() != 3 {
		t.Fatalf("NumUnique() = %d, want 3", tbl.NumUnique())
	}
}

func Test_MapEdges_Bijectivity(t *testing.T) {
	tbl := NewTable(16)
	ids := []uint32{100, 200, 300, 400}
	if _, _, err := tbl.FillWithDuplicates(ids); err != nil {
		t.Fatalf("FillWithDuplicates: %v", err)
	}

	src := []uint32{100, 200, 300}
	dst := []uint32{200, 300, 400}
	newSrc, newDst, err := tbl.MapEdges(src, dst)
	if err != nil {
		t.Fatalf("MapEdges: %v", err)
	}

	// Every local id produced must be in [0, NumUnique()) and map back to
	// the original global via Mapping().
	mapping := tbl.Mapping()
	seen := map[uint32]bool{}
	for i := range newSrc {
		for _, local := range []uint32{newSrc[i], newDst[i]} {
			if local >= tbl.NumUnique() {
				t.Fatalf("local id %d out of range [0,%d)", local, tbl.NumUnique())
			}
			seen[local] = true
		}
	}
	var locals []uint32
	for l := range seen {
		locals = append(locals, l)
	}
	sort.Slice(locals, func(i, j int) bool { return locals[i] < locals[j] })
	for i, l := range locals {
		if uint32(i) != l {
			t.Fatalf("locals not contiguous from 0: %v", locals)
		}
	}
	if mapping[newSrc[0]] != 100 || mapping[newDst[0]] != 200 {
		t.Fatalf("mapping does not recover original globals: mapping=%v", mapping)
	}
}

func Test_MapEdges_FatalOnUnknownEndpoint(t *testing.T) {
	tbl := NewTable(16)
	if _, _, err := tbl.FillWithDuplicates([]uint32{1, 2}); err != nil {
		t.Fatalf("FillWithDuplicates: %v", err)
	}
	if _, _, err := tbl.MapEdges([]uint32{1}, []uint32{999}); err == nil {
		t.Fatalf("expected InvariantError for unmapped endpoint 999")
	}
}

func Test_Reset_IsIdempotentAndClearsTable(t *testing.T) {
	tbl := NewTable(16)
	if _, _, err := tbl.FillWithDuplicates([]uint32{1, 2, 3}); err != nil {
		t.Fatalf("FillWithDuplicates: %v", err)
	}
	if tbl.NumUnique() != 3 {
		t.Fatalf("NumUnique() = %d, want 3", tbl.NumUnique())
	}

	tbl.Reset()
	if tbl.NumUnique() != 0 {
		t.Fatalf("NumUnique() after Reset = %d, want 0", tbl.NumUnique())
	}

	// Interleave reset with fill_with_duplicates: behaves as a fresh table.
	newGlobals, numNew, err := tbl.FillWithDuplicates([]uint32{1, 1, 4})
	if err != nil {
		t.Fatalf("FillWithDuplicates after Reset: %v", err)
	}
	if numNew != 2 {
		t.Fatalf("numNew after Reset = %d, want 2", numNew)
	}
	if newGlobals[0] != 1 || newGlobals[1] != 4 {
		t.Fatalf("unexpected globals after Reset: %v", newGlobals)
	}

	// Edges referencing ids that existed only in the pre-reset epoch must
	// now fail: 2 and 3 are not part of the fresh table.
	if _, _, err := tbl.MapEdges([]uint32{2}, []uint32{3}); err == nil {
		t.Fatalf("expected stale ids to be rejected after Reset")
	}
}

func Test_FillWithDuplicates_ConcurrentInsertDedupsCorrectly(t *testing.T) {
	tbl := NewTable(1024)
	const numGoroutines = 16
	const perGoroutine = 200

	results := make(chan []uint32, numGoroutines)
	for g := 0; g < numGoroutines; g++ {
		go func() {
			ids := make([]uint32, perGoroutine)
			for i := range ids {
				ids[i] = uint32(i % 50) // heavy overlap across goroutines
			}
			newGlobals, _, err := tbl.FillWithDuplicates(ids)
			if err != nil {
				t.Error(err)
			}
			results <- newGlobals
		}()
	}

	total := 0
	for g := 0; g < numGoroutines; g++ {
		total += len(<-results)
	}
	if int(tbl.NumUnique()) != 50 {
		t.Fatalf("NumUnique() = %d, want 50", tbl.NumUnique())
	}
	if total != 50 {
		t.Fatalf("sum of newGlobals across goroutines = %d, want exactly 50 (each id claimed by exactly one winner)", total)
	}
}
