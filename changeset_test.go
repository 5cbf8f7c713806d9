package firn

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func singleChunkChange(t testing.TB, path string, coords ChunkCoords, data []float64) *ChangeSet {
	t.Helper()
	payload := encodeChunkPayload(data)
	addr := blobAddr(payload)
	cs := NewChangeSet()
	cs.Chunks[chunkKey(path, coords)] = ChunkRef{Addr: addr, Size: len(payload)}
	cs.Blobs[addr] = payload
	return cs
}

func TestChangeSetMergeCommutes(t *testing.T) {
	const n = 7
	rng := rand.New(rand.NewSource(42))

	mk := func() []*ChangeSet {
		out := make([]*ChangeSet, n)
		for i := range out {
			out[i] = singleChunkChange(t, "v", ChunkCoords{i}, []float64{float64(i), float64(i) + 0.5})
		}
		return out
	}

	reference := NewChangeSet()
	ensure(reference.Merge(mk()...))
	_, refManifest := applyChangeSet(nil, reference)

	for trial := 0; trial < 20; trial++ {
		sets := mk()
		rng.Shuffle(n, func(i, j int) { sets[i], sets[j] = sets[j], sets[i] })

		// Random grouping: fold in groups of 1..n.
		for len(sets) > 1 {
			k := 1 + rng.Intn(len(sets))
			head := NewChangeSet()
			ensure(head.Merge(sets[:k]...))
			sets = append([]*ChangeSet{head}, sets[k:]...)
		}
		_, manifest := applyChangeSet(nil, sets[0])
		if !reflect.DeepEqual(manifest, refManifest) {
			t.Fatalf("trial %d: merged manifest differs from reference", trial)
		}
	}
}

func TestChangeSetMergeAssociates(t *testing.T) {
	a := singleChunkChange(t, "v", ChunkCoords{0}, []float64{1})
	b := singleChunkChange(t, "v", ChunkCoords{1}, []float64{2})
	c := singleChunkChange(t, "v", ChunkCoords{2}, []float64{3})

	left := NewChangeSet()
	ensure(left.Merge(a.Clone(), b.Clone()))
	ensure(left.Merge(c.Clone()))

	rightInner := NewChangeSet()
	ensure(rightInner.Merge(b.Clone(), c.Clone()))
	right := NewChangeSet()
	ensure(right.Merge(a.Clone(), rightInner))

	_, lm := applyChangeSet(nil, left)
	_, rm := applyChangeSet(nil, right)
	deepEqual(t, lm, rm)
}

func TestChangeSetMergeIdentity(t *testing.T) {
	a := singleChunkChange(t, "v", ChunkCoords{3}, []float64{9})
	merged := NewChangeSet()
	ensure(merged.Merge(a))
	_, am := applyChangeSet(nil, a)
	_, mm := applyChangeSet(nil, merged)
	deepEqual(t, mm, am)
	if !NewChangeSet().Empty() {
		t.Fatalf("fresh change-set should be empty")
	}
}

func TestChangeSetMergeConflicts(t *testing.T) {
	a := singleChunkChange(t, "v", ChunkCoords{0}, []float64{1})
	b := singleChunkChange(t, "v", ChunkCoords{0}, []float64{2})
	err := a.Merge(b)
	var conflict *ConflictError
	if err == nil {
		t.Fatalf("expected conflict for overlapping chunk keys")
	}
	if !asConflict(err, &conflict) || conflict.Key != "v/0" {
		t.Fatalf("unexpected conflict error: %v", err)
	}

	// Set vs delete of the same key conflicts too.
	c := singleChunkChange(t, "v", ChunkCoords{1}, []float64{1})
	d := NewChangeSet()
	d.Deleted[chunkKey("v", ChunkCoords{1})] = true
	if err := c.Merge(d); err == nil {
		t.Fatalf("expected conflict for set vs delete")
	}

	// Diverging specs for the same array conflict; equal specs don't.
	e := NewChangeSet()
	e.Arrays["v"] = &ArraySpec{Path: "v", Dims: []string{"x"}, Shape: []int{4}, ChunkShape: []int{2}}
	f := NewChangeSet()
	f.Arrays["v"] = &ArraySpec{Path: "v", Dims: []string{"x"}, Shape: []int{8}, ChunkShape: []int{2}}
	if err := e.Clone().Merge(f); err == nil {
		t.Fatalf("expected conflict for diverging specs")
	}
	ensure(e.Clone().Merge(e.Clone()))
}

func TestChangeSetEncodeDecode(t *testing.T) {
	cs := singleChunkChange(t, "v", ChunkCoords{1, 2}, []float64{4, 5, 6})
	cs.Arrays["v"] = &ArraySpec{Path: "v", Dims: []string{"t", "x"}, Shape: []int{4, 6}, ChunkShape: []int{2, 3}}
	cs.Reset["old"] = true
	cs.Deleted["v/0.0"] = true

	buf := EncodeChangeSet(cs)
	deepEqual(t, EncodeChangeSet(cs), buf) // deterministic bytes

	back, err := DecodeChangeSet(buf)
	ensure(err)
	deepEqual(t, back, cs)

	// Empty change-set round-trips into usable maps.
	empty, err := DecodeChangeSet(EncodeChangeSet(NewChangeSet()))
	ensure(err)
	ensure(empty.Merge(singleChunkChange(t, "v", ChunkCoords{0, 0}, []float64{1, 2, 3})))
}

func TestApplyChangeSetNormalizesOrder(t *testing.T) {
	base := &Snapshot{
		Arrays: map[string]*ArraySpec{
			"v": {Path: "v", Dims: []string{"x"}, Shape: []int{4}, ChunkShape: []int{2}},
		},
		Manifest: map[string]ChunkRef{
			"v/0": {Addr: 1, Size: 16},
			"v/1": {Addr: 2, Size: 16},
		},
	}

	// A reset plus a fresh chunk for the same array: the chunk must
	// survive no matter which fork contributed it first.
	reset := NewChangeSet()
	reset.Reset["v"] = true
	write := singleChunkChange(t, "v", ChunkCoords{1}, []float64{7, 8})

	ab := NewChangeSet()
	ensure(ab.Merge(reset, write))
	ba := NewChangeSet()
	ensure(ba.Merge(write, reset))

	_, m1 := applyChangeSet(base, ab)
	_, m2 := applyChangeSet(base, ba)
	deepEqual(t, m1, m2)
	if _, ok := m1["v/0"]; ok {
		t.Fatalf("reset should have dropped v/0")
	}
	if _, ok := m1["v/1"]; !ok {
		t.Fatalf("fresh chunk v/1 should survive the reset")
	}
}

func TestBlobAddrIsContentAddress(t *testing.T) {
	a := blobAddr(encodeChunkPayload([]float64{1, 2}))
	b := blobAddr(encodeChunkPayload([]float64{1, 2}))
	c := blobAddr(encodeChunkPayload([]float64{2, 1}))
	if a != b {
		t.Fatalf("equal payloads must share an address")
	}
	if a == c {
		t.Fatalf("distinct payloads should not collide in this test")
	}
	if got := fmt.Sprintf("%016x", uint64(a)); len(got) != 16 {
		t.Fatalf("unexpected address formatting: %s", got)
	}
}
