package firn

import (
	"reflect"
	"testing"
)

var tempSpec = &ArraySpec{
	Path:       "temp",
	Dims:       []string{"t", "x"},
	Shape:      []int{4, 6},
	ChunkShape: []int{2, 3},
	FillValue:  -999,
}

func TestSessionChunkRoundTrip(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))

	data := []float64{1, 2, 3, 4, 5, 6}
	ensure(sess.SetChunk("temp", ChunkCoords{0, 0}, data))

	deepEqual(t, must(sess.ReadChunk("temp", ChunkCoords{0, 0})), data)

	// Never-written chunks read as fill.
	deepEqual(t, must(sess.ReadChunk("temp", ChunkCoords{1, 1})), fillBuffer(6, -999))

	if err := sess.SetChunk("temp", ChunkCoords{0, 0}, []float64{1}); err == nil {
		t.Fatalf("expected error for short payload")
	}
	if err := sess.SetChunk("nope", ChunkCoords{0, 0}, data); err == nil {
		t.Fatalf("expected error for unknown array")
	}
}

func TestSessionWriteRegionReadRegion(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))

	// Region straddling chunk boundaries forces read-modify-write.
	region := Region{{1, 3}, {2, 5}}
	data := []float64{10, 11, 12, 20, 21, 22}
	ensure(sess.WriteRegion("temp", region, data))

	deepEqual(t, must(sess.ReadRegion("temp", region)), data)

	// Untouched cells in the same chunks stay at fill.
	full := must(sess.ReadRegion("temp", FullRegion(tempSpec.Shape)))
	deepEqual(t, full[0], -999.0)
	deepEqual(t, full[1*6+2], 10.0)
	deepEqual(t, full[2*6+4], 22.0)

	if err := sess.WriteRegion("temp", Region{{0, 9}, {0, 6}}, nil); err == nil {
		t.Fatalf("expected error for region outside shape")
	}
	if err := sess.WriteRegion("temp", region, []float64{1}); err == nil {
		t.Fatalf("expected error for data/region size mismatch")
	}
}

func TestSessionForkIsolation(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))

	f1 := sess.Fork()
	f2 := sess.Fork()

	// Forks see the parent's pending metadata.
	if _, ok := f1.Array("temp"); !ok {
		t.Fatalf("fork should see pending array metadata")
	}

	ensure(f1.SetChunk("temp", ChunkCoords{0, 0}, []float64{1, 1, 1, 1, 1, 1}))
	ensure(f2.SetChunk("temp", ChunkCoords{0, 1}, []float64{2, 2, 2, 2, 2, 2}))

	// Cross-fork and parent visibility happens only through merges.
	deepEqual(t, must(f2.ReadChunk("temp", ChunkCoords{0, 0})), fillBuffer(6, -999))
	if len(sess.cs.Chunks) != 0 {
		t.Fatalf("fork writes leaked into the canonical session")
	}

	ensure(sess.Merge(f1.ChangeSet()))
	ensure(sess.Merge(f2.ChangeSet()))
	deepEqual(t, must(sess.ReadChunk("temp", ChunkCoords{0, 0})), []float64{1, 1, 1, 1, 1, 1})
	deepEqual(t, must(sess.ReadChunk("temp", ChunkCoords{0, 1})), []float64{2, 2, 2, 2, 2, 2})

	if _, err := f1.Commit("nope"); err == nil {
		t.Fatalf("fork commit should be refused")
	}
}

func TestSessionDetachedChangeSet(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))
	ensure(sess.SetChunk("temp", ChunkCoords{0, 0}, []float64{1, 2, 3, 4, 5, 6}))

	cs := sess.ChangeSet()
	before := EncodeChangeSet(cs)

	// Later session mutations must not affect the detached copy.
	ensure(sess.SetChunk("temp", ChunkCoords{1, 1}, []float64{7, 7, 7, 7, 7, 7}))
	deepEqual(t, EncodeChangeSet(cs), before)
}

func TestSessionFillValueElision(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))

	ensure(sess.SetChunk("temp", ChunkCoords{0, 0}, fillBuffer(6, -999)))
	if len(sess.cs.Chunks) != 0 {
		t.Fatalf("uniform fill chunk should not be stored")
	}
	if !sess.cs.Deleted[chunkKey("temp", ChunkCoords{0, 0})] {
		t.Fatalf("uniform fill chunk should record a delete")
	}

	// Overwriting stored data with fill drops the chunk again.
	ensure(sess.SetChunk("temp", ChunkCoords{0, 1}, []float64{5, 5, 5, 5, 5, 5}))
	ensure(sess.SetChunk("temp", ChunkCoords{0, 1}, fillBuffer(6, -999)))
	if len(sess.cs.Chunks) != 0 {
		t.Fatalf("fill overwrite should drop the stored chunk")
	}

	sess.StoreEmptyChunks = true
	ensure(sess.SetChunk("temp", ChunkCoords{1, 0}, fillBuffer(6, -999)))
	if len(sess.cs.Chunks) != 1 {
		t.Fatalf("StoreEmptyChunks should keep uniform fill chunks")
	}
}

func TestSessionArrayLifecycle(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))
	if err := sess.CreateArray(tempSpec); err == nil {
		t.Fatalf("CreateArray should refuse an existing path")
	}

	grown := tempSpec.Clone()
	grown.Shape = []int{8, 6}
	ensure(sess.UpdateArray(grown))
	spec, _ := sess.Array("temp")
	deepEqual(t, spec.Shape, []int{8, 6})

	if err := sess.UpdateArray(&ArraySpec{Path: "other", Dims: []string{"x"}, Shape: []int{1}, ChunkShape: []int{1}}); err == nil {
		t.Fatalf("UpdateArray should require an existing array")
	}

	ensure(sess.SetChunk("temp", ChunkCoords{0, 0}, []float64{1, 2, 3, 4, 5, 6}))
	ensure(sess.OverwriteArray(tempSpec))
	if !sess.cs.Reset["temp"] {
		t.Fatalf("OverwriteArray should mark the array reset")
	}
}

func TestSessionCommitAndReopen(t *testing.T) {
	sess := setupSession(t)
	ensure(sess.CreateArray(tempSpec))
	ensure(sess.SetChunk("temp", ChunkCoords{0, 0}, []float64{1, 2, 3, 4, 5, 6}))

	snap := must(sess.Commit("initial"))
	if snap.ID == "" || len(snap.Manifest) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if sess.HasChanges() {
		t.Fatalf("commit should clear the pending change-set")
	}
	deepEqual(t, sess.Base(), snap.ID)

	// A fresh session over the same repo sees the committed data.
	sess2 := must(sess.repo.WriteSession(""))
	deepEqual(t, must(sess2.ReadChunk("temp", ChunkCoords{0, 0})), []float64{1, 2, 3, 4, 5, 6})

	// Deleting via fill elision then committing drops the manifest entry.
	ensure(sess2.SetChunk("temp", ChunkCoords{0, 0}, fillBuffer(6, -999)))
	snap2 := must(sess2.Commit("clear"))
	if !reflect.DeepEqual(snap2.Parent, snap.ID) {
		t.Fatalf("snapshot parent = %v, wanted %v", snap2.Parent, snap.ID)
	}
	if len(snap2.Manifest) != 0 {
		t.Fatalf("manifest should be empty after deleting the only chunk")
	}
}
