package firn

import "fmt"

// Session is a prospective transaction against a base snapshot. It owns
// a pending change-set and commits it atomically.
//
// A session is not safe for concurrent mutation, but Fork may be called
// concurrently, and forks may be mutated in parallel with each other as
// long as they write disjoint chunk locations. A fork sees its parent's
// pending array metadata (read-only); the parent must stay quiescent
// while forks run.
type Session struct {
	repo   *Repo
	branch string
	base   *Snapshot
	parent *Session
	cs     *ChangeSet

	// StoreEmptyChunks keeps chunks whose payload is uniformly the fill
	// value. When off (the default), such chunks record a delete instead,
	// keeping the manifest sparse.
	StoreEmptyChunks bool
}

// Fork derives an independent handle over the same base version. The
// fork starts with an empty change-set; its work becomes visible only
// when its change-set is merged back.
func (s *Session) Fork() *Session {
	return &Session{
		repo:             s.repo,
		branch:           s.branch,
		base:             s.base,
		parent:           s,
		cs:               NewChangeSet(),
		StoreEmptyChunks: s.StoreEmptyChunks,
	}
}

// Base returns the id of the snapshot this session builds on, or "".
func (s *Session) Base() SnapshotID {
	if s.base == nil {
		return ""
	}
	return s.base.ID
}

func (s *Session) HasChanges() bool {
	return !s.cs.Empty()
}

// Array resolves an array spec, checking pending changes (own, then any
// parent's) before the base snapshot.
func (s *Session) Array(path string) (*ArraySpec, bool) {
	for sess := s; sess != nil; sess = sess.parent {
		if spec, ok := sess.cs.Arrays[path]; ok {
			return spec, true
		}
	}
	if s.base != nil {
		if spec, ok := s.base.Arrays[path]; ok {
			return spec, true
		}
	}
	return nil, false
}

// CreateArray declares a new array. Fails if the path is already taken.
func (s *Session) CreateArray(spec *ArraySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := s.Array(spec.Path); ok {
		return configErrf("%s: array already exists", spec.Path)
	}
	s.cs.Arrays[spec.Path] = spec.Clone()
	return nil
}

// OverwriteArray declares an array, clobbering any existing array at the
// path: prior metadata is replaced and prior chunks are dropped.
func (s *Session) OverwriteArray(spec *ArraySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.cs.Arrays[spec.Path] = spec.Clone()
	s.cs.Reset[spec.Path] = true
	return nil
}

// UpdateArray replaces the spec of an existing array (e.g. growing its
// shape for an append). Existing chunks are kept.
func (s *Session) UpdateArray(spec *ArraySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := s.Array(spec.Path); !ok {
		return configErrf("%s: unknown array", spec.Path)
	}
	s.cs.Arrays[spec.Path] = spec.Clone()
	return nil
}

// SetChunk stages one full chunk payload. data must have exactly the
// chunk's (edge-clipped) element count.
func (s *Session) SetChunk(path string, coords ChunkCoords, data []float64) error {
	spec, ok := s.Array(path)
	if !ok {
		return configErrf("%s: unknown array", path)
	}
	region, err := spec.ChunkRegion(coords)
	if err != nil {
		return err
	}
	if len(data) != region.Size() {
		return configErrf("%s/%s: chunk payload has %d elements, want %d",
			path, coords, len(data), region.Size())
	}

	key := chunkKey(path, coords)
	if !s.StoreEmptyChunks && isUniform(data, spec.FillValue) {
		delete(s.cs.Chunks, key)
		s.cs.Deleted[key] = true
		return nil
	}

	payload := encodeChunkPayload(data)
	addr := blobAddr(payload)
	s.cs.Blobs[addr] = payload
	s.cs.Chunks[key] = ChunkRef{Addr: addr, Size: len(payload)}
	delete(s.cs.Deleted, key)
	return nil
}

// WriteRegion writes a flat row-major buffer into an arbitrary region of
// an array, splitting it across the chunk grid. Partially covered chunks
// are read-modify-written.
func (s *Session) WriteRegion(path string, region Region, data []float64) error {
	spec, ok := s.Array(path)
	if !ok {
		return configErrf("%s: unknown array", path)
	}
	if err := validateRegion(spec, region); err != nil {
		return err
	}
	if len(data) != region.Size() {
		return configErrf("%s: region %v holds %d elements, got %d",
			path, region, region.Size(), len(data))
	}

	regionShape := region.Shape()
	for _, coords := range chunksCovering(spec, region) {
		cregion, err := spec.ChunkRegion(coords)
		if err != nil {
			return err
		}
		sub, ok := intersectRegions(cregion, region)
		if !ok {
			continue
		}
		cshape := cregion.Shape()
		var buf []float64
		if sub.Size() == cregion.Size() {
			buf = make([]float64, cregion.Size())
		} else {
			buf, err = s.ReadChunk(path, coords)
			if err != nil {
				return err
			}
		}
		copyRegion(buf, cshape, sub.rel(cregion), data, regionShape, sub.rel(region))
		if err := s.SetChunk(path, coords, buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadChunk returns the chunk's (edge-clipped) payload, synthesizing a
// fill-valued buffer for chunks that were never stored.
func (s *Session) ReadChunk(path string, coords ChunkCoords) ([]float64, error) {
	spec, ok := s.Array(path)
	if !ok {
		return nil, configErrf("%s: unknown array", path)
	}
	region, err := spec.ChunkRegion(coords)
	if err != nil {
		return nil, err
	}
	key := chunkKey(path, coords)

	for sess := s; sess != nil; sess = sess.parent {
		if ref, ok := sess.cs.Chunks[key]; ok {
			payload := sess.cs.Blobs[ref.Addr]
			if payload == nil {
				payload, err = s.repo.getBlob(ref.Addr)
				if err != nil {
					return nil, err
				}
			}
			return decodeChunkPayload(payload), nil
		}
		if sess.cs.Deleted[key] || sess.cs.Reset[path] {
			return fillBuffer(region.Size(), spec.FillValue), nil
		}
	}
	if s.base != nil {
		if ref, ok := s.base.Manifest[key]; ok {
			payload, err := s.repo.getBlob(ref.Addr)
			if err != nil {
				return nil, err
			}
			return decodeChunkPayload(payload), nil
		}
	}
	return fillBuffer(region.Size(), spec.FillValue), nil
}

// ReadRegion assembles an arbitrary region of an array into a flat
// row-major buffer.
func (s *Session) ReadRegion(path string, region Region) ([]float64, error) {
	spec, ok := s.Array(path)
	if !ok {
		return nil, configErrf("%s: unknown array", path)
	}
	if err := validateRegion(spec, region); err != nil {
		return nil, err
	}

	regionShape := region.Shape()
	out := make([]float64, region.Size())
	for _, coords := range chunksCovering(spec, region) {
		cregion, err := spec.ChunkRegion(coords)
		if err != nil {
			return nil, err
		}
		sub, ok := intersectRegions(cregion, region)
		if !ok {
			continue
		}
		buf, err := s.ReadChunk(path, coords)
		if err != nil {
			return nil, err
		}
		copyRegion(out, regionShape, sub.rel(region), buf, cregion.Shape(), sub.rel(cregion))
	}
	return out, nil
}

// ChangeSet detaches an immutable snapshot of the pending mutations.
func (s *Session) ChangeSet() *ChangeSet {
	return s.cs.Clone()
}

// Merge applies a change-set produced by another handle over the same
// base version.
func (s *Session) Merge(cs *ChangeSet) error {
	return s.cs.Merge(cs)
}

// Commit turns the pending change-set into a new snapshot and advances
// the branch. The session continues on top of the new snapshot.
func (s *Session) Commit(message string) (*Snapshot, error) {
	if s.parent != nil {
		return nil, fmt.Errorf("firn: fork sessions cannot commit")
	}
	snap, err := s.repo.commit(s.branch, s.base, s.cs, message)
	if err != nil {
		return nil, err
	}
	s.base = snap
	s.cs = NewChangeSet()
	return snap, nil
}

func validateRegion(spec *ArraySpec, region Region) error {
	if len(region) != len(spec.Shape) {
		return configErrf("%s: region %v has wrong rank", spec.Path, region)
	}
	for i, sl := range region {
		if sl.Start < 0 || sl.Stop < sl.Start || sl.Stop > spec.Shape[i] {
			return configErrf("%s: region %v outside shape %v along %s",
				spec.Path, region, spec.Shape, spec.Dims[i])
		}
	}
	return nil
}
