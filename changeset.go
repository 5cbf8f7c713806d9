package firn

import (
	"github.com/cespare/xxhash/v2"
)

// BlobAddr is the content address of a chunk payload (its xxhash64).
type BlobAddr uint64

func blobAddr(payload []byte) BlobAddr {
	return BlobAddr(xxhash.Sum64(payload))
}

// ChunkRef points a chunk key at a stored payload.
type ChunkRef struct {
	Addr BlobAddr `msgpack:"a"`
	Size int      `msgpack:"n"`
}

// ChangeSet records the pending mutations of one session: arrays created
// or updated, arrays reset (prior chunks dropped), chunk refs set, chunk
// keys deleted, and the staged payloads backing the new refs.
//
// Change-sets over pairwise disjoint chunk keys form a commutative monoid
// under Merge: merging is associative, order-insensitive in store-visible
// effect, and the empty change-set is the identity.
type ChangeSet struct {
	Arrays  map[string]*ArraySpec `msgpack:"a"`
	Reset   map[string]bool       `msgpack:"r"`
	Chunks  map[string]ChunkRef   `msgpack:"c"`
	Deleted map[string]bool       `msgpack:"x"`
	Blobs   map[BlobAddr][]byte   `msgpack:"b"`
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Arrays:  make(map[string]*ArraySpec),
		Reset:   make(map[string]bool),
		Chunks:  make(map[string]ChunkRef),
		Deleted: make(map[string]bool),
		Blobs:   make(map[BlobAddr][]byte),
	}
}

// chunkKey builds the manifest key for one chunk of an array.
func chunkKey(path string, coords ChunkCoords) string {
	return path + "/" + coords.String()
}

func (cs *ChangeSet) Empty() bool {
	return len(cs.Arrays) == 0 && len(cs.Reset) == 0 && len(cs.Chunks) == 0 && len(cs.Deleted) == 0
}

func (cs *ChangeSet) Clone() *ChangeSet {
	out := NewChangeSet()
	for k, v := range cs.Arrays {
		out.Arrays[k] = v.Clone()
	}
	for k := range cs.Reset {
		out.Reset[k] = true
	}
	for k, v := range cs.Chunks {
		out.Chunks[k] = v
	}
	for k := range cs.Deleted {
		out.Deleted[k] = true
	}
	for k, v := range cs.Blobs {
		out.Blobs[k] = v
	}
	return out
}

// Merge applies each of others, in order, on top of cs. Inputs are not
// mutated. Overlapping chunk keys (or diverging specs for the same array)
// indicate an upstream disjointness violation and fail with ConflictError;
// cs may be partially updated in that case and must be discarded.
func (cs *ChangeSet) Merge(others ...*ChangeSet) error {
	for _, other := range others {
		if err := cs.mergeOne(other); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ChangeSet) mergeOne(other *ChangeSet) error {
	for path, spec := range other.Arrays {
		if prev, ok := cs.Arrays[path]; ok && !prev.EqualSpec(spec) {
			return &ConflictError{Key: path}
		}
		cs.Arrays[path] = spec.Clone()
	}
	// Resets commute with chunk writes because commit applies a merged
	// change-set in a normalized order: resets, then deletes, then puts.
	for path := range other.Reset {
		cs.Reset[path] = true
	}
	for key, ref := range other.Chunks {
		if _, ok := cs.Chunks[key]; ok {
			return &ConflictError{Key: key}
		}
		if cs.Deleted[key] {
			return &ConflictError{Key: key}
		}
		cs.Chunks[key] = ref
	}
	for key := range other.Deleted {
		if _, ok := cs.Chunks[key]; ok {
			return &ConflictError{Key: key}
		}
		cs.Deleted[key] = true
	}
	for addr, payload := range other.Blobs {
		// Content-addressed: equal addr means equal payload.
		cs.Blobs[addr] = payload
	}
	return nil
}

// EncodeChangeSet serializes a change-set so it can cross a process
// boundary (msgpack, deterministic bytes).
func EncodeChangeSet(cs *ChangeSet) []byte {
	return encodeValue(nil, cs)
}

// DecodeChangeSet is the inverse of EncodeChangeSet.
func DecodeChangeSet(buf []byte) (*ChangeSet, error) {
	cs := NewChangeSet()
	if err := decodeValue(buf, cs); err != nil {
		return nil, err
	}
	// msgpack leaves absent maps nil; normalize so Merge can always
	// insert.
	if cs.Arrays == nil {
		cs.Arrays = make(map[string]*ArraySpec)
	}
	if cs.Reset == nil {
		cs.Reset = make(map[string]bool)
	}
	if cs.Chunks == nil {
		cs.Chunks = make(map[string]ChunkRef)
	}
	if cs.Deleted == nil {
		cs.Deleted = make(map[string]bool)
	}
	if cs.Blobs == nil {
		cs.Blobs = make(map[BlobAddr][]byte)
	}
	return cs, nil
}
