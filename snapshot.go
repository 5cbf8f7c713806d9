package firn

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SnapshotID identifies one committed snapshot. IDs are ULIDs, so they
// sort by creation time.
type SnapshotID string

func newSnapshotID() SnapshotID {
	return SnapshotID(ulid.Make().String())
}

// Snapshot is one immutable version of the store.
type Snapshot struct {
	ID       SnapshotID            `msgpack:"i"`
	Parent   SnapshotID            `msgpack:"p"`
	Message  string                `msgpack:"m"`
	Time     time.Time             `msgpack:"t"`
	Arrays   map[string]*ArraySpec `msgpack:"a"`
	Manifest map[string]ChunkRef   `msgpack:"c"`
}

// applyChangeSet builds the successor snapshot's arrays and manifest.
// Mutations apply in a normalized order regardless of how the change-set
// was merged together: array resets first, then deletes, then puts.
func applyChangeSet(base *Snapshot, cs *ChangeSet) (arrays map[string]*ArraySpec, manifest map[string]ChunkRef) {
	arrays = make(map[string]*ArraySpec)
	manifest = make(map[string]ChunkRef)
	if base != nil {
		for path, spec := range base.Arrays {
			arrays[path] = spec
		}
		for key, ref := range base.Manifest {
			manifest[key] = ref
		}
	}
	for path, spec := range cs.Arrays {
		arrays[path] = spec.Clone()
	}
	for path := range cs.Reset {
		prefix := path + "/"
		for key := range manifest {
			if strings.HasPrefix(key, prefix) {
				delete(manifest, key)
			}
		}
	}
	for key := range cs.Deleted {
		delete(manifest, key)
	}
	for key, ref := range cs.Chunks {
		manifest[key] = ref
	}
	return arrays, manifest
}
