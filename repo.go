package firn

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const DefaultBranch = "main"

const (
	bucketBlobs     = "blobs"
	bucketSnapshots = "snapshots"
	bucketRefs      = "refs"
	bucketMeta      = "meta"

	formatKey    = "format"
	formatMarker = "firn1"
)

// Repo is a versioned store opened over a storage backend. All methods
// are safe for concurrent use.
type Repo struct {
	store  storage
	logger *slog.Logger
	now    func() time.Time
}

type Options struct {
	Logger    *slog.Logger
	IsTesting bool
	Now       func() time.Time
}

// Open opens (creating if necessary) a repository in a Bolt file.
func Open(path string, opt Options) (*Repo, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("firn: %w", err)
	}
	repo, err := openStorage(newBoltStorage(bdb), opt)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return repo, nil
}

// OpenMemory opens a transient in-memory repository, intended for tests.
func OpenMemory(opt Options) *Repo {
	return must(openStorage(newMemStorage(), opt))
}

func openStorage(store storage, opt Options) (*Repo, error) {
	repo := &Repo{
		store:  store,
		logger: opt.Logger,
		now:    opt.Now,
	}
	if repo.logger == nil {
		repo.logger = slog.Default()
	}
	if repo.now == nil {
		repo.now = time.Now
	}

	tx, err := store.BeginTx(true)
	if err != nil {
		return nil, fmt.Errorf("firn: %w", err)
	}
	defer tx.Rollback()
	for _, name := range []string{bucketBlobs, bucketSnapshots, bucketRefs} {
		if _, err := tx.CreateBucket(name); err != nil {
			return nil, fmt.Errorf("firn: %w", err)
		}
	}
	meta, err := tx.CreateBucket(bucketMeta)
	if err != nil {
		return nil, fmt.Errorf("firn: %w", err)
	}
	if cur := meta.Get([]byte(formatKey)); cur == nil {
		if err := meta.Put([]byte(formatKey), []byte(formatMarker)); err != nil {
			return nil, fmt.Errorf("firn: %w", err)
		}
	} else if string(cur) != formatMarker {
		return nil, fmt.Errorf("firn: unsupported repository format %q", cur)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("firn: %w", err)
	}
	return repo, nil
}

func (repo *Repo) Close() error {
	return repo.store.Close()
}

func (repo *Repo) view(f func(tx storageTx) error) error {
	tx, err := repo.store.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

// Head returns the snapshot id a branch points at, or "" for a branch
// that has never been committed to.
func (repo *Repo) Head(branch string) (SnapshotID, error) {
	var id SnapshotID
	err := repo.view(func(tx storageTx) error {
		id = SnapshotID(tx.Bucket(bucketRefs).Get([]byte(branch)))
		return nil
	})
	return id, err
}

// Snapshot loads a snapshot record by id.
func (repo *Repo) Snapshot(id SnapshotID) (*Snapshot, error) {
	var snap *Snapshot
	err := repo.view(func(tx storageTx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("firn: unknown snapshot %s", id)
		}
		snap = &Snapshot{}
		return decodeValue(raw, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// WriteSession starts a prospective transaction against the current head
// of the given branch ("" means the default branch).
func (repo *Repo) WriteSession(branch string) (*Session, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	head, err := repo.Head(branch)
	if err != nil {
		return nil, err
	}
	var base *Snapshot
	if head != "" {
		base, err = repo.Snapshot(head)
		if err != nil {
			return nil, err
		}
	}
	return &Session{
		repo:   repo,
		branch: branch,
		base:   base,
		cs:     NewChangeSet(),
	}, nil
}

// Stats reports storage-level counters, mostly for tests and debugging.
type Stats struct {
	Blobs     int
	Snapshots int
	Branches  int
}

func (repo *Repo) Stats() (Stats, error) {
	var st Stats
	err := repo.view(func(tx storageTx) error {
		st.Blobs = tx.Bucket(bucketBlobs).KeyCount()
		st.Snapshots = tx.Bucket(bucketSnapshots).KeyCount()
		st.Branches = tx.Bucket(bucketRefs).KeyCount()
		return nil
	})
	return st, err
}

func (repo *Repo) getBlob(addr BlobAddr) ([]byte, error) {
	var payload []byte
	err := repo.view(func(tx storageTx) error {
		raw := tx.Bucket(bucketBlobs).Get(blobKey(addr))
		if raw == nil {
			return fmt.Errorf("firn: missing blob %016x", uint64(addr))
		}
		payload = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// commit applies a change-set on top of base in one storage transaction:
// staged blobs, the snapshot record, and the branch ref all land
// atomically. Fails with ErrStaleBase if the branch moved past base.
func (repo *Repo) commit(branch string, base *Snapshot, cs *ChangeSet, message string) (*Snapshot, error) {
	tx, err := repo.store.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	refs := tx.Bucket(bucketRefs)
	var baseID SnapshotID
	if base != nil {
		baseID = base.ID
	}
	if cur := SnapshotID(refs.Get([]byte(branch))); cur != baseID {
		return nil, ErrStaleBase
	}

	arrays, manifest := applyChangeSet(base, cs)
	snap := &Snapshot{
		ID:       newSnapshotID(),
		Parent:   baseID,
		Message:  message,
		Time:     repo.now().UTC(),
		Arrays:   arrays,
		Manifest: manifest,
	}

	blobs := tx.Bucket(bucketBlobs)
	for addr, payload := range cs.Blobs {
		if err := blobs.Put(blobKey(addr), payload); err != nil {
			return nil, err
		}
	}
	snaps := tx.Bucket(bucketSnapshots)
	if err := snaps.Put([]byte(snap.ID), encodeValue(nil, snap)); err != nil {
		return nil, err
	}
	if err := refs.Put([]byte(branch), []byte(snap.ID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	repo.logger.Debug("firn: committed snapshot",
		"branch", branch,
		"snapshot", string(snap.ID),
		"parent", string(baseID),
		"chunks", len(cs.Chunks),
		"blobs", len(cs.Blobs))
	return snap, nil
}

func blobKey(addr BlobAddr) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(addr))
	return key[:]
}
