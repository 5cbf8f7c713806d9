// Package writer writes chunked datasets into a firn repository.
//
// A write runs in three phases. Metadata declaration creates or updates
// array specs and classifies every variable into eager and deferred
// tasks. The eager phase copies materialized buffers straight into the
// canonical session. The lazy phase runs one task per deferred chunk,
// each against a private fork of the session, then tree-reduces the
// forks' change-sets into one and merges that into the canonical session
// exactly once. Committing the session is the caller's move.
package writer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firnlabs/firn"
	"github.com/firnlabs/firn/reduce"
)

// DatasetWriter drives one dataset write against a session. Not safe for
// concurrent use; parallelism lives in the task runner.
type DatasetWriter struct {
	ds   Dataset
	sess *firn.Session
	log  *slog.Logger
	opts Options

	initialized bool
	mode        Mode
	eager       []eagerTask
	deferred    []chunkTask
	eagerDone   bool
	lazyDone    bool
}

func NewDatasetWriter(ds Dataset, sess *firn.Session) *DatasetWriter {
	return &DatasetWriter{ds: ds, sess: sess}
}

// WriteMetadata validates options, declares array metadata against the
// session and splits the dataset into eager and deferred tasks. It must
// run before either write phase and never writes chunk data itself.
func (w *DatasetWriter) WriteMetadata(opts Options) error {
	if w.initialized {
		return configErrf("metadata already declared")
	}
	w.opts = opts
	w.log = opts.Logger
	if w.log == nil {
		w.log = slog.Default()
	}
	w.sess.StoreEmptyChunks = opts.StoreEmptyChunks

	p, err := planWrite(w.sess, w.ds, opts)
	if err != nil {
		return err
	}
	w.mode = p.mode
	w.eager = p.eager
	w.deferred = p.deferred
	w.initialized = true
	w.log.Debug("writer: metadata declared",
		"mode", string(p.mode),
		"eager", len(p.eager),
		"deferred", len(p.deferred))
	return nil
}

// WriteEager writes all materialized variables into the canonical
// session. The task list drains on the first call, so calling again is a
// no-op.
func (w *DatasetWriter) WriteEager(ctx context.Context) error {
	if !w.initialized {
		return firn.ErrNotInitialized
	}
	for _, t := range w.eager {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.sess.WriteRegion(t.path, t.region, t.data); err != nil {
			return err
		}
	}
	w.eager = nil
	w.eagerDone = true
	return nil
}

// WriteLazy runs all deferred chunk tasks, tree-reduces their change-sets
// and merges the single result into the canonical session. With no
// deferred tasks it completes immediately. Any task failure aborts the
// phase with a firn.TaskError and leaves the canonical session untouched.
func (w *DatasetWriter) WriteLazy(ctx context.Context) error {
	if !w.initialized {
		return firn.ErrNotInitialized
	}
	if len(w.deferred) == 0 {
		w.lazyDone = true
		return nil
	}

	runner := w.opts.Runner
	if runner == nil {
		runner = SerialRunner{}
	}

	tasks := make([]Task, len(w.deferred))
	for i, ct := range w.deferred {
		tasks[i] = w.chunkTaskFunc(ct)
	}
	handles, err := runner.RunAll(ctx, tasks)
	if err != nil {
		return err
	}

	sets := make([]*firn.ChangeSet, len(handles))
	for i, h := range handles {
		sets[i] = h.ChangeSet()
	}
	handles = nil

	merged, err := reduce.Tree(sets, w.opts.Branching, MergeChangeSets)
	if err != nil {
		return err
	}
	if err := w.sess.Merge(merged); err != nil {
		return err
	}
	w.log.Debug("writer: lazy phase merged",
		"tasks", len(w.deferred),
		"levels", reduce.Levels(len(w.deferred), w.opts.Branching))
	w.deferred = nil
	w.lazyDone = true
	return nil
}

// chunkTaskFunc builds the closure for one deferred chunk: compute the
// payload, write it into a private fork, surrender the fork. The closure
// never touches the canonical session.
func (w *DatasetWriter) chunkTaskFunc(ct chunkTask) Task {
	return func(ctx context.Context) (*firn.Session, error) {
		fork := w.sess.Fork()
		data, err := ct.compute(ctx, ct.source)
		if err != nil {
			return nil, &firn.TaskError{
				Path:   ct.path,
				Coords: ct.target,
				Err:    fmt.Errorf("computing chunk: %w", err),
			}
		}
		if err := fork.SetChunk(ct.path, ct.target, data); err != nil {
			return nil, &firn.TaskError{
				Path:   ct.path,
				Coords: ct.target,
				Err:    fmt.Errorf("writing chunk: %w", err),
			}
		}
		return fork, nil
	}
}

// Complete reports whether both write phases have run.
func (w *DatasetWriter) Complete() bool {
	return w.eagerDone && w.lazyDone
}

// WriteDataset writes a dataset into a session: metadata, then eager
// variables, then deferred variables. The session is left uncommitted so
// the caller controls the commit.
func WriteDataset(ctx context.Context, ds Dataset, sess *firn.Session, opts Options) error {
	w := NewDatasetWriter(ds, sess)
	if err := w.WriteMetadata(opts); err != nil {
		return err
	}
	if err := w.WriteEager(ctx); err != nil {
		return err
	}
	return w.WriteLazy(ctx)
}
