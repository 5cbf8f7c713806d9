package writer

import (
	"context"
	"log/slog"

	"github.com/firnlabs/firn"
)

// ChunkFunc computes one chunk of a deferred variable. coords are
// relative to the variable's own chunk grid; the planner translates them
// to store locations when the variable lands at an offset (append or
// region writes).
type ChunkFunc func(ctx context.Context, coords firn.ChunkCoords) ([]float64, error)

// Variable is one named array of a dataset.
//
// Exactly one of Data and Chunks must be set. Data is a materialized
// row-major buffer and is written eagerly; Chunks computes payloads on
// demand and is written through deferred, potentially parallel tasks.
type Variable struct {
	Name       string
	Dims       []string
	Shape      []int
	ChunkShape []int
	FillValue  float64

	Data   []float64
	Chunks ChunkFunc
}

// Dataset is an ordered collection of variables written as one
// operation.
type Dataset struct {
	Vars []Variable
}

// Mode selects the write semantics, following the zarr persistence
// modes.
type Mode string

const (
	// ModeOverwrite creates arrays, clobbering existing ones.
	ModeOverwrite Mode = "w"
	// ModeCreate creates arrays and fails if any already exists.
	ModeCreate Mode = "w-"
	// ModeUpdate creates missing arrays and overrides values of existing
	// ones (growing them along the append dimension when set).
	ModeUpdate Mode = "a"
	// ModeAppendOnly writes only the variables that carry the append
	// dimension; all others are skipped.
	ModeAppendOnly Mode = "a-"
	// ModeValuesOnly modifies existing array values; any metadata or
	// shape change is an error.
	ModeValuesOnly Mode = "r+"
)

// Encoding overrides storage parameters of a variable when its array is
// created.
type Encoding struct {
	ChunkShape []int
	FillValue  *float64
}

// Options configures one dataset write.
type Options struct {
	// Mode defaults to ModeUpdate when AppendDim is set, ModeValuesOnly
	// when Region is set, and ModeCreate otherwise.
	Mode Mode

	// AppendDim grows existing arrays along the named dimension.
	AppendDim string

	// Region targets a sub-region of existing arrays, keyed by dimension
	// name. Omitted dimensions cover their full extent. Every variable
	// must share at least one dimension with the region.
	Region map[string]firn.Slice

	// Encoding holds per-variable storage overrides, keyed by name.
	Encoding map[string]Encoding

	// Branching is the tree reduction fan-in; values below 2 select
	// reduce.DefaultBranching.
	Branching int

	// Runner executes deferred chunk tasks; nil means SerialRunner.
	Runner TaskRunner

	// StoreEmptyChunks keeps chunks that are uniformly the fill value.
	StoreEmptyChunks bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}
