package writer

import (
	"fmt"
	"slices"

	"github.com/firnlabs/firn"
)

type (
	// eagerTask writes a materialized buffer straight into the canonical
	// session.
	eagerTask struct {
		path   string
		region firn.Region
		data   []float64
	}

	// chunkTask computes and writes one chunk through a private fork.
	// target is the chunk's coords in the stored array, source the coords
	// in the variable's own grid (they differ for appends and offset
	// regions).
	chunkTask struct {
		path    string
		target  firn.ChunkCoords
		source  firn.ChunkCoords
		compute ChunkFunc
	}

	plan struct {
		mode     Mode
		eager    []eagerTask
		deferred []chunkTask
		decls    []arrayDecl
	}

	// arrayDecl is a pending metadata declaration. Declarations are
	// collected while validating and applied only after the whole
	// dataset validated, so a ConfigError never leaves the session
	// partially mutated.
	arrayDecl struct {
		op   declOp
		spec *firn.ArraySpec
	}

	declOp int
)

const (
	declCreate declOp = iota
	declOverwrite
	declUpdate
)

func (d arrayDecl) apply(sess *firn.Session) error {
	switch d.op {
	case declCreate:
		return sess.CreateArray(d.spec)
	case declOverwrite:
		return sess.OverwriteArray(d.spec)
	default:
		return sess.UpdateArray(d.spec)
	}
}

func configErrf(format string, args ...any) error {
	return &firn.ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func resolveMode(opts Options) (Mode, error) {
	mode := opts.Mode
	if mode == "" {
		switch {
		case opts.AppendDim != "":
			mode = ModeUpdate
		case opts.Region != nil:
			mode = ModeValuesOnly
		default:
			mode = ModeCreate
		}
	}
	switch mode {
	case ModeOverwrite, ModeCreate, ModeUpdate, ModeAppendOnly, ModeValuesOnly:
		return mode, nil
	default:
		return "", configErrf("invalid write mode %q", string(mode))
	}
}

// planWrite declares metadata against the session and classifies every
// variable into eager and deferred tasks. Deferred targets are pairwise
// disjoint by construction: distinct variables write distinct arrays, and
// within a variable each chunk appears once.
func planWrite(sess *firn.Session, ds Dataset, opts Options) (*plan, error) {
	mode, err := resolveMode(opts)
	if err != nil {
		return nil, err
	}
	if opts.AppendDim != "" {
		if _, ok := opts.Region[opts.AppendDim]; ok {
			return nil, configErrf("dimension %q cannot be both appended and targeted by region", opts.AppendDim)
		}
	}
	if opts.Region != nil && (mode == ModeOverwrite || mode == ModeCreate) {
		return nil, configErrf("region writes require existing arrays, got mode %q", string(mode))
	}
	if len(opts.Encoding) > 0 {
		names := make(map[string]bool, len(ds.Vars))
		for _, v := range ds.Vars {
			names[v.Name] = true
		}
		for name := range opts.Encoding {
			if !names[name] {
				return nil, configErrf("encoding refers to unknown variable %q", name)
			}
		}
	}

	// Validate and classify the whole dataset first, then declare. No
	// metadata lands in the session until every variable passed, so a
	// ConfigError is always safe to retry after correcting the input.
	p := &plan{mode: mode}
	declared := make(map[string]*firn.ArraySpec)
	for _, v := range ds.Vars {
		if err := p.planVariable(sess, declared, v, mode, opts); err != nil {
			return nil, err
		}
	}
	for _, d := range p.decls {
		if err := d.apply(sess); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *plan) planVariable(sess *firn.Session, declared map[string]*firn.ArraySpec, v Variable, mode Mode, opts Options) error {
	if (v.Data == nil) == (v.Chunks == nil) {
		return configErrf("%s: exactly one of Data and Chunks must be set", v.Name)
	}
	rank := len(v.Shape)
	if rank == 0 || len(v.Dims) != rank {
		return configErrf("%s: dims and shape must be non-empty and of equal length", v.Name)
	}
	if v.Data != nil && len(v.Data) != prodInt(v.Shape) {
		return configErrf("%s: data holds %d elements, shape %v wants %d",
			v.Name, len(v.Data), v.Shape, prodInt(v.Shape))
	}

	spec := specForVariable(v, opts.Encoding[v.Name])
	if err := spec.Validate(); err != nil {
		return err
	}
	existing, exists := declared[v.Name]
	if !exists {
		existing, exists = sess.Array(v.Name)
	}
	appendAxis := -1
	if opts.AppendDim != "" {
		appendAxis = spec.AxisOf(opts.AppendDim)
	}

	offset := make([]int, rank)
	var target *firn.ArraySpec

	switch mode {
	case ModeCreate:
		if exists {
			return configErrf("%s: array already exists (mode w-)", v.Name)
		}
		p.declare(declared, declCreate, spec)
		target = spec

	case ModeOverwrite:
		p.declare(declared, declOverwrite, spec)
		target = spec

	case ModeUpdate, ModeAppendOnly:
		if mode == ModeAppendOnly && appendAxis < 0 {
			return nil // a- writes only variables carrying the append dim
		}
		switch {
		case !exists:
			p.declare(declared, declCreate, spec)
			target = spec
		case appendAxis >= 0:
			if !slices.Equal(v.Dims, existing.Dims) {
				return configErrf("%s: dims %v differ from stored %v", v.Name, v.Dims, existing.Dims)
			}
			for i := range v.Shape {
				if i != appendAxis && v.Shape[i] != existing.Shape[i] {
					return configErrf("%s: size along %s must stay %d when appending along %s",
						v.Name, v.Dims[i], existing.Shape[i], opts.AppendDim)
				}
			}
			if v.ChunkShape != nil && !slices.Equal(v.ChunkShape, existing.ChunkShape) {
				return configErrf("%s: chunk shape %v differs from stored %v", v.Name, v.ChunkShape, existing.ChunkShape)
			}
			offset[appendAxis] = existing.Shape[appendAxis]
			grown := existing.Clone()
			grown.Shape[appendAxis] += v.Shape[appendAxis]
			p.declare(declared, declUpdate, grown)
			target = grown
		default:
			if !slices.Equal(v.Shape, existing.Shape) {
				return configErrf("%s: shape %v differs from stored %v", v.Name, v.Shape, existing.Shape)
			}
			target = existing
		}

	case ModeValuesOnly:
		if !exists {
			return configErrf("%s: unknown array (mode r+ modifies values only)", v.Name)
		}
		if !slices.Equal(v.Dims, existing.Dims) {
			return configErrf("%s: dims %v differ from stored %v", v.Name, v.Dims, existing.Dims)
		}
		if v.ChunkShape != nil && !slices.Equal(v.ChunkShape, existing.ChunkShape) {
			return configErrf("%s: chunk shape %v differs from stored %v", v.Name, v.ChunkShape, existing.ChunkShape)
		}
		if opts.Region == nil && !slices.Equal(v.Shape, existing.Shape) {
			return configErrf("%s: shape %v differs from stored %v (mode r+)", v.Name, v.Shape, existing.Shape)
		}
		target = existing
	}

	if opts.Region != nil {
		shared := false
		for _, d := range v.Dims {
			if _, ok := opts.Region[d]; ok {
				shared = true
				break
			}
		}
		if !shared {
			return configErrf("%s: variable shares no dimension with the region; write it in a separate call", v.Name)
		}
		for i, d := range v.Dims {
			sl, ok := opts.Region[d]
			if !ok {
				if v.Shape[i] != target.Shape[i] {
					return configErrf("%s: size %d along %s does not cover stored size %d",
						v.Name, v.Shape[i], d, target.Shape[i])
				}
				continue
			}
			if sl.Len() != v.Shape[i] {
				return configErrf("%s: region along %s selects %d elements, variable has %d",
					v.Name, d, sl.Len(), v.Shape[i])
			}
			if sl.Start < 0 || sl.Stop > target.Shape[i] {
				return configErrf("%s: region %v along %s outside stored size %d",
					v.Name, sl, d, target.Shape[i])
			}
			offset[i] = sl.Start
		}
	}

	if v.Data != nil {
		region := make(firn.Region, rank)
		for i := range region {
			region[i] = firn.Slice{Start: offset[i], Stop: offset[i] + v.Shape[i]}
		}
		p.eager = append(p.eager, eagerTask{path: v.Name, region: region, data: v.Data})
		return nil
	}

	// Deferred writes land whole chunks from concurrent tasks, so the
	// variable must sit chunk-aligned in the stored array: offsets on
	// chunk boundaries, trailing edges on chunk boundaries or the array
	// edge.
	cshape := target.ChunkShape
	if v.ChunkShape != nil && !slices.Equal(v.ChunkShape, cshape) {
		return configErrf("%s: source chunks %v are not aligned with stored chunks %v", v.Name, v.ChunkShape, cshape)
	}
	for i := range offset {
		if offset[i]%cshape[i] != 0 {
			return configErrf("%s: deferred write starts mid-chunk along %s (offset %d, chunk %d)",
				v.Name, v.Dims[i], offset[i], cshape[i])
		}
		if end := offset[i] + v.Shape[i]; end != target.Shape[i] && end%cshape[i] != 0 {
			return configErrf("%s: deferred write ends mid-chunk along %s", v.Name, v.Dims[i])
		}
	}

	vgrid := gridShape(v.Shape, cshape)
	for _, coords := range gridCoords(vgrid) {
		tcoords := make(firn.ChunkCoords, rank)
		for i := range coords {
			tcoords[i] = coords[i] + offset[i]/cshape[i]
		}
		p.deferred = append(p.deferred, chunkTask{
			path:    v.Name,
			target:  tcoords,
			source:  coords,
			compute: v.Chunks,
		})
	}
	return nil
}

// declare queues a metadata declaration and makes it visible to later
// variables of the same dataset.
func (p *plan) declare(declared map[string]*firn.ArraySpec, op declOp, spec *firn.ArraySpec) {
	p.decls = append(p.decls, arrayDecl{op: op, spec: spec})
	declared[spec.Path] = spec
}

func specForVariable(v Variable, enc Encoding) *firn.ArraySpec {
	spec := &firn.ArraySpec{
		Path:       v.Name,
		Dims:       slices.Clone(v.Dims),
		Shape:      slices.Clone(v.Shape),
		ChunkShape: slices.Clone(v.ChunkShape),
		FillValue:  v.FillValue,
	}
	if spec.ChunkShape == nil {
		spec.ChunkShape = slices.Clone(v.Shape)
	}
	if enc.ChunkShape != nil {
		spec.ChunkShape = slices.Clone(enc.ChunkShape)
	}
	if enc.FillValue != nil {
		spec.FillValue = *enc.FillValue
	}
	return spec
}

func gridShape(shape, chunk []int) []int {
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunk[i] - 1) / chunk[i]
	}
	return grid
}

// gridCoords lists every cell of a grid in row-major order.
func gridCoords(grid []int) []firn.ChunkCoords {
	if prodInt(grid) == 0 {
		return nil
	}
	var out []firn.ChunkCoords
	cur := make([]int, len(grid))
	for {
		out = append(out, firn.ChunkCoords(slices.Clone(cur)))
		k := len(grid) - 1
		for ; k >= 0; k-- {
			cur[k]++
			if cur[k] < grid[k] {
				break
			}
			cur[k] = 0
		}
		if k < 0 {
			return out
		}
	}
}

func prodInt(shape []int) int {
	n := 1
	for _, v := range shape {
		n *= v
	}
	return n
}
