package firn

import (
	"encoding/binary"
	"math"
	"slices"
	"strconv"
	"strings"
)

type (
	// ChunkCoords locates one chunk within an array's chunk grid.
	ChunkCoords []int

	// Slice is a half-open [Start, Stop) interval along one dimension.
	Slice struct {
		Start int `msgpack:"a"`
		Stop  int `msgpack:"b"`
	}

	// Region is a hyperrectangle, one Slice per dimension.
	Region []Slice
)

func (c ChunkCoords) String() string {
	var buf strings.Builder
	for i, v := range c {
		if i > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(strconv.Itoa(v))
	}
	return buf.String()
}

func (s Slice) Len() int {
	if s.Stop <= s.Start {
		return 0
	}
	return s.Stop - s.Start
}

// FullRegion covers the entire shape.
func FullRegion(shape []int) Region {
	r := make(Region, len(shape))
	for i, n := range shape {
		r[i] = Slice{0, n}
	}
	return r
}

func (r Region) Shape() []int {
	shape := make([]int, len(r))
	for i, s := range r {
		shape[i] = s.Len()
	}
	return shape
}

func (r Region) Size() int {
	n := 1
	for _, s := range r {
		n *= s.Len()
	}
	return n
}

// rel shifts r so that origin becomes the zero corner.
func (r Region) rel(origin Region) Region {
	out := make(Region, len(r))
	for i, s := range r {
		out[i] = Slice{s.Start - origin[i].Start, s.Stop - origin[i].Start}
	}
	return out
}

func intersectRegions(a, b Region) (Region, bool) {
	out := make(Region, len(a))
	for i := range a {
		s := Slice{max(a[i].Start, b[i].Start), min(a[i].Stop, b[i].Stop)}
		if s.Len() == 0 {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// ArraySpec describes one chunked array.
type ArraySpec struct {
	Path       string   `msgpack:"p"`
	Dims       []string `msgpack:"d"`
	Shape      []int    `msgpack:"s"`
	ChunkShape []int    `msgpack:"c"`
	FillValue  float64  `msgpack:"f"`
}

func (spec *ArraySpec) Validate() error {
	if spec.Path == "" {
		return configErrf("array path must not be empty")
	}
	n := len(spec.Shape)
	if n == 0 {
		return configErrf("%s: array must have at least one dimension", spec.Path)
	}
	if len(spec.Dims) != n || len(spec.ChunkShape) != n {
		return configErrf("%s: dims, shape and chunk shape must have equal length", spec.Path)
	}
	for i := range spec.Shape {
		if spec.Shape[i] < 0 {
			return configErrf("%s: negative size along %s", spec.Path, spec.Dims[i])
		}
		if spec.ChunkShape[i] <= 0 {
			return configErrf("%s: non-positive chunk size along %s", spec.Path, spec.Dims[i])
		}
	}
	return nil
}

func (spec *ArraySpec) Clone() *ArraySpec {
	out := *spec
	out.Dims = slices.Clone(spec.Dims)
	out.Shape = slices.Clone(spec.Shape)
	out.ChunkShape = slices.Clone(spec.ChunkShape)
	return &out
}

func (spec *ArraySpec) EqualSpec(other *ArraySpec) bool {
	return spec.Path == other.Path &&
		slices.Equal(spec.Dims, other.Dims) &&
		slices.Equal(spec.Shape, other.Shape) &&
		slices.Equal(spec.ChunkShape, other.ChunkShape) &&
		sameFill(spec.FillValue, other.FillValue)
}

// AxisOf returns the axis index of the named dimension, or -1.
func (spec *ArraySpec) AxisOf(dim string) int {
	return slices.Index(spec.Dims, dim)
}

// GridShape is the number of chunks along each dimension.
func (spec *ArraySpec) GridShape() []int {
	grid := make([]int, len(spec.Shape))
	for i := range spec.Shape {
		grid[i] = (spec.Shape[i] + spec.ChunkShape[i] - 1) / spec.ChunkShape[i]
	}
	return grid
}

func (spec *ArraySpec) NumChunks() int {
	return prod(spec.GridShape())
}

// ChunkRegion returns the array region occupied by the chunk at coords,
// clipped to the array shape (edge chunks may be partial).
func (spec *ArraySpec) ChunkRegion(coords ChunkCoords) (Region, error) {
	if len(coords) != len(spec.Shape) {
		return nil, configErrf("%s: chunk coords %v have wrong rank", spec.Path, coords)
	}
	grid := spec.GridShape()
	r := make(Region, len(coords))
	for i, c := range coords {
		if c < 0 || c >= grid[i] {
			return nil, configErrf("%s: chunk coords %v outside grid %v", spec.Path, coords, grid)
		}
		r[i] = Slice{
			Start: c * spec.ChunkShape[i],
			Stop:  min((c+1)*spec.ChunkShape[i], spec.Shape[i]),
		}
	}
	return r, nil
}

// chunksCovering lists, in row-major order, the chunk coords whose
// regions intersect r.
func chunksCovering(spec *ArraySpec, r Region) []ChunkCoords {
	n := len(r)
	lo := make([]int, n)
	hi := make([]int, n)
	for i := range r {
		if r[i].Len() == 0 {
			return nil
		}
		lo[i] = r[i].Start / spec.ChunkShape[i]
		hi[i] = (r[i].Stop + spec.ChunkShape[i] - 1) / spec.ChunkShape[i]
	}
	var out []ChunkCoords
	cur := slices.Clone(lo)
	for {
		out = append(out, ChunkCoords(slices.Clone(cur)))
		k := n - 1
		for ; k >= 0; k-- {
			cur[k]++
			if cur[k] < hi[k] {
				break
			}
			cur[k] = lo[k]
		}
		if k < 0 {
			return out
		}
	}
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = acc
		acc *= shape[i]
	}
	return out
}

func prod(shape []int) int {
	n := 1
	for _, v := range shape {
		n *= v
	}
	return n
}

// copyRegion copies the srcR hyperrectangle of src into the dstR
// hyperrectangle of dst. Both buffers are flat row-major; both regions
// must have the same shape.
func copyRegion(dst []float64, dstShape []int, dstR Region, src []float64, srcShape []int, srcR Region) {
	if dstR.Size() == 0 {
		return
	}
	n := len(dstR)
	rs := dstR.Shape()
	dstStr := strides(dstShape)
	srcStr := strides(srcShape)
	rowLen := rs[n-1]

	var dstOff, srcOff int
	for i := 0; i < n; i++ {
		dstOff += dstR[i].Start * dstStr[i]
		srcOff += srcR[i].Start * srcStr[i]
	}

	idx := make([]int, n-1)
	for {
		copy(dst[dstOff:dstOff+rowLen], src[srcOff:srcOff+rowLen])
		k := n - 2
		for ; k >= 0; k-- {
			idx[k]++
			dstOff += dstStr[k]
			srcOff += srcStr[k]
			if idx[k] < rs[k] {
				break
			}
			dstOff -= rs[k] * dstStr[k]
			srcOff -= rs[k] * srcStr[k]
			idx[k] = 0
		}
		if k < 0 {
			return
		}
	}
}

// Chunk payloads are little-endian float64s in row-major order.

func encodeChunkPayload(data []float64) []byte {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeChunkPayload(buf []byte) []float64 {
	data := make([]float64, len(buf)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return data
}

func isUniform(data []float64, fill float64) bool {
	for _, v := range data {
		if !sameFill(v, fill) {
			return false
		}
	}
	return true
}

func sameFill(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

func fillBuffer(n int, fill float64) []float64 {
	data := make([]float64, n)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return data
}
