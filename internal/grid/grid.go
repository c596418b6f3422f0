// Package grid implements the array geometry used by chunked datasets:
// shapes, chunk coordinates and hyperslab selections.
package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape is the extent of an array, one entry per dimension.
type Shape []int64

// Coord addresses a single chunk within a dataset's chunk lattice.
type Coord []int64

// Selection is a half-open hyperslab [Start, Stop) over an array.
type Selection struct {
	Start []int64 `json:"start"`
	Stop  []int64 `json:"stop"`
}

// NumElements returns the total element count of the shape.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate checks that all extents are positive.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("shape must have at least one dimension")
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("dimension %d has non-positive extent %d", i, d)
		}
	}
	return nil
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders a coordinate as underscore-joined indices, e.g. "3_0_12".
// This rendering is part of the chunk key format and must never change.
func (c Coord) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, "_")
}

// Equal reports whether two coordinates are identical.
func (c Coord) Equal(other Coord) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// NormalizeSelection clips a selection to the dataset shape and fills in
// open ends: a nil Start selects from the origin, a nil Stop selects to the
// end of each dimension.
func NormalizeSelection(sel Selection, shape Shape) (Selection, error) {
	rank := len(shape)
	out := Selection{
		Start: make([]int64, rank),
		Stop:  make([]int64, rank),
	}

	if sel.Start != nil {
		if len(sel.Start) != rank {
			return out, fmt.Errorf("selection start rank %d does not match dataset rank %d", len(sel.Start), rank)
		}
		copy(out.Start, sel.Start)
	}
	if sel.Stop == nil {
		copy(out.Stop, shape)
	} else {
		if len(sel.Stop) != rank {
			return out, fmt.Errorf("selection stop rank %d does not match dataset rank %d", len(sel.Stop), rank)
		}
		copy(out.Stop, sel.Stop)
	}

	for i := 0; i < rank; i++ {
		if out.Start[i] < 0 {
			return out, fmt.Errorf("selection start[%d] = %d is negative", i, out.Start[i])
		}
		if out.Stop[i] > shape[i] {
			return out, fmt.Errorf("selection stop[%d] = %d exceeds extent %d", i, out.Stop[i], shape[i])
		}
		if out.Start[i] > out.Stop[i] {
			return out, fmt.Errorf("selection start[%d] = %d exceeds stop %d", i, out.Start[i], out.Stop[i])
		}
	}

	return out, nil
}

// Shape returns the extent of the selection in each dimension.
func (s Selection) Shape() Shape {
	out := make(Shape, len(s.Start))
	for i := range s.Start {
		out[i] = s.Stop[i] - s.Start[i]
	}
	return out
}

// Empty reports whether the selection covers no elements.
func (s Selection) Empty() bool {
	for i := range s.Start {
		if s.Stop[i] <= s.Start[i] {
			return true
		}
	}
	return len(s.Start) == 0
}

// ChunksInSelection returns the coordinates of every chunk intersecting the
// selection, in row-major order. The selection must already be normalized.
func ChunksInSelection(sel Selection, chunkShape Shape) []Coord {
	if sel.Empty() {
		return nil
	}

	rank := len(chunkShape)
	first := make([]int64, rank)
	last := make([]int64, rank) // inclusive
	for i := 0; i < rank; i++ {
		first[i] = sel.Start[i] / chunkShape[i]
		last[i] = (sel.Stop[i] - 1) / chunkShape[i]
	}

	var coords []Coord
	cur := make([]int64, rank)
	copy(cur, first)
	for {
		c := make(Coord, rank)
		copy(c, cur)
		coords = append(coords, c)

		// Advance the row-major odometer.
		dim := rank - 1
		for dim >= 0 {
			cur[dim]++
			if cur[dim] <= last[dim] {
				break
			}
			cur[dim] = first[dim]
			dim--
		}
		if dim < 0 {
			return coords
		}
	}
}

// ChunkSelection returns the chunk-relative portion of the selection covered
// by the chunk at coord. The result indexes into the chunk's own extent.
func ChunkSelection(sel Selection, coord Coord, chunkShape Shape) Selection {
	rank := len(chunkShape)
	out := Selection{
		Start: make([]int64, rank),
		Stop:  make([]int64, rank),
	}
	for i := 0; i < rank; i++ {
		chunkStart := coord[i] * chunkShape[i]
		lo := max64(sel.Start[i], chunkStart)
		hi := min64(sel.Stop[i], chunkStart+chunkShape[i])
		out.Start[i] = lo - chunkStart
		out.Stop[i] = hi - chunkStart
	}
	return out
}

// DataSelection returns the portion of the request buffer (shaped like the
// full selection) that corresponds to the chunk at coord.
func DataSelection(sel Selection, coord Coord, chunkShape Shape) Selection {
	rank := len(chunkShape)
	out := Selection{
		Start: make([]int64, rank),
		Stop:  make([]int64, rank),
	}
	for i := 0; i < rank; i++ {
		chunkStart := coord[i] * chunkShape[i]
		lo := max64(sel.Start[i], chunkStart)
		hi := min64(sel.Stop[i], chunkStart+chunkShape[i])
		out.Start[i] = lo - sel.Start[i]
		out.Stop[i] = hi - sel.Start[i]
	}
	return out
}

// ContiguousRange reports whether the selection describes a single contiguous
// byte run within a row-major array of the given shape, and if so returns its
// element offset and length. A selection is contiguous exactly when every
// dimension before the first one selecting multiple indices is a singleton
// and every dimension after it spans its full extent.
func ContiguousRange(sel Selection, shape Shape) (offset, length int64, ok bool) {
	rank := len(shape)
	// Find the outermost dimension selecting more than one index. All
	// dimensions before it are singletons by construction.
	run := rank
	for i := 0; i < rank; i++ {
		if sel.Stop[i]-sel.Start[i] != 1 {
			run = i
			break
		}
	}
	for i := run + 1; i < rank; i++ {
		if sel.Start[i] != 0 || sel.Stop[i] != shape[i] {
			return 0, 0, false
		}
	}

	stride := int64(1)
	strides := make([]int64, rank)
	for i := rank - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	for i := 0; i < rank; i++ {
		offset += sel.Start[i] * strides[i]
	}
	return offset, sel.Shape().NumElements(), true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
