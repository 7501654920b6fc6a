// Package geo holds the georeferenced data model used by the samplers: the
// BoundingBox used to request tiles, the labelled Region polygons and the
// spatial Index that answers which classes a window contains.
package geo

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ctessum/geom"

	"github.com/Noofbiz/stormseg/errs"
)

// BoundingBox is an axis-aligned spatiotemporal box. Windows requested from a
// data source are BoundingBoxes.
type BoundingBox struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinT, MaxT float64
}

// NewBoundingBox validates the ordering of the bounds.
func NewBoundingBox(minx, maxx, miny, maxy, mint, maxt float64) (BoundingBox, error) {
	b := BoundingBox{minx, maxx, miny, maxy, mint, maxt}
	if minx > maxx || miny > maxy || mint > maxt {
		return BoundingBox{}, errs.Configf("bounding box %v has min greater than max", b)
	}
	return b, nil
}

// Width is the x extent.
func (b BoundingBox) Width() float64 { return b.MaxX - b.MinX }

// Height is the y extent.
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

// Area is the planar area.
func (b BoundingBox) Area() float64 { return b.Width() * b.Height() }

// Center returns the planar midpoint.
func (b BoundingBox) Center() (x, y float64) {
	return b.MinX + b.Width()/2, b.MinY + b.Height()/2
}

// Intersects reports whether the two boxes share any point, edges included.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY &&
		b.MinT <= o.MaxT && o.MinT <= b.MaxT
}

// Intersection returns the overlap of two boxes and whether it is non-empty.
func (b BoundingBox) Intersection(o BoundingBox) (BoundingBox, bool) {
	if !b.Intersects(o) {
		return BoundingBox{}, false
	}
	return BoundingBox{
		MinX: math.Max(b.MinX, o.MinX), MaxX: math.Min(b.MaxX, o.MaxX),
		MinY: math.Max(b.MinY, o.MinY), MaxY: math.Min(b.MaxY, o.MaxY),
		MinT: math.Max(b.MinT, o.MinT), MaxT: math.Min(b.MaxT, o.MaxT),
	}, true
}

// Contains reports whether o lies entirely inside b in the plane.
func (b BoundingBox) Contains(o BoundingBox) bool {
	return b.MinX <= o.MinX && o.MaxX <= b.MaxX && b.MinY <= o.MinY && o.MaxY <= b.MaxY
}

// ContainsPoint reports whether (x, y) lies inside b, edges included.
func (b BoundingBox) ContainsPoint(x, y float64) bool {
	return b.MinX <= x && x <= b.MaxX && b.MinY <= y && y <= b.MaxY
}

// Union returns the smallest box containing both.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinX: math.Min(b.MinX, o.MinX), MaxX: math.Max(b.MaxX, o.MaxX),
		MinY: math.Min(b.MinY, o.MinY), MaxY: math.Max(b.MaxY, o.MaxY),
		MinT: math.Min(b.MinT, o.MinT), MaxT: math.Max(b.MaxT, o.MaxT),
	}
}

// Bounds converts the planar part of b to a geom.Bounds.
func (b BoundingBox) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: b.MinX, Y: b.MinY},
		Max: geom.Point{X: b.MaxX, Y: b.MaxY},
	}
}

// Window returns a box of the given planar size whose lower-left corner is
// (x, y), carrying b's time range.
func (b BoundingBox) Window(x, y, width, height float64) BoundingBox {
	return BoundingBox{MinX: x, MaxX: x + width, MinY: y, MaxY: y + height, MinT: b.MinT, MaxT: b.MaxT}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("BoundingBox(x=[%g, %g], y=[%g, %g], t=[%g, %g])",
		b.MinX, b.MaxX, b.MinY, b.MaxY, b.MinT, b.MaxT)
}

// Axis selects the split direction.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// SplitOptions controls how an extent is cut into train and test parts.
type SplitOptions struct {
	// Ratio is the train share of the extent, in (0, 1).
	Ratio float64
	Axis  Axis
	// TestFirst places the test part at the low end of the axis instead of
	// the high end.
	TestFirst bool
}

// Split partitions b into a train and a test box along one axis. The two boxes
// share exactly one boundary line and their union is b.
func (b BoundingBox) Split(opts SplitOptions) (train, test BoundingBox, err error) {
	if !(opts.Ratio > 0 && opts.Ratio < 1) {
		return BoundingBox{}, BoundingBox{}, errs.Configf("split ratio %g outside (0, 1)", opts.Ratio)
	}
	share := opts.Ratio
	if opts.TestFirst {
		share = 1 - opts.Ratio
	}
	low, high := b, b
	switch opts.Axis {
	case AxisY:
		cut := b.MinY + b.Height()*share
		low.MaxY, high.MinY = cut, cut
	default:
		cut := b.MinX + b.Width()*share
		low.MaxX, high.MinX = cut, cut
	}
	if opts.TestFirst {
		return high, low, nil
	}
	return low, high, nil
}

// RandomSplitOptions draws an axis and side for a per-trial re-split.
func RandomSplitOptions(ratio float64, rng *rand.Rand) SplitOptions {
	return SplitOptions{
		Ratio:     ratio,
		Axis:      Axis(rng.Intn(2)),
		TestFirst: rng.Intn(2) == 1,
	}
}
