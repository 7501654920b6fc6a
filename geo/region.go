package geo

import (
	"math"
	"math/rand"
	"strings"

	"github.com/ctessum/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Label describes one target class.
type Label struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"` // hex "#rrggbb"; empty picks a palette colour
}

// LabelSet is the ordered list of target classes. Class 0 is background and is
// never part of the set.
type LabelSet []Label

// IDs returns the label ids in set order.
func (ls LabelSet) IDs() []int {
	ids := make([]int, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
	}
	return ids
}

// Has reports whether id is in the set.
func (ls LabelSet) Has(id int) bool {
	for _, l := range ls {
		if l.ID == id {
			return true
		}
	}
	return false
}

// ByName finds a label by case-insensitive name.
func (ls LabelSet) ByName(name string) (Label, bool) {
	name = strings.TrimSpace(name)
	for _, l := range ls {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Label{}, false
}

// Region is a labelled polygon. It embeds the geometry so it can be stored
// directly in the spatial index; it is never modified after construction.
type Region struct {
	geom.Polygon

	Label int
	CRS   string

	rings []orb.Ring
	area  float64
	box   BoundingBox
}

// NewRegion builds a region from a polygon whose rings may be in any winding
// order. Point containment follows the even-odd rule, so holes and disjoint
// outer rings inside one shapefile record both work.
func NewRegion(poly geom.Polygon, label int, crs string) *Region {
	r := &Region{Polygon: poly, Label: label, CRS: crs}
	r.rings = make([]orb.Ring, 0, len(poly))
	for _, path := range poly {
		ring := make(orb.Ring, len(path))
		for i, p := range path {
			ring[i] = orb.Point{p.X, p.Y}
		}
		r.rings = append(r.rings, ring)
	}
	b := poly.Bounds()
	r.box = BoundingBox{MinX: b.Min.X, MaxX: b.Max.X, MinY: b.Min.Y, MaxY: b.Max.Y}
	r.area = poly.Area()
	return r
}

// Area is the polygon area in CRS units squared.
func (r *Region) Area() float64 { return r.area }

// Box returns the planar bounding box of the region.
func (r *Region) Box() BoundingBox { return r.box }

// Contains reports whether (x, y) is inside the region.
func (r *Region) Contains(x, y float64) bool {
	if !r.box.ContainsPoint(x, y) {
		return false
	}
	pt := orb.Point{x, y}
	inside := false
	for _, ring := range r.rings {
		if planar.RingContains(ring, pt) {
			inside = !inside
		}
	}
	return inside
}

// OverlapArea returns the area of the region that falls inside box.
func (r *Region) OverlapArea(box BoundingBox) float64 {
	if !r.box.Intersects(box) {
		return 0
	}
	if box.Contains(r.box) {
		return r.area
	}
	isect := r.Polygon.Intersection(box.Bounds())
	if isect == nil {
		return 0
	}
	return isect.Area()
}

// EdgePoint returns a random point on the boundary of the part of the region
// inside box. Edges are chosen with probability proportional to their length.
// ok is false when the region does not reach into box.
func (r *Region) EdgePoint(box BoundingBox, rng *rand.Rand) (x, y float64, ok bool) {
	if !r.box.Intersects(box) {
		return 0, 0, false
	}
	clipped := r.Polygon
	if !box.Contains(r.box) {
		clipped = r.Polygon.Intersection(box.Bounds()).(geom.Polygon)
	}
	type edge struct{ a, b geom.Point }
	var edges []edge
	var lengths []float64
	total := 0.0
	for _, path := range clipped {
		for i := range path {
			a, b := path[i], path[(i+1)%len(path)]
			l := math.Hypot(b.X-a.X, b.Y-a.Y)
			if l == 0 {
				continue
			}
			edges = append(edges, edge{a, b})
			lengths = append(lengths, l)
			total += l
		}
	}
	if total == 0 {
		return 0, 0, false
	}
	target := rng.Float64() * total
	i := 0
	for ; i < len(edges)-1 && target >= lengths[i]; i++ {
		target -= lengths[i]
	}
	e, t := edges[i], math.Min(target/lengths[i], 1)
	return e.a.X + t*(e.b.X-e.a.X), e.a.Y + t*(e.b.Y-e.a.Y), true
}
