package geo

import (
	"io"
	"log"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/stormseg/errs"
)

// BuildOptions tunes Build.
type BuildOptions struct {
	// StrictLabels makes Build fail when a configured label has no region.
	// When false the label is kept with zero frequency and a warning is logged.
	StrictLabels bool

	// Extent overrides the indexed extent. When nil the union of the region
	// bounds is used.
	Extent *BoundingBox

	Logger *log.Logger
}

// ClassStats holds per-class coverage computed once at build time.
type ClassStats struct {
	// Area is the region area per class clipped to the extent.
	Area map[int]float64
	// Pixels is Area expressed in pixels at the index resolution.
	Pixels map[int]float64
	// ExtentArea is the area of the indexed extent.
	ExtentArea float64
}

// Index is a read-only spatial lookup from windows to the labels they
// contain. It is safe for concurrent use once built.
type Index struct {
	tree       *rtree.Rtree
	regions    []*Region
	byLabel    map[int][]*Region
	labels     LabelSet
	extent     BoundingBox
	resolution float64
	stats      ClassStats
	freq       map[int]float64
}

// Build indexes the regions whose label is in labels. Regions with other labels
// are ignored.
func Build(regions []*Region, labels LabelSet, resolution float64, opts BuildOptions) (*Index, error) {
	if resolution <= 0 {
		return nil, errs.Configf("resolution must be positive, got %g", resolution)
	}
	if len(labels) == 0 {
		return nil, errs.Configf("label set is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	idx := &Index{
		tree:       rtree.NewTree(25, 50),
		byLabel:    make(map[int][]*Region),
		labels:     labels,
		resolution: resolution,
	}
	first := true
	for _, r := range regions {
		if r == nil || !labels.Has(r.Label) || r.Area() <= 0 {
			continue
		}
		idx.tree.Insert(r)
		idx.regions = append(idx.regions, r)
		idx.byLabel[r.Label] = append(idx.byLabel[r.Label], r)
		if first {
			idx.extent = r.Box()
			first = false
		} else {
			idx.extent = idx.extent.Union(r.Box())
		}
	}
	if opts.Extent != nil {
		idx.extent = *opts.Extent
	} else {
		idx.extent.MinT, idx.extent.MaxT = 0, math.Inf(1)
	}
	if idx.extent.Area() <= 0 {
		return nil, errs.Configf("indexed extent %v has no area", idx.extent)
	}

	for _, l := range labels {
		if len(idx.byLabel[l.ID]) > 0 {
			continue
		}
		if opts.StrictLabels {
			return nil, errs.Configf("label %d (%s) has no regions", l.ID, l.Name)
		}
		logger.Printf("[GeoIndex] warning: label %d (%s) has no regions; it will never be sampled", l.ID, l.Name)
	}

	idx.stats = ClassStats{
		Area:       make(map[int]float64, len(labels)),
		Pixels:     make(map[int]float64, len(labels)),
		ExtentArea: idx.extent.Area(),
	}
	idx.freq = make(map[int]float64, len(labels))
	pixelArea := resolution * resolution
	for _, l := range labels {
		areas := make([]float64, 0, len(idx.byLabel[l.ID]))
		for _, r := range idx.byLabel[l.ID] {
			areas = append(areas, r.OverlapArea(idx.extent))
		}
		a := floats.Sum(areas)
		idx.stats.Area[l.ID] = a
		idx.stats.Pixels[l.ID] = a / pixelArea
		idx.freq[l.ID] = a / idx.stats.ExtentArea
	}
	logger.Printf("[GeoIndex] indexed %d regions over %v", len(idx.regions), idx.extent)
	return idx, nil
}

// Extent returns the indexed extent.
func (idx *Index) Extent() BoundingBox { return idx.extent }

// Resolution returns the ground size of one pixel in CRS units.
func (idx *Index) Resolution() float64 { return idx.resolution }

// Labels returns the target label set.
func (idx *Index) Labels() LabelSet { return idx.labels }

// Stats returns the per-class coverage computed at build time.
func (idx *Index) Stats() ClassStats { return idx.stats }

// ClassFrequency returns the share of the extent covered by each class.
func (idx *Index) ClassFrequency() map[int]float64 {
	out := make(map[int]float64, len(idx.freq))
	for k, v := range idx.freq {
		out[k] = v
	}
	return out
}

// RegionsOf returns the regions carrying label.
func (idx *Index) RegionsOf(label int) []*Region { return idx.byLabel[label] }

// RegionsIn returns the regions whose bounding box intersects window, ordered
// by insertion.
func (idx *Index) RegionsIn(window BoundingBox) []*Region {
	hits := idx.tree.SearchIntersect(window.Bounds())
	out := make([]*Region, 0, len(hits))
	for _, h := range hits {
		if r, ok := h.(*Region); ok && r.Box().Intersects(window) {
			out = append(out, r)
		}
	}
	return out
}

// LabelsIn returns the labels whose regions overlap window with positive area.
// An empty set means pure background.
func (idx *Index) LabelsIn(window BoundingBox) map[int]struct{} {
	out := make(map[int]struct{})
	for _, r := range idx.RegionsIn(window) {
		if _, seen := out[r.Label]; seen {
			continue
		}
		if r.OverlapArea(window) > 0 {
			out[r.Label] = struct{}{}
		}
	}
	return out
}

// LabelAt returns the label at (x, y), or 0 for background. Where regions of
// different classes overlap the highest label id wins.
func (idx *Index) LabelAt(x, y float64) int {
	probe := &geom.Bounds{Min: geom.Point{X: x, Y: y}, Max: geom.Point{X: x, Y: y}}
	best := 0
	for _, h := range idx.tree.SearchIntersect(probe) {
		r, ok := h.(*Region)
		if ok && r.Label > best && r.Contains(x, y) {
			best = r.Label
		}
	}
	return best
}

// RarityOrder returns the label ids sorted by ascending class frequency, ties
// broken by id.
func (idx *Index) RarityOrder() []int {
	ids := idx.labels.IDs()
	sort.SliceStable(ids, func(i, j int) bool {
		fi, fj := idx.freq[ids[i]], idx.freq[ids[j]]
		if fi != fj {
			return fi < fj
		}
		return ids[i] < ids[j]
	})
	return ids
}
