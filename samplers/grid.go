package samplers

import (
	"iter"
	"log"
	"math"
	"sort"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
)

// GridConfig configures a Grid sampler.
type GridConfig struct {
	ROI    geo.BoundingBox
	Size   float64 // window edge in CRS units
	Stride float64 // step between window origins; zero means Size
	Logger *log.Logger
}

// Grid enumerates windows on a regular grid over the ROI. The last row and
// column are snapped to the ROI edge, and when the stride leaves gaps an extra
// window is added over every region the grid missed. Windows holding the
// rarest class come first.
type Grid struct {
	windows []geo.BoundingBox
	added   int
}

// NewGrid precomputes the ordered window list.
func NewGrid(index *geo.Index, cfg GridConfig) (*Grid, error) {
	if err := checkROI(cfg.ROI, cfg.Size); err != nil {
		return nil, err
	}
	if cfg.Stride == 0 {
		cfg.Stride = cfg.Size
	}
	if cfg.Stride < 0 {
		return nil, errs.Configf("grid stride must be positive, got %g", cfg.Stride)
	}
	logger := discardLogger(cfg.Logger)

	roi, size := cfg.ROI, cfg.Size
	xs := gridOrigins(roi.MinX, roi.MaxX, size, cfg.Stride)
	ys := gridOrigins(roi.MinY, roi.MaxY, size, cfg.Stride)
	g := &Grid{windows: make([]geo.BoundingBox, 0, len(xs)*len(ys))}
	for _, y := range ys {
		for _, x := range xs {
			g.windows = append(g.windows, roi.Window(x, y, size, size))
		}
	}

	if cfg.Stride > size {
		g.coverMissed(index, roi, size)
		if g.added > 0 {
			logger.Printf("[Sampler] grid stride %g left %d regions uncovered; added a window for each", cfg.Stride, g.added)
		}
	}
	g.orderByRarity(index)
	return g, nil
}

// gridOrigins returns the window origins along one axis, the last one snapped
// so the final window ends on hi.
func gridOrigins(lo, hi, size, stride float64) []float64 {
	span := hi - lo - size
	n := int(math.Ceil(span/stride-1e-9)) + 1
	out := make([]float64, 0, n)
	for i := range n {
		out = append(out, math.Min(lo+float64(i)*stride, hi-size))
	}
	return out
}

func (g *Grid) coverMissed(index *geo.Index, roi geo.BoundingBox, size float64) {
	for _, r := range index.RegionsIn(roi) {
		if r.OverlapArea(roi) <= 0 {
			continue
		}
		covered := false
		for _, w := range g.windows {
			if r.Box().Intersects(w) && r.OverlapArea(w) > 0 {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		box, _ := r.Box().Intersection(roi)
		cx, cy := box.Center()
		x := clamp(cx-size/2, roi.MinX, roi.MaxX-size)
		y := clamp(cy-size/2, roi.MinY, roi.MaxY-size)
		g.windows = append(g.windows, roi.Window(x, y, size, size))
		g.added++
	}
}

func (g *Grid) orderByRarity(index *geo.Index) {
	rank := make(map[int]int)
	for i, id := range index.RarityOrder() {
		rank[id] = i
	}
	background := len(rank)
	keys := make([]int, len(g.windows))
	for i, w := range g.windows {
		keys[i] = background
		for id := range index.LabelsIn(w) {
			if r, ok := rank[id]; ok && r < keys[i] {
				keys[i] = r
			}
		}
	}
	perm := make([]int, len(g.windows))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return keys[perm[a]] < keys[perm[b]] })
	ordered := make([]geo.BoundingBox, len(perm))
	for i, p := range perm {
		ordered[i] = g.windows[p]
	}
	g.windows = ordered
}

// Len returns the number of windows.
func (g *Grid) Len() int { return len(g.windows) }

// Added returns how many windows were appended to cover regions the grid
// skipped over.
func (g *Grid) Added() int { return g.added }

// Windows yields every window once in rarity order.
func (g *Grid) Windows() iter.Seq[geo.BoundingBox] {
	return func(yield func(geo.BoundingBox) bool) {
		for _, w := range g.windows {
			if !yield(w) {
				return
			}
		}
	}
}

// Batches groups Windows into slices of batchSize; the last one may be short.
func (g *Grid) Batches(batchSize int) iter.Seq[[]geo.BoundingBox] {
	return func(yield func([]geo.BoundingBox) bool) {
		if batchSize <= 0 {
			return
		}
		for i := 0; i < len(g.windows); i += batchSize {
			end := min(i+batchSize, len(g.windows))
			if !yield(append([]geo.BoundingBox(nil), g.windows[i:end]...)) {
				return
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
