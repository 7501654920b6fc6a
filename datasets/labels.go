package datasets

import (
	"context"
	"log"
	"math"
	"sort"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
)

// Rasterize burns the labels of idx into a [1, h, w] mask covering window.
// Pixel centres inside a region take its label; where classes overlap the
// highest label id wins, and everything else is background (0).
func Rasterize(idx *geo.Index, window geo.BoundingBox, h, w int) *tensor.Tensor {
	mask := tensor.New(1, h, w)
	regions := idx.RegionsIn(window)
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Label < regions[j].Label })

	px := window.Width() / float64(w)
	py := window.Height() / float64(h)
	plane := mask.Plane(0)
	for _, r := range regions {
		box, ok := r.Box().Intersection(window)
		if !ok {
			continue
		}
		// pixel columns and rows whose centres can fall inside box
		x0 := max(0, int(math.Floor((box.MinX-window.MinX)/px-0.5)))
		x1 := min(w-1, int(math.Ceil((box.MaxX-window.MinX)/px-0.5)))
		y0 := max(0, int(math.Floor((window.MaxY-box.MaxY)/py-0.5)))
		y1 := min(h-1, int(math.Ceil((window.MaxY-box.MinY)/py-0.5)))
		for y := y0; y <= y1; y++ {
			cy := window.MaxY - (float64(y)+0.5)*py
			for x := x0; x <= x1; x++ {
				cx := window.MinX + (float64(x)+0.5)*px
				if r.Contains(cx, cy) {
					plane[y*w+x] = float32(r.Label)
				}
			}
		}
	}
	return mask
}

// Intersection pairs imagery with labelled regions: each Read returns the
// imagery tile and a mask rasterised on the same pixel grid. Its bounds are
// the overlap of the imagery and the label extent.
type Intersection struct {
	Imagery Source
	Labels  *geo.Index
	bounds  geo.BoundingBox
}

// NewIntersection fails with errs.ErrConfig when the imagery and the labels
// do not overlap.
func NewIntersection(imagery Source, labels *geo.Index, logger *log.Logger) (*Intersection, error) {
	logger = discardLogger(logger)
	ib, lb := imagery.Bounds(), labels.Extent()
	// imagery footprints carry no time range
	lb.MinT, lb.MaxT = ib.MinT, ib.MaxT
	bounds, ok := ib.Intersection(lb)
	if !ok || bounds.Area() == 0 {
		return nil, errs.Configf("imagery %v and labels %v do not overlap", ib, lb)
	}
	if imagery.Resolution() != labels.Resolution() {
		logger.Printf("[Dataset] imagery resolution %g differs from label resolution %g; masks follow the imagery grid",
			imagery.Resolution(), labels.Resolution())
	}
	return &Intersection{Imagery: imagery, Labels: labels, bounds: bounds}, nil
}

func (d *Intersection) Read(ctx context.Context, window geo.BoundingBox) (*Tile, error) {
	tile, err := d.Imagery.Read(ctx, window)
	if err != nil {
		return nil, err
	}
	tile.Mask = Rasterize(d.Labels, window, tile.Image.Height(), tile.Image.Width())
	return tile, nil
}

func (d *Intersection) Bounds() geo.BoundingBox { return d.bounds }

func (d *Intersection) Resolution() float64 { return d.Imagery.Resolution() }

func (d *Intersection) CRS() string { return d.Imagery.CRS() }
