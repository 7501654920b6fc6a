package datasets

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
)

// ImageryOptions configures OpenImagery.
type ImageryOptions struct {
	// CRS is recorded on the source; footprints are assumed to be in it.
	CRS string
	// Resolution is the output ground size of one pixel in CRS units.
	Resolution float64
	// Bands is the number of channels read from each image: 1 (gray),
	// 3 (RGB) or 4 (RGBA). Zero means 3.
	Bands int
	// CacheSize bounds how many decoded images are kept. Zero means 16.
	CacheSize int
	Logger    *log.Logger
}

// ImageryIndex is a Source over a set of north-up image files listed in a
// CSV index with columns path, minx, miny, maxx, maxy. Relative paths are
// resolved against the index file's directory.
type ImageryIndex struct {
	crs    string
	res    float64
	bands  int
	tiles  []*imageTile
	tree   *rtree.Rtree
	bounds geo.BoundingBox
	cache  *imageCache
	logger *log.Logger
}

// imageTile is one image footprint stored in the rtree.
type imageTile struct {
	geom.Polygonal
	path string
	box  geo.BoundingBox
}

// OpenImagery reads the index at indexPath. No image is decoded until a
// window touching it is read.
func OpenImagery(indexPath string, opts ImageryOptions) (*ImageryIndex, error) {
	if opts.Resolution <= 0 {
		return nil, errs.Configf("imagery resolution must be positive, got %g", opts.Resolution)
	}
	if opts.Bands == 0 {
		opts.Bands = 3
	}
	if opts.Bands != 1 && opts.Bands != 3 && opts.Bands != 4 {
		return nil, errs.Configf("imagery bands must be 1, 3 or 4, got %d", opts.Bands)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	logger := discardLogger(opts.Logger)

	file, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open imagery index: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	colIndex, err := readHeader(reader, "path", "minx", "miny", "maxx", "maxy")
	if err != nil {
		return nil, fmt.Errorf("imagery index %s: %w", indexPath, err)
	}

	ds := &ImageryIndex{
		crs:    opts.CRS,
		res:    opts.Resolution,
		bands:  opts.Bands,
		tree:   rtree.NewTree(25, 50),
		cache:  newImageCache(opts.CacheSize),
		logger: logger,
	}
	dir := filepath.Dir(indexPath)
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", row, err)
		}
		row++

		var c [4]float64
		for i, col := range []string{"minx", "miny", "maxx", "maxy"} {
			v, err := parseFloat(record[colIndex[col]])
			if err != nil {
				return nil, fmt.Errorf("row %d: failed to parse %s: %w", row, col, err)
			}
			c[i] = v
		}
		box, err := geo.NewBoundingBox(c[0], c[2], c[1], c[3], 0, 0)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		t := &imageTile{Polygonal: box.Bounds(), path: resolvePath(dir, record[colIndex["path"]]), box: box}
		ds.tiles = append(ds.tiles, t)
		ds.tree.Insert(t)
		if len(ds.tiles) == 1 {
			ds.bounds = box
		} else {
			ds.bounds = ds.bounds.Union(box)
		}
	}
	if len(ds.tiles) == 0 {
		return nil, errs.Configf("imagery index %s lists no images", indexPath)
	}
	logger.Printf("[Imagery] indexed %d images over %v", len(ds.tiles), ds.bounds)
	return ds, nil
}

// Bounds returns the union of all footprints.
func (d *ImageryIndex) Bounds() geo.BoundingBox { return d.bounds }

// Resolution returns the output pixel size.
func (d *ImageryIndex) Resolution() float64 { return d.res }

// CRS returns the configured coordinate reference system.
func (d *ImageryIndex) CRS() string { return d.crs }

// Len returns the number of indexed images.
func (d *ImageryIndex) Len() int { return len(d.tiles) }

// Read mosaics every image touching window onto a [Bands, H, W] tensor at the
// source resolution. Pixels no image covers are zero.
func (d *ImageryIndex) Read(ctx context.Context, window geo.BoundingBox) (*Tile, error) {
	h, w := PixelSize(window, d.res)
	if h <= 0 || w <= 0 {
		return nil, errs.Configf("window %v is smaller than one pixel", window)
	}
	hits := d.tree.SearchIntersect(window.Bounds())
	if len(hits) == 0 {
		return nil, errs.Unavailablef("no imagery covers %v", window)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	drawn := 0
	for _, hit := range hits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, ok := hit.(*imageTile)
		if !ok {
			continue
		}
		isect, ok := t.box.Intersection(window)
		if !ok || isect.Area() == 0 {
			continue
		}
		img, err := d.cache.get(t.path, decodeImage)
		if err != nil {
			return nil, errs.Unavailablef("image %s: %v", t.path, err)
		}

		// destination rectangle on the window's pixel grid (row 0 is north)
		dst := image.Rect(
			roundPixels((isect.MinX-window.MinX)/d.res),
			roundPixels((window.MaxY-isect.MaxY)/d.res),
			roundPixels((isect.MaxX-window.MinX)/d.res),
			roundPixels((window.MaxY-isect.MinY)/d.res),
		)
		// source rectangle on the image's own pixel grid
		b := img.Bounds()
		sx := float64(b.Dx()) / t.box.Width()
		sy := float64(b.Dy()) / t.box.Height()
		src := image.Rect(
			b.Min.X+roundPixels((isect.MinX-t.box.MinX)*sx),
			b.Min.Y+roundPixels((t.box.MaxY-isect.MaxY)*sy),
			b.Min.X+roundPixels((isect.MaxX-t.box.MinX)*sx),
			b.Min.Y+roundPixels((t.box.MaxY-isect.MinY)*sy),
		)
		if dst.Empty() || src.Empty() {
			continue
		}
		draw.NearestNeighbor.Scale(canvas, dst, img, src, draw.Src, nil)
		drawn++
	}
	if drawn == 0 {
		return nil, errs.Unavailablef("no imagery overlaps %v with positive area", window)
	}
	return &Tile{Image: d.toTensor(canvas), Window: window}, nil
}

func (d *ImageryIndex) toTensor(canvas *image.RGBA) *tensor.Tensor {
	h, w := canvas.Rect.Dy(), canvas.Rect.Dx()
	out := tensor.New(d.bands, h, w)
	for y := range h {
		for x := range w {
			i := canvas.PixOffset(x, y)
			px := canvas.Pix[i : i+4]
			p := y*w + x
			for c := range d.bands {
				out.Plane(c)[p] = float32(px[c])
			}
		}
	}
	return out
}

// decodeImage picks the decoder from the file extension.
func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return tiff.Decode(f)
	case ".png":
		return png.Decode(f)
	default:
		img, _, err := image.Decode(f)
		return img, err
	}
}

// imageCache keeps the most recently used decoded images.
type imageCache struct {
	mu    sync.Mutex
	size  int
	items map[string]image.Image
	order []string
}

func newImageCache(size int) *imageCache {
	return &imageCache{size: size, items: make(map[string]image.Image, size)}
}

func (c *imageCache) get(path string, load func(string) (image.Image, error)) (image.Image, error) {
	c.mu.Lock()
	if img, ok := c.items[path]; ok {
		c.touch(path)
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	// decode outside the lock; concurrent misses on one path decode twice
	img, err := load(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[path]; !ok {
		c.items[path] = img
		c.order = append(c.order, path)
		for len(c.order) > c.size {
			delete(c.items, c.order[0])
			c.order = c.order[1:]
		}
	}
	return img, nil
}

func (c *imageCache) touch(path string) {
	for i, p := range c.order {
		if p == path {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), path)
			return
		}
	}
}
