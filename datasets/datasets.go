package datasets

import (
	"context"

	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
)

// This file describes how georeferenced data enters training.
//
// A Source turns a window (a geo.BoundingBox in the source CRS) into a Tile.
// Sources load lazily: they keep footprints and file paths, and only decode
// pixels for the windows a sampler asks for.
//
// Layout and intended usage:
//
// ImageryIndex
//   - Reads a CSV index of image files and their footprints
//   - Decodes GeoTIFF/PNG tiles on demand and keeps a few in a small cache
//   - Image tensors are [C, H, W] with raw intensities in [0, 255]
//
// Intersection
//   - Pairs an imagery Source with a geo.Index of labelled regions
//   - Burns the labels into a [1, H, W] mask on the imagery's pixel grid
//
// Loader
//   - Reads the windows of a batch with a worker pool and collates them
//   - Streams batches for an epoch, prefetching the next one
//
// SamplerDataset
//   - Wraps a sampler and a Loader as a gomlx train.Dataset

// Source reads tiles for windows of its extent. Read failures wrap
// errs.ErrDataUnavailable so callers can retry with another window.
type Source interface {
	Read(ctx context.Context, window geo.BoundingBox) (*Tile, error)
	Bounds() geo.BoundingBox
	Resolution() float64
	CRS() string
}

// Tile is one sample: an image, its mask and the window it was read from.
// Image and Mask always share height and width. Mask is nil for sources
// without labels.
type Tile struct {
	Image  *tensor.Tensor
	Mask   *tensor.Tensor
	Window geo.BoundingBox
}

// PixelSize returns the height and width in pixels of window at res.
func PixelSize(window geo.BoundingBox, res float64) (h, w int) {
	return roundPixels(window.Height() / res), roundPixels(window.Width() / res)
}
