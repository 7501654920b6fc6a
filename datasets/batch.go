package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
)

// Batch is a collated group of tiles in sampler order.
type Batch struct {
	Images  []*tensor.Tensor
	Masks   []*tensor.Tensor
	Windows []geo.BoundingBox
	// Skipped counts windows dropped after failed reads.
	Skipped int
}

// Collate gathers tiles into a Batch, dropping nil entries.
func Collate(tiles []*Tile) *Batch {
	b := &Batch{}
	for _, t := range tiles {
		if t == nil {
			continue
		}
		b.Images = append(b.Images, t.Image)
		b.Masks = append(b.Masks, t.Mask)
		b.Windows = append(b.Windows, t.Window)
	}
	return b
}

// Len returns the number of tiles.
func (b *Batch) Len() int { return len(b.Images) }

// Stack returns the images as [N, C, H, W] and the masks as [N, 1, H, W].
func (b *Batch) Stack() (images, masks *tensor.Tensor, err error) {
	if b.Len() == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	images, err = tensor.Stack(b.Images)
	if err != nil {
		return nil, nil, fmt.Errorf("stack images: %w", err)
	}
	masks, err = tensor.Stack(b.Masks)
	if err != nil {
		return nil, nil, fmt.Errorf("stack masks: %w", err)
	}
	return images, masks, nil
}

// TileBatchFlat stores a batch in flat contiguous buffers: images as
// float32 [N, C, H, W] and masks as int32 class ids [N, H, W].
type TileBatchFlat struct {
	Images    []float32
	Masks     []int32
	BatchSize int
	Channels  int
	Height    int
	Width     int
}

// MakeTileBatchFlat flattens a batch into contiguous buffers.
func MakeTileBatchFlat(b *Batch) (*TileBatchFlat, error) {
	if len(b.Images) != len(b.Masks) {
		return nil, fmt.Errorf("images and masks batch sizes don't match: %d != %d", len(b.Images), len(b.Masks))
	}
	if b.Len() == 0 {
		return &TileBatchFlat{}, nil
	}
	first := b.Images[0]
	c, h, w := first.Channels(), first.Height(), first.Width()
	flat := &TileBatchFlat{
		Images:    make([]float32, 0, b.Len()*c*h*w),
		Masks:     make([]int32, 0, b.Len()*h*w),
		BatchSize: b.Len(),
		Channels:  c,
		Height:    h,
		Width:     w,
	}
	for i, img := range b.Images {
		m := b.Masks[i]
		if img.Channels() != c || img.Height() != h || img.Width() != w {
			return nil, fmt.Errorf("inconsistent image shape at example %d: expected [%d %d %d], got %v", i, c, h, w, img.Shape)
		}
		if m == nil || m.Len() != h*w {
			return nil, fmt.Errorf("mask %d does not match image size %dx%d", i, h, w)
		}
		flat.Images = append(flat.Images, img.Data...)
		flat.Masks = append(flat.Masks, m.Labels()...)
	}
	return flat, nil
}

// ToGomlxTensors converts the flat batch to gomlx tensors shaped
// [N, C, H, W] (float32) and [N, H, W] (int32).
func (f *TileBatchFlat) ToGomlxTensors() (images, masks *tensors.Tensor, err error) {
	if f.BatchSize == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	images = tensors.FromFlatDataAndDimensions(f.Images, f.BatchSize, f.Channels, f.Height, f.Width)
	masks = tensors.FromFlatDataAndDimensions(f.Masks, f.BatchSize, f.Height, f.Width)
	return images, masks, nil
}
