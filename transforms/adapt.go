// Package transforms reconciles raw tiles with the model's input contract:
// channel adaptation, two-stage normalisation and the augmentation pipeline.
package transforms

import (
	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/tensor"
)

// AdaptChannels widens image to target channels by appending copies of
// channel 0. The first image.Channels() channels of the result are identical
// to the input. Inputs wider than target are rejected rather than truncated,
// as are masks whose height or width differ from the image. mask is returned
// unchanged.
func AdaptChannels(image, mask *tensor.Tensor, target int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(image.Shape) != 3 {
		return nil, nil, errs.Configf("image must be [C,H,W], got shape %v", image.Shape)
	}
	if mask != nil && !tensor.SameSpatial(image, mask) {
		return nil, nil, errs.Configf("image %v and mask %v differ in height or width", image.Shape, mask.Shape)
	}
	c := image.Channels()
	if c > target {
		return nil, nil, errs.Configf("image has %d channels but the model takes %d", c, target)
	}
	if c == target {
		return image, mask, nil
	}
	out := tensor.New(target, image.Height(), image.Width())
	copy(out.Data, image.Data)
	first := image.Plane(0)
	for k := c; k < target; k++ {
		copy(out.Plane(k), first)
	}
	return out, mask, nil
}

// ExtendStats pads v to n entries by repeating its first entry, mirroring
// what AdaptChannels does to the image. Statistics for more than n channels
// are an error.
func ExtendStats(v []float64, n int) ([]float64, error) {
	if len(v) == 0 {
		return nil, errs.Configf("normalisation statistics are empty")
	}
	if len(v) > n {
		return nil, errs.Configf("%d normalisation statistics for %d channels", len(v), n)
	}
	if len(v) == n {
		return v, nil
	}
	out := make([]float64, n)
	copy(out, v)
	for i := len(v); i < n; i++ {
		out[i] = v[0]
	}
	return out, nil
}
