package transforms

import (
	"math"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/tensor"
)

// RawMax is the top of the raw pixel range mapped to 1 by Scale.
const RawMax = 255.0

// Scale maps raw intensities in [0, RawMax] to [0, 1].
func Scale(t *tensor.Tensor) *tensor.Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = v / RawMax
	}
	return out
}

// InvertScale undoes Scale.
func InvertScale(t *tensor.Tensor) *tensor.Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = v * RawMax
	}
	return out
}

// Normalizer holds per-channel dataset statistics in the [0, 1] scale.
type Normalizer struct {
	Mean []float64
	Std  []float64
}

// NewNormalizer validates the statistics; every std entry must be positive.
func NewNormalizer(mean, std []float64) (Normalizer, error) {
	if len(mean) == 0 || len(std) == 0 {
		return Normalizer{}, errs.Configf("mean and std must not be empty")
	}
	for i, s := range std {
		if !(s > 0) {
			return Normalizer{}, errs.Configf("std[%d] = %g must be positive", i, s)
		}
	}
	return Normalizer{Mean: mean, Std: std}, nil
}

// Standardize returns (x - mean) / std per channel. t is [C,H,W] or
// [N,C,H,W]; the statistics are extended to C channels by repeating their
// first entry.
func (n Normalizer) Standardize(t *tensor.Tensor) (*tensor.Tensor, error) {
	return n.affine(t, func(v float32, m, s float64) float32 {
		return float32((float64(v) - m) / s)
	})
}

// InvertStandardize returns x*std + mean per channel.
func (n Normalizer) InvertStandardize(t *tensor.Tensor) (*tensor.Tensor, error) {
	return n.affine(t, func(v float32, m, s float64) float32 {
		return float32(float64(v)*s + m)
	})
}

func (n Normalizer) affine(t *tensor.Tensor, f func(v float32, m, s float64) float32) (*tensor.Tensor, error) {
	if len(t.Shape) < 3 {
		return nil, errs.Configf("cannot standardise tensor of shape %v", t.Shape)
	}
	c := t.Channels()
	mean, err := ExtendStats(n.Mean, c)
	if err != nil {
		return nil, err
	}
	std, err := ExtendStats(n.Std, c)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	planes := len(out.Data) / (out.Height() * out.Width())
	for k := range planes {
		ch := k % c
		p := out.Plane(k)
		for i, v := range p {
			p[i] = f(v, mean[ch], std[ch])
		}
	}
	return out, nil
}

// MaskFromFloat rounds an augmented float mask back to class ids, clamping
// to [0, numClasses).
func MaskFromFloat(t *tensor.Tensor, numClasses int) *tensor.Tensor {
	out := t.Clone()
	hi := float64(numClasses - 1)
	for i, v := range out.Data {
		out.Data[i] = float32(math.Max(0, math.Min(hi, math.Round(float64(v)))))
	}
	return out
}
