// Package tensor provides the small dense float32 tensor used to move image and
// mask data between the samplers, the transforms and the training loop.
//
// Images are laid out channel-first as [C, H, W]; batches add a leading N
// dimension. Masks are [1, H, W] tensors whose values are integer class ids.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a row-major dense tensor. Data is shared by views returned from
// Index, so callers that need an independent copy use Clone.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data with the given shape without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Channels returns the channel count of a [C,H,W] tensor.
func (t *Tensor) Channels() int { return t.Shape[len(t.Shape)-3] }

// Height returns the second-to-last dimension.
func (t *Tensor) Height() int { return t.Shape[len(t.Shape)-2] }

// Width returns the last dimension.
func (t *Tensor) Width() int { return t.Shape[len(t.Shape)-1] }

// Plane returns the c-th H×W plane of a [C,H,W] tensor as a view.
func (t *Tensor) Plane(c int) []float32 {
	hw := t.Height() * t.Width()
	return t.Data[c*hw : (c+1)*hw]
}

// Index returns a view of the i-th sub-tensor along the leading dimension.
func (t *Tensor) Index(i int) *Tensor {
	inner := numel(t.Shape[1:])
	return &Tensor{Shape: append([]int(nil), t.Shape[1:]...), Data: t.Data[i*inner : (i+1)*inner]}
}

// SameSpatial reports whether a and b share height and width.
func SameSpatial(a, b *Tensor) bool {
	return a.Height() == b.Height() && a.Width() == b.Width()
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	shape := ts[0].Shape
	inner := numel(shape)
	out := New(append([]int{len(ts)}, shape...)...)
	for i, t := range ts {
		if !equalShape(t.Shape, shape) {
			return nil, fmt.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, shape)
		}
		copy(out.Data[i*inner:], t.Data)
	}
	return out, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EqualShape reports whether the two tensors have identical shapes.
func EqualShape(a, b *Tensor) bool { return equalShape(a.Shape, b.Shape) }

// Finite reports whether every element is neither NaN nor Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Labels converts a mask tensor into integer class ids, rounding to the
// nearest integer.
func (t *Tensor) Labels() []int32 {
	out := make([]int32, len(t.Data))
	for i, v := range t.Data {
		out[i] = int32(math.Round(float64(v)))
	}
	return out
}
