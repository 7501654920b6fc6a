// Package training runs the segmentation training loop: losses and metrics,
// optimisers, plateau detection, trials and checkpoints.
package training

import (
	"github.com/Noofbiz/stormseg/tensor"
)

// Param is one learnable parameter and its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// NewParam allocates a zeroed parameter.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: append([]int(nil), shape...), Value: make([]float32, n), Grad: make([]float32, n)}
}

// Model is a segmentation network: [N, C, H, W] images in, [N, K, H, W]
// class logits out.
type Model interface {
	InChannels() int
	NumClasses() int
	// Forward computes logits and remembers its input for Backward.
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the last Forward given
	// the gradient of the loss with respect to its logits.
	Backward(gradLogits *tensor.Tensor) error
	Parameters() []*Param
	ZeroGrad()
	StateDict() map[string][]float32
	LoadStateDict(state map[string][]float32) error
}

// Loss scores logits against target class ids. Targets are [N, 1, H, W].
type Loss interface {
	Name() string
	// Forward returns the scalar loss and its gradient with respect to
	// logits.
	Forward(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error)
}

// Metric accumulates predictions against targets.
type Metric interface {
	Update(pred []int32, target []int32) error
	Compute() float64
	Reset()
}

// PerClassMetric is a Metric that also reports one score per class.
type PerClassMetric interface {
	Metric
	PerClass() map[int]float64
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	Step(params []*Param)
	LearningRate() float64
}

// ScalarSink records named scalar values against a step.
type ScalarSink interface {
	Log(name string, value float64, step int) error
}

// Layout arranges the panels of a visualisation.
type Layout int

const (
	LayoutRow Layout = iota
	LayoutGrid
)

// Panel is one image in a visualisation. Mask panels are drawn with the
// class palette; image panels use their first three channels.
type Panel struct {
	Title  string
	Tensor *tensor.Tensor
	Mask   bool
}

// ImageSink saves visualisations.
type ImageSink interface {
	SaveImage(panels []Panel, path string, layout Layout, colors map[int]string, labels map[int]string, coords string) error
}

// Argmax returns the per-pixel class with the highest logit, as [N*H*W]
// class ids.
func Argmax(logits *tensor.Tensor) []int32 {
	n, k := logits.Shape[0], logits.Shape[1]
	hw := logits.Height() * logits.Width()
	out := make([]int32, n*hw)
	for b := range n {
		for p := range hw {
			best, bestV := 0, float32(0)
			for c := range k {
				v := logits.Data[(b*k+c)*hw+p]
				if c == 0 || v > bestV {
					best, bestV = c, v
				}
			}
			out[b*hw+p] = int32(best)
		}
	}
	return out
}
