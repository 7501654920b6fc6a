package simple

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/Noofbiz/stormseg/tensor"
	"github.com/Noofbiz/stormseg/training"
)

// Config holds configurable hyperparameters for the segmentation model.
type Config struct {
	// InChannels is the number of image channels the model takes.
	InChannels int

	// NumClasses is the number of output classes, background included.
	NumClasses int

	// Kernel is the odd edge length of the neighbourhood each pixel sees.
	// If zero, 3 is used.
	Kernel int

	// HiddenSizes is the list of hidden layer sizes. Example: []int{32, 16}
	// If empty, a single hidden layer of size 16 will be used.
	HiddenSizes []int

	// Seed controls RNG for weight init. If zero, time-based seed is used.
	Seed int64

	// ChunkPixels bounds how many pixels are pushed through the network at
	// once. If zero, 4096 is used.
	ChunkPixels int
}

// Model is a small per-pixel MLP: every output pixel is classified from the
// Kernel×Kernel neighbourhood of the input around it (zero padded at the tile
// edge). The first layers play the encoder and the last linear layer the
// decoder head. It is pure Go so the training loop runs anywhere.
type Model struct {
	// Config used for initialization.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] has shape [out, in] for layer l -> l+1
	weights []*training.Param

	// biases[l] has length out for layer l -> l+1
	biases []*training.Param

	// input remembered by Forward for Backward
	input *tensor.Tensor
}

// NewModel creates a new Model instance with the provided configuration.
// It initializes weights (small random values) and is ready to train.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InChannels <= 0 {
		return nil, fmt.Errorf("in channels must be positive, got %d", cfg.InChannels)
	}
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}
	// defaults
	if cfg.Kernel == 0 {
		cfg.Kernel = 3
	}
	if cfg.Kernel < 1 || cfg.Kernel%2 == 0 {
		return nil, fmt.Errorf("kernel must be odd and positive, got %d", cfg.Kernel)
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{16}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.ChunkPixels <= 0 {
		cfg.ChunkPixels = 4096
	}

	m := &Model{Config: cfg}
	rng := rand.New(rand.NewSource(cfg.Seed))

	// build layer sizes
	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InChannels*cfg.Kernel*cfg.Kernel)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.NumClasses)
	m.layerSizes = sizes

	// allocate weights and biases
	L := len(sizes) - 1
	for l := 0; l < L; l++ {
		in, out := sizes[l], sizes[l+1]
		w := training.NewParam(fmt.Sprintf("layer%d.weight", l), out, in)
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		for i := range w.Value {
			w.Value[i] = (rng.Float32()*2.0 - 1.0) * limit
		}
		m.weights = append(m.weights, w)
		m.biases = append(m.biases, training.NewParam(fmt.Sprintf("layer%d.bias", l), out))
	}
	return m, nil
}

// InChannels returns the input width the model expects.
func (m *Model) InChannels() int { return m.Config.InChannels }

// NumClasses returns the number of logits per pixel.
func (m *Model) NumClasses() int { return m.Config.NumClasses }

// Parameters returns weights and biases, layer by layer.
func (m *Model) Parameters() []*training.Param {
	out := make([]*training.Param, 0, 2*len(m.weights))
	for l := range m.weights {
		out = append(out, m.weights[l], m.biases[l])
	}
	return out
}

// ZeroGrad clears accumulated gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		clear(p.Grad)
	}
}

// StateDict returns a copy of every parameter by name.
func (m *Model) StateDict() map[string][]float32 {
	out := make(map[string][]float32)
	for _, p := range m.Parameters() {
		out[p.Name] = append([]float32(nil), p.Value...)
	}
	return out
}

// LoadStateDict restores parameters saved by StateDict.
func (m *Model) LoadStateDict(state map[string][]float32) error {
	for _, p := range m.Parameters() {
		v, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state dict is missing %s", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("%s has %d values, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}

// dense views a parameter as a float64 matrix.
func dense(p *training.Param) *mat.Dense {
	data := make([]float64, len(p.Value))
	for i, v := range p.Value {
		data[i] = float64(v)
	}
	return mat.NewDense(p.Shape[0], p.Shape[1], data)
}

// layerState is one forward pass over a chunk of pixels.
type layerState struct {
	preActs []*mat.Dense // per layer, rows = pixels
	acts    []*mat.Dense // acts[0] is the patch matrix
}

func (m *Model) forwardChunk(ws []*mat.Dense, x *mat.Dense) layerState {
	L := len(ws)
	st := layerState{preActs: make([]*mat.Dense, L), acts: make([]*mat.Dense, L+1)}
	st.acts[0] = x
	for l := 0; l < L; l++ {
		var z mat.Dense
		z.Mul(st.acts[l], ws[l].T())
		raw := z.RawMatrix()
		b := m.biases[l].Value
		for r := 0; r < raw.Rows; r++ {
			row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
			for j := range row {
				row[j] += float64(b[j])
			}
		}
		st.preActs[l] = &z

		// Activation: ReLU for hidden, linear for last layer
		a := mat.DenseCopyOf(&z)
		if l < L-1 {
			a.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, a)
		}
		st.acts[l+1] = a
	}
	return st
}

// patches builds the im2col matrix for pixels [p0, p1) of x.
func (m *Model) patches(x *tensor.Tensor, p0, p1 int) *mat.Dense {
	c, h, w := x.Shape[1], x.Shape[2], x.Shape[3]
	k := m.Config.Kernel
	r := k / 2
	hw := h * w
	d := c * k * k
	data := make([]float64, (p1-p0)*d)
	for p := p0; p < p1; p++ {
		n, rem := p/hw, p%hw
		py, px := rem/w, rem%w
		row := data[(p-p0)*d : (p-p0+1)*d]
		i := 0
		for ch := 0; ch < c; ch++ {
			plane := x.Data[(n*c+ch)*hw : (n*c+ch+1)*hw]
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					yy, xx := py+dy, px+dx
					if yy >= 0 && yy < h && xx >= 0 && xx < w {
						row[i] = float64(plane[yy*w+xx])
					}
					i++
				}
			}
		}
	}
	return mat.NewDense(p1-p0, d, data)
}

func (m *Model) checkInput(x *tensor.Tensor) error {
	if len(x.Shape) != 4 {
		return fmt.Errorf("expected [N,C,H,W] input, got shape %v", x.Shape)
	}
	if x.Shape[1] != m.Config.InChannels {
		return fmt.Errorf("input has %d channels, model takes %d", x.Shape[1], m.Config.InChannels)
	}
	return nil
}

// Forward returns logits [N, NumClasses, H, W] for images [N, C, H, W].
func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	m.input = x
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	k := m.Config.NumClasses
	hw := h * w
	out := tensor.New(n, k, h, w)

	ws := m.denseWeights()
	total := n * hw
	for p0 := 0; p0 < total; p0 += m.Config.ChunkPixels {
		p1 := min(p0+m.Config.ChunkPixels, total)
		st := m.forwardChunk(ws, m.patches(x, p0, p1))
		logits := st.acts[len(st.acts)-1]
		for p := p0; p < p1; p++ {
			b, rem := p/hw, p%hw
			for c := 0; c < k; c++ {
				out.Data[(b*k+c)*hw+rem] = float32(logits.At(p-p0, c))
			}
		}
	}
	return out, nil
}

// Backward accumulates gradients for the last Forward. Activations are
// recomputed chunk by chunk rather than kept from Forward.
func (m *Model) Backward(grad *tensor.Tensor) error {
	x := m.input
	if x == nil {
		return errors.New("backward called before forward")
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	k := m.Config.NumClasses
	hw := h * w
	if len(grad.Data) != n*k*hw {
		return fmt.Errorf("gradient shape %v does not match logits [%d %d %d %d]", grad.Shape, n, k, h, w)
	}

	ws := m.denseWeights()
	L := len(ws)
	total := n * hw
	for p0 := 0; p0 < total; p0 += m.Config.ChunkPixels {
		p1 := min(p0+m.Config.ChunkPixels, total)
		st := m.forwardChunk(ws, m.patches(x, p0, p1))

		// gather dLoss/dLogits for the chunk
		delta := mat.NewDense(p1-p0, k, nil)
		for p := p0; p < p1; p++ {
			b, rem := p/hw, p%hw
			for c := 0; c < k; c++ {
				delta.Set(p-p0, c, float64(grad.Data[(b*k+c)*hw+rem]))
			}
		}

		// Backprop to compute gradients, accumulate into Grad
		for l := L - 1; l >= 0; l-- {
			var dw mat.Dense
			dw.Mul(delta.T(), st.acts[l])
			wg := m.weights[l].Grad
			raw := dw.RawMatrix()
			for r := 0; r < raw.Rows; r++ {
				for c := 0; c < raw.Cols; c++ {
					wg[r*raw.Cols+c] += float32(raw.Data[r*raw.Stride+c])
				}
			}
			bg := m.biases[l].Grad
			rows, cols := delta.Dims()
			for c := 0; c < cols; c++ {
				var s float64
				for r := 0; r < rows; r++ {
					s += delta.At(r, c)
				}
				bg[c] += float32(s)
			}

			// propagate delta to previous layer if needed
			if l > 0 {
				var prev mat.Dense
				prev.Mul(delta, ws[l])
				pre := st.preActs[l-1]
				prev.Apply(func(i, j int, v float64) float64 {
					if pre.At(i, j) > 0 {
						return v
					}
					return 0
				}, &prev)
				delta = &prev
			}
		}
	}
	return nil
}

func (m *Model) denseWeights() []*mat.Dense {
	ws := make([]*mat.Dense, len(m.weights))
	for l, p := range m.weights {
		ws[l] = dense(p)
	}
	return ws
}
