package transforms

import (
	"math"
	"math/rand"

	"github.com/Noofbiz/stormseg/tensor"
)

// Interp selects how a warp resamples a tensor.
type Interp int

const (
	Bilinear Interp = iota
	Nearest
)

// Warp is one drawn spatial transform. It is applied unchanged to every
// tensor of an image/mask pair.
type Warp interface {
	Apply(t *tensor.Tensor, interp Interp) *tensor.Tensor
}

// Spatial transforms move pixels. Sample draws the parameters once.
type Spatial interface {
	Name() string
	Sample(rng *rand.Rand) Warp
}

// Photometric transforms change pixel values of the image only.
type Photometric interface {
	Name() string
	Apply(rng *rand.Rand, image *tensor.Tensor) *tensor.Tensor
}

type identity struct{}

func (identity) Apply(t *tensor.Tensor, _ Interp) *tensor.Tensor { return t }

// HorizontalFlip mirrors left-right with probability P.
type HorizontalFlip struct{ P float64 }

func (HorizontalFlip) Name() string { return "hflip" }

func (f HorizontalFlip) Sample(rng *rand.Rand) Warp {
	if rng.Float64() >= f.P {
		return identity{}
	}
	return flip{horizontal: true}
}

// VerticalFlip mirrors top-bottom with probability P.
type VerticalFlip struct{ P float64 }

func (VerticalFlip) Name() string { return "vflip" }

func (f VerticalFlip) Sample(rng *rand.Rand) Warp {
	if rng.Float64() >= f.P {
		return identity{}
	}
	return flip{}
}

type flip struct{ horizontal bool }

func (f flip) Apply(t *tensor.Tensor, _ Interp) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	h, w := t.Height(), t.Width()
	planes := len(t.Data) / (h * w)
	for k := range planes {
		src, dst := t.Plane(k), out.Plane(k)
		for y := range h {
			for x := range w {
				sx, sy := x, y
				if f.horizontal {
					sx = w - 1 - x
				} else {
					sy = h - 1 - y
				}
				dst[y*w+x] = src[sy*w+sx]
			}
		}
	}
	return out
}

// Rotation turns the tile by a uniform angle in [-Degrees, Degrees] about
// its centre using corner-aligned coordinates. Pixels rotated in from
// outside the tile are zero.
type Rotation struct {
	Degrees float64
	P       float64
}

func (Rotation) Name() string { return "rotation" }

func (r Rotation) Sample(rng *rand.Rand) Warp {
	if rng.Float64() >= r.P {
		return identity{}
	}
	deg := (2*rng.Float64() - 1) * r.Degrees
	return rotate{theta: deg * math.Pi / 180}
}

type rotate struct{ theta float64 }

func (r rotate) Apply(t *tensor.Tensor, interp Interp) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	h, w := t.Height(), t.Width()
	cx, cy := float64(w-1)/2, float64(h-1)/2
	sin, cos := math.Sincos(r.theta)
	planes := len(t.Data) / (h * w)
	for y := range h {
		for x := range w {
			// inverse mapping: where does output (x, y) come from
			dx, dy := float64(x)-cx, float64(y)-cy
			sx := cos*dx + sin*dy + cx
			sy := -sin*dx + cos*dy + cy
			for k := range planes {
				out.Plane(k)[y*w+x] = sample(t.Plane(k), w, h, sx, sy, interp)
			}
		}
	}
	return out
}

func sample(p []float32, w, h int, x, y float64, interp Interp) float32 {
	if interp == Nearest {
		ix, iy := int(math.Round(x)), int(math.Round(y))
		if ix < 0 || iy < 0 || ix >= w || iy >= h {
			return 0
		}
		return p[iy*w+ix]
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))
	at := func(ix, iy int) float32 {
		if ix < 0 || iy < 0 || ix >= w || iy >= h {
			return 0
		}
		return p[iy*w+ix]
	}
	top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
	bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
	return top*(1-fy) + bottom*fy
}

// PlasmaShadow darkens the image under a random plasma-fractal pattern.
type PlasmaShadow struct {
	P         float64
	Roughness [2]float64 // range of the fractal's roughness
	Intensity [2]float64 // range of the shade intensity, negative darkens
	Quantity  [2]float64 // range of the fraction of the tile in shadow
}

func (PlasmaShadow) Name() string { return "plasma" }

func (s PlasmaShadow) Apply(rng *rand.Rand, image *tensor.Tensor) *tensor.Tensor {
	if rng.Float64() >= s.P {
		return image
	}
	h, w := image.Height(), image.Width()
	rough := uniform(rng, s.Roughness)
	intensity := uniform(rng, s.Intensity)
	quantity := uniform(rng, s.Quantity)
	field := plasma(rng, w, h, rough)

	out := image.Clone()
	planes := len(out.Data) / (h * w)
	for i, v := range field {
		if v > quantity {
			continue
		}
		shade := float32(1 + intensity*(1-v))
		for k := range planes {
			p := out.Plane(k)
			p[i] = clamp01(p[i] * shade)
		}
	}
	return out
}

// plasma builds a diamond-square fractal normalised to [0, 1] and cropped to
// w×h.
func plasma(rng *rand.Rand, w, h int, roughness float64) []float64 {
	n := 1
	for n+1 < max(w, h) {
		n *= 2
	}
	size := n + 1
	g := make([]float64, size*size)
	at := func(x, y int) *float64 { return &g[y*size+x] }
	*at(0, 0), *at(n, 0), *at(0, n), *at(n, n) = rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()
	scale := 1.0
	for step := n; step > 1; step /= 2 {
		half := step / 2
		for y := half; y < size; y += step {
			for x := half; x < size; x += step {
				avg := (*at(x-half, y-half) + *at(x+half, y-half) + *at(x-half, y+half) + *at(x+half, y+half)) / 4
				*at(x, y) = avg + (rng.Float64()*2-1)*scale
			}
		}
		for y := 0; y < size; y += half {
			for x := (y/half + 1) % 2 * half; x < size; x += step {
				sum, cnt := 0.0, 0.0
				for _, d := range [][2]int{{-half, 0}, {half, 0}, {0, -half}, {0, half}} {
					nx, ny := x+d[0], y+d[1]
					if nx >= 0 && ny >= 0 && nx < size && ny < size {
						sum += *at(nx, ny)
						cnt++
					}
				}
				*at(x, y) = sum/cnt + (rng.Float64()*2-1)*scale
			}
		}
		scale *= roughness
	}

	out := make([]float64, w*h)
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := range h {
		for x := range w {
			v := *at(x, y)
			out[y*w+x] = v
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	span := hi - lo
	for i := range out {
		if span > 0 {
			out[i] = (out[i] - lo) / span
		} else {
			out[i] = 0
		}
	}
	return out
}

// GaussianBlur convolves the image with a separable Gaussian kernel whose
// sigma is drawn from Sigma.
type GaussianBlur struct {
	P      float64
	Kernel int
	Sigma  [2]float64
}

func (GaussianBlur) Name() string { return "gauss" }

func (b GaussianBlur) Apply(rng *rand.Rand, image *tensor.Tensor) *tensor.Tensor {
	if rng.Float64() >= b.P {
		return image
	}
	sigma := uniform(rng, b.Sigma)
	half := b.Kernel / 2
	k := make([]float32, 2*half+1)
	var sum float32
	for i := range k {
		d := float64(i - half)
		k[i] = float32(math.Exp(-d * d / (2 * sigma * sigma)))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return separable(image, k)
}

// BoxBlur averages over a Kernel×Kernel neighbourhood.
type BoxBlur struct {
	P      float64
	Kernel int
}

func (BoxBlur) Name() string { return "box" }

func (b BoxBlur) Apply(rng *rand.Rand, image *tensor.Tensor) *tensor.Tensor {
	if rng.Float64() >= b.P {
		return image
	}
	n := 2*(b.Kernel/2) + 1
	k := make([]float32, n)
	for i := range k {
		k[i] = 1 / float32(n)
	}
	return separable(image, k)
}

// separable applies kernel k along rows then columns with reflected borders.
func separable(image *tensor.Tensor, k []float32) *tensor.Tensor {
	h, w := image.Height(), image.Width()
	half := len(k) / 2
	tmp := tensor.New(image.Shape...)
	out := tensor.New(image.Shape...)
	planes := len(image.Data) / (h * w)
	for p := range planes {
		src, mid, dst := image.Plane(p), tmp.Plane(p), out.Plane(p)
		for y := range h {
			for x := range w {
				var acc float32
				for i, kv := range k {
					acc += kv * src[y*w+reflectIndex(x+i-half, w)]
				}
				mid[y*w+x] = acc
			}
		}
		for y := range h {
			for x := range w {
				var acc float32
				for i, kv := range k {
					acc += kv * mid[reflectIndex(y+i-half, h)*w+x]
				}
				dst[y*w+x] = acc
			}
		}
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// ColorJitter scales brightness and contrast by factors drawn from
// [1-Brightness, 1+Brightness] and [1-Contrast, 1+Contrast].
type ColorJitter struct {
	P          float64
	Brightness float64
	Contrast   float64
}

func (ColorJitter) Name() string { return "jitter" }

func (j ColorJitter) Apply(rng *rand.Rand, image *tensor.Tensor) *tensor.Tensor {
	if rng.Float64() >= j.P {
		return image
	}
	bright := float32(uniform(rng, [2]float64{1 - j.Brightness, 1 + j.Brightness}))
	contrast := float32(uniform(rng, [2]float64{1 - j.Contrast, 1 + j.Contrast}))
	out := image.Clone()
	h, w := out.Height(), out.Width()
	planes := len(out.Data) / (h * w)
	for k := range planes {
		p := out.Plane(k)
		var mean float32
		for _, v := range p {
			mean += v
		}
		mean /= float32(len(p))
		for i, v := range p {
			p[i] = clamp01(((v-mean)*contrast + mean) * bright)
		}
	}
	return out
}

func uniform(rng *rand.Rand, r [2]float64) float64 {
	return r[0] + rng.Float64()*(r[1]-r[0])
}

func clamp01(v float32) float32 {
	return max(0, min(1, v))
}
