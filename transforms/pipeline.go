package transforms

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/tensor"
)

// AugMode names an augmentation preset.
type AugMode int

const (
	AugNone AugMode = iota
	AugDefault
	AugPlasma
	AugGauss
	AugBox
	AugJitter
	AugAll
)

var augModeNames = map[AugMode]string{
	AugNone:    "none",
	AugDefault: "default",
	AugPlasma:  "plasma",
	AugGauss:   "gauss",
	AugBox:     "box",
	AugJitter:  "jitter",
	AugAll:     "all",
}

func (m AugMode) String() string {
	if s, ok := augModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("AugMode(%d)", int(m))
}

// ParseAugMode resolves a preset name. The empty string selects AugDefault.
func ParseAugMode(s string) (AugMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return AugDefault, nil
	}
	for m, name := range augModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, errs.Configf("unknown augmentation mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m AugMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AugMode) UnmarshalText(b []byte) error {
	v, err := ParseAugMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Pipeline is an ordered augmentation sequence: Spatial, then Photometric
// on the image only, then PostSpatial.
type Pipeline struct {
	Spatial     []Spatial
	Photometric []Photometric
	PostSpatial []Spatial
	// ImageInterp is the resampling used on the image; masks always use
	// Nearest.
	ImageInterp Interp
}

func flips() []Spatial {
	return []Spatial{HorizontalFlip{P: 0.5}, VerticalFlip{P: 0.5}}
}

func rotation() []Spatial {
	return []Spatial{Rotation{Degrees: 360, P: 1}}
}

func plasmaShadow() PlasmaShadow {
	return PlasmaShadow{P: 0.5, Roughness: [2]float64{0.1, 0.7}, Intensity: [2]float64{-1, 0}, Quantity: [2]float64{0, 1}}
}

func gaussianBlur() GaussianBlur {
	return GaussianBlur{P: 0.25, Kernel: 3, Sigma: [2]float64{0.1, 2}}
}

// NewPipeline builds the preset for mode. Every preset but AugNone flips,
// applies its photometric transforms and rotates last, so shadows and blur
// turn with the image.
func NewPipeline(mode AugMode) (*Pipeline, error) {
	p := &Pipeline{}
	switch mode {
	case AugNone:
		return p, nil
	case AugDefault:
	case AugPlasma:
		p.Photometric = []Photometric{plasmaShadow()}
	case AugGauss:
		p.Photometric = []Photometric{gaussianBlur()}
	case AugBox:
		p.Photometric = []Photometric{BoxBlur{P: 0.25, Kernel: 3}}
	case AugJitter:
		p.Photometric = []Photometric{ColorJitter{P: 0.5, Brightness: 0.2, Contrast: 0.2}}
	case AugAll:
		p.Photometric = []Photometric{plasmaShadow(), gaussianBlur(), ColorJitter{P: 0.5, Brightness: 0.2, Contrast: 0.2}}
	default:
		return nil, errs.Configf("unknown augmentation mode %v", mode)
	}
	p.Spatial = flips()
	p.PostSpatial = rotation()
	return p, nil
}

// Apply augments one image/mask pair. Each spatial transform is drawn once
// from rng and the same draw is applied to both tensors; photometric
// transforms touch the image only. All spatial draws are taken before any
// photometric one, so the mask depends only on the spatial transforms.
// mask may be nil.
func (p *Pipeline) Apply(rng *rand.Rand, image, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	pre := sampleWarps(rng, p.Spatial)
	post := sampleWarps(rng, p.PostSpatial)
	image, mask = p.warp(pre, image, mask)
	for _, ph := range p.Photometric {
		image = ph.Apply(rng, image)
	}
	return p.warp(post, image, mask)
}

func sampleWarps(rng *rand.Rand, ss []Spatial) []Warp {
	out := make([]Warp, len(ss))
	for i, s := range ss {
		out[i] = s.Sample(rng)
	}
	return out
}

func (p *Pipeline) warp(ws []Warp, image, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	for _, w := range ws {
		image = w.Apply(image, p.ImageInterp)
		if mask != nil {
			mask = w.Apply(mask, Nearest)
		}
	}
	return image, mask
}

// ApplyBatch augments every pair of a batch with independent draws from rng.
func (p *Pipeline) ApplyBatch(rng *rand.Rand, images, masks []*tensor.Tensor) {
	for i := range images {
		var m *tensor.Tensor
		if i < len(masks) {
			m = masks[i]
		}
		images[i], m = p.Apply(rng, images[i], m)
		if i < len(masks) {
			masks[i] = m
		}
	}
}

// Names lists the transforms in application order.
func (p *Pipeline) Names() []string {
	var out []string
	for _, s := range p.Spatial {
		out = append(out, s.Name())
	}
	for _, ph := range p.Photometric {
		out = append(out, ph.Name())
	}
	for _, s := range p.PostSpatial {
		out = append(out, s.Name())
	}
	return out
}
