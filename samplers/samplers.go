// Package samplers turns a geo.Index into sequences of windows: randomized,
// class-balanced batches for training and an exhaustive grid for testing.
package samplers

import (
	"io"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
)

// Policy is the balancing policy shared by both sampler variants.
type Policy struct {
	// BalancePower shapes the class weights as frequency^-BalancePower.
	// 1 is inverse-frequency weighting, 0 is uniform over classes.
	BalancePower float64

	// BackgroundProb is the probability of drawing a pure-background window
	// instead of a class-targeted one.
	BackgroundProb float64

	// MaxRetries bounds every search for a qualifying window. Zero selects
	// DefaultMaxRetries.
	MaxRetries int
}

// DefaultMaxRetries is used when Policy.MaxRetries is zero.
const DefaultMaxRetries = 50

// DefaultPolicy is inverse-frequency weighting with a 10% background share.
func DefaultPolicy() Policy {
	return Policy{BalancePower: 1, BackgroundProb: 0.1, MaxRetries: DefaultMaxRetries}
}

func (p Policy) validate() (Policy, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.MaxRetries < 0 {
		return p, errs.Configf("max retries must be positive, got %d", p.MaxRetries)
	}
	if p.BackgroundProb < 0 || p.BackgroundProb >= 1 {
		return p, errs.Configf("background probability %g outside [0, 1)", p.BackgroundProb)
	}
	if p.BalancePower < 0 {
		return p, errs.Configf("balance power must be non-negative, got %g", p.BalancePower)
	}
	return p, nil
}

// Validate reports whether p is usable.
func (p Policy) Validate() error {
	_, err := p.validate()
	return err
}

// WindowSize converts a patch size in pixels to CRS units.
func WindowSize(patchSize int, resolution float64) float64 {
	return float64(patchSize) * resolution
}

func discardLogger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

func checkROI(roi geo.BoundingBox, size float64) error {
	if size <= 0 {
		return errs.Configf("window size must be positive, got %g", size)
	}
	if roi.Width() < size || roi.Height() < size {
		return errs.Configf("region of interest %v is smaller than the window size %g", roi, size)
	}
	return nil
}

// weighted is a cumulative-weight table for weighted random choice.
type weighted struct {
	cum []float64
}

func newWeighted(weights []float64) weighted {
	cum := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		total += w
		cum[i] = total
	}
	return weighted{cum: cum}
}

func (w weighted) pick(rng *rand.Rand) int {
	total := w.cum[len(w.cum)-1]
	u := rng.Float64() * total
	i := sort.SearchFloat64s(w.cum, u)
	if i >= len(w.cum) {
		i = len(w.cum) - 1
	}
	// skip zero-weight entries that share a cumulative value
	for i < len(w.cum)-1 && w.cum[i] <= u {
		i++
	}
	return i
}

// classWeights returns freq^-power for every class, normalised to sum to one.
func classWeights(freq []float64, power float64) []float64 {
	out := make([]float64, len(freq))
	total := 0.0
	for i, f := range freq {
		out[i] = math.Pow(f, -power)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
