package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/Noofbiz/stormseg/errs"
)

// OptimizerKind selects the optimiser.
type OptimizerKind int

const (
	AdamWOptimizer OptimizerKind = iota
	SGDOptimizer
)

func (k OptimizerKind) String() string {
	switch k {
	case AdamWOptimizer:
		return "adamw"
	case SGDOptimizer:
		return "sgd"
	}
	return fmt.Sprintf("OptimizerKind(%d)", int(k))
}

// ParseOptimizerKind resolves "adamw" (or "adam") and "sgd".
func ParseOptimizerKind(s string) (OptimizerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "adamw", "adam":
		return AdamWOptimizer, nil
	case "sgd":
		return SGDOptimizer, nil
	}
	return 0, errs.Configf("unknown optimizer %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k OptimizerKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OptimizerKind) UnmarshalText(b []byte) error {
	v, err := ParseOptimizerKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// OptimizerConfig holds the optimiser hyperparameters. Zero values select the
// usual defaults.
type OptimizerConfig struct {
	Kind         OptimizerKind
	LearningRate float64
	WeightDecay  float64 // AdamW default 0.01
	Momentum     float64 // SGD only
	Beta1        float64 // default 0.9
	Beta2        float64 // default 0.999
	Epsilon      float64 // default 1e-8
	// ClipNorm rescales the gradients when their global L2 norm exceeds it.
	// Zero disables clipping.
	ClipNorm float64
}

// NewOptimizer builds the optimiser described by cfg.
func NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, errs.Configf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.ClipNorm < 0 {
		return nil, errs.Configf("clip norm must not be negative, got %g", cfg.ClipNorm)
	}
	switch cfg.Kind {
	case AdamWOptimizer:
		if cfg.Beta1 == 0 {
			cfg.Beta1 = 0.9
		}
		if cfg.Beta2 == 0 {
			cfg.Beta2 = 0.999
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		if cfg.WeightDecay == 0 {
			cfg.WeightDecay = 0.01
		}
		return &AdamW{cfg: cfg, m: map[*Param][]float64{}, v: map[*Param][]float64{}}, nil
	case SGDOptimizer:
		return &SGD{cfg: cfg, velocity: map[*Param][]float64{}}, nil
	}
	return nil, errs.Configf("unknown optimizer %v", cfg.Kind)
}

// clipGradients scales every gradient by maxNorm/norm when the global norm
// exceeds maxNorm, and returns the norm before clipping.
func clipGradients(params []*Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / norm)
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	cfg  OptimizerConfig
	step int
	m, v map[*Param][]float64
}

func (o *AdamW) LearningRate() float64 { return o.cfg.LearningRate }

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step(params []*Param) {
	clipGradients(params, o.cfg.ClipNorm)
	o.step++
	c := o.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(c.Beta2, float64(o.step))
	for _, p := range params {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Value))
		}
		v := o.v[p]
		for i, g32 := range p.Grad {
			g := float64(g32)
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*g
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*g*g
			w := float64(p.Value[i])
			w -= c.LearningRate * c.WeightDecay * w
			w -= c.LearningRate * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + c.Epsilon)
			p.Value[i] = float32(w)
		}
	}
}

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	cfg      OptimizerConfig
	velocity map[*Param][]float64
}

func (o *SGD) LearningRate() float64 { return o.cfg.LearningRate }

// Step applies one update from the accumulated gradients.
func (o *SGD) Step(params []*Param) {
	clipGradients(params, o.cfg.ClipNorm)
	c := o.cfg
	for _, p := range params {
		vel, ok := o.velocity[p]
		if !ok && c.Momentum != 0 {
			vel = make([]float64, len(p.Value))
			o.velocity[p] = vel
		}
		for i, g32 := range p.Grad {
			g := float64(g32) + c.WeightDecay*float64(p.Value[i])
			if c.Momentum != 0 {
				vel[i] = c.Momentum*vel[i] + g
				g = vel[i]
			}
			p.Value[i] -= float32(c.LearningRate * g)
		}
	}
}
