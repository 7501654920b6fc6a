package training

import "github.com/Noofbiz/stormseg/errs"

// Plateau tracks the best test loss and how many epochs have passed without
// improving on it by more than Threshold.
type Plateau struct {
	Threshold float64
	Patience  int

	best        float64
	count       int
	initialized bool
}

// NewPlateau validates the stopping rule.
func NewPlateau(threshold float64, patience int) (*Plateau, error) {
	if threshold < 0 {
		return nil, errs.Configf("plateau threshold must not be negative, got %g", threshold)
	}
	if patience <= 0 {
		return nil, errs.Configf("plateau patience must be positive, got %d", patience)
	}
	return &Plateau{Threshold: threshold, Patience: patience}, nil
}

// Observe records one epoch's test loss. The first call only sets the best
// loss. A loss improves when it is below best - Threshold; otherwise the
// plateau count grows and stop reports whether it reached Patience.
func (p *Plateau) Observe(loss float64) (improved, stop bool) {
	if !p.initialized {
		p.best = loss
		p.initialized = true
		return true, false
	}
	if loss < p.best-p.Threshold {
		p.best = loss
		p.count = 0
		return true, false
	}
	p.count++
	return false, p.count >= p.Patience
}

// Best returns the best loss seen, or 0 before the first Observe.
func (p *Plateau) Best() float64 { return p.best }

// Count returns the current number of non-improving epochs.
func (p *Plateau) Count() int { return p.count }

// Near reports whether one more non-improving epoch would stop training.
func (p *Plateau) Near() bool { return p.initialized && p.count == p.Patience-1 }
