package training

import (
	"fmt"
)

// JaccardIndex is the multiclass intersection-over-union metric. Pixels whose
// target is IgnoreIndex are dropped before counting, and the ignored class
// is left out of the micro average.
type JaccardIndex struct {
	NumClasses  int
	IgnoreIndex int       // negative disables
	Matrix      [][]int64 // [true_class][predicted_class]
}

// NewJaccardIndex creates an empty metric.
func NewJaccardIndex(numClasses, ignoreIndex int) *JaccardIndex {
	m := &JaccardIndex{NumClasses: numClasses, IgnoreIndex: ignoreIndex}
	m.Matrix = make([][]int64, numClasses)
	for i := range m.Matrix {
		m.Matrix[i] = make([]int64, numClasses)
	}
	return m
}

// Reset clears the confusion matrix.
func (m *JaccardIndex) Reset() {
	for i := range m.Matrix {
		clear(m.Matrix[i])
	}
}

// Update adds one batch of per-pixel predictions and targets.
func (m *JaccardIndex) Update(pred, target []int32) error {
	if len(pred) != len(target) {
		return fmt.Errorf("prediction length %d != target length %d", len(pred), len(target))
	}
	for i, t := range target {
		if int(t) == m.IgnoreIndex {
			continue
		}
		p := pred[i]
		if t < 0 || int(t) >= m.NumClasses || p < 0 || int(p) >= m.NumClasses {
			return fmt.Errorf("class out of range at pixel %d: target %d prediction %d", i, t, p)
		}
		m.Matrix[t][p]++
	}
	return nil
}

func (m *JaccardIndex) counts(c int) (tp, denom int64) {
	tp = m.Matrix[c][c]
	var row, col int64
	for k := range m.NumClasses {
		row += m.Matrix[c][k]
		col += m.Matrix[k][c]
	}
	return tp, row + col - tp
}

func (m *JaccardIndex) ignored(c int) bool {
	return c == m.IgnoreIndex
}

// Compute returns the micro-averaged IoU, or 0 before any pixel is counted.
func (m *JaccardIndex) Compute() float64 {
	var num, denom int64
	for c := range m.NumClasses {
		if m.ignored(c) {
			continue
		}
		tp, d := m.counts(c)
		num += tp
		denom += d
	}
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

// PerClass returns the IoU of every class except the ignored one. A class
// that never appears in targets or predictions scores 0.
func (m *JaccardIndex) PerClass() map[int]float64 {
	out := make(map[int]float64, m.NumClasses)
	for c := range m.NumClasses {
		if m.ignored(c) {
			continue
		}
		tp, d := m.counts(c)
		if d == 0 {
			out[c] = 0
			continue
		}
		out[c] = float64(tp) / float64(d)
	}
	return out
}
