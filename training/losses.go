package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/tensor"
)

// LossKind selects a segmentation loss.
type LossKind int

const (
	JaccardLoss LossKind = iota
	DiceLoss
	TverskyLoss
	LovaszLoss
	CrossEntropyLoss
)

var lossNames = map[LossKind]string{
	JaccardLoss:      "JaccardLoss",
	DiceLoss:         "DiceLoss",
	TverskyLoss:      "TverskyLoss",
	LovaszLoss:       "LovaszLoss",
	CrossEntropyLoss: "CrossEntropyLoss",
}

func (k LossKind) String() string {
	if s, ok := lossNames[k]; ok {
		return s
	}
	return fmt.Sprintf("LossKind(%d)", int(k))
}

// ParseLossKind resolves a loss name case-insensitively; "jaccard" and
// "JaccardLoss" are both accepted.
func ParseLossKind(s string) (LossKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range lossNames {
		n := strings.ToLower(name)
		if s == n || s == strings.TrimSuffix(n, "loss") {
			return k, nil
		}
	}
	return 0, errs.Configf("unknown loss function %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k LossKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LossKind) UnmarshalText(b []byte) error {
	v, err := ParseLossKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

const lossEps = 1e-7

// NewLoss builds the loss for kind. Pixels whose target equals ignoreIndex
// are left out; a negative ignoreIndex keeps every pixel.
func NewLoss(kind LossKind, numClasses, ignoreIndex int) (Loss, error) {
	if numClasses < 2 {
		return nil, errs.Configf("loss needs at least 2 classes, got %d", numClasses)
	}
	base := softmaxLoss{classes: numClasses, ignore: ignoreIndex}
	switch kind {
	case JaccardLoss:
		base.name, base.score = kind.String(), jaccardScore
	case DiceLoss:
		base.name, base.score = kind.String(), diceScore
	case TverskyLoss:
		base.name, base.score = kind.String(), tverskyScore(0.3, 0.7)
	case LovaszLoss:
		return &lovaszLoss{softmaxLoss: softmaxLoss{name: kind.String(), classes: numClasses, ignore: ignoreIndex}}, nil
	case CrossEntropyLoss:
		return &crossEntropy{softmaxLoss: softmaxLoss{name: kind.String(), classes: numClasses, ignore: ignoreIndex}}, nil
	default:
		return nil, errs.Configf("unknown loss kind %v", kind)
	}
	return &base, nil
}

// setScore returns a class score s(I, P, T) from the soft intersection I, the
// predicted mass P and the target mass T, together with ds/dp for a pixel
// with target t, given as (value when t=1, value when t=0).
type setScore func(I, P, T float64) (s, dOn, dOff float64)

func jaccardScore(I, P, T float64) (float64, float64, float64) {
	U := math.Max(P+T-I, lossEps)
	return I / U, 1 / U, -I / (U * U)
}

func diceScore(I, P, T float64) (float64, float64, float64) {
	D := math.Max(P+T, lossEps)
	return 2 * I / D, (2*D - 2*I) / (D * D), -2 * I / (D * D)
}

func tverskyScore(alpha, beta float64) setScore {
	return func(I, P, T float64) (float64, float64, float64) {
		D := math.Max(I+alpha*(P-I)+beta*(T-I), lossEps)
		// dD/dp is 1-beta on target pixels and alpha elsewhere
		return I / D, (D - I*(1-beta)) / (D * D), -I * alpha / (D * D)
	}
}

// softmaxLoss is the soft set-overlap family: loss = mean over classes of
// 1 - score(class), classes absent from the target contributing zero.
type softmaxLoss struct {
	name    string
	classes int
	ignore  int
	score   setScore
}

func (l *softmaxLoss) Name() string { return l.name }

func (l *softmaxLoss) check(logits, target *tensor.Tensor) (n, hw int, err error) {
	if len(logits.Shape) != 4 || logits.Shape[1] != l.classes {
		return 0, 0, fmt.Errorf("%s: logits shape %v, want [N %d H W]", l.name, logits.Shape, l.classes)
	}
	n, hw = logits.Shape[0], logits.Height()*logits.Width()
	if target.Len() != n*hw {
		return 0, 0, fmt.Errorf("%s: target shape %v does not match logits %v", l.name, target.Shape, logits.Shape)
	}
	return n, hw, nil
}

// softmax returns per-pixel class probabilities laid out like logits, and
// the target ids with ignored pixels marked -1.
func (l *softmaxLoss) softmax(logits, target *tensor.Tensor, n, hw int) ([]float64, []int) {
	k := l.classes
	probs := make([]float64, len(logits.Data))
	labels := make([]int, n*hw)
	for b := range n {
		for p := range hw {
			mx := math.Inf(-1)
			for c := range k {
				mx = math.Max(mx, float64(logits.Data[(b*k+c)*hw+p]))
			}
			var sum float64
			for c := range k {
				e := math.Exp(float64(logits.Data[(b*k+c)*hw+p]) - mx)
				probs[(b*k+c)*hw+p] = e
				sum += e
			}
			for c := range k {
				probs[(b*k+c)*hw+p] /= sum
			}
			t := int(math.Round(float64(target.Data[b*hw+p])))
			if t == l.ignore || t < 0 || t >= k {
				t = -1
			}
			labels[b*hw+p] = t
		}
	}
	return probs, labels
}

// softmaxBackward maps dL/dprobs to dL/dlogits.
func (l *softmaxLoss) softmaxBackward(probs, gradP []float64, shape []int, n, hw int) *tensor.Tensor {
	k := l.classes
	out := tensor.New(shape...)
	for b := range n {
		for p := range hw {
			var dot float64
			for c := range k {
				i := (b*k+c)*hw + p
				dot += probs[i] * gradP[i]
			}
			for c := range k {
				i := (b*k+c)*hw + p
				out.Data[i] = float32(probs[i] * (gradP[i] - dot))
			}
		}
	}
	return out
}

func (l *softmaxLoss) Forward(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	n, hw, err := l.check(logits, target)
	if err != nil {
		return 0, nil, err
	}
	k := l.classes
	probs, labels := l.softmax(logits, target, n, hw)

	// soft intersection, predicted mass and target mass per class
	I, P, T := make([]float64, k), make([]float64, k), make([]float64, k)
	for b := range n {
		for p := range hw {
			t := labels[b*hw+p]
			if t < 0 {
				continue
			}
			for c := range k {
				pr := probs[(b*k+c)*hw+p]
				P[c] += pr
				if c == t {
					I[c] += pr
					T[c]++
				}
			}
		}
	}

	gradP := make([]float64, len(probs))
	var loss float64
	for c := range k {
		if T[c] == 0 {
			continue
		}
		s, dOn, dOff := l.score(I[c], P[c], T[c])
		loss += 1 - s
		for b := range n {
			for p := range hw {
				t := labels[b*hw+p]
				if t < 0 {
					continue
				}
				d := dOff
				if t == c {
					d = dOn
				}
				gradP[(b*k+c)*hw+p] = -d / float64(k)
			}
		}
	}
	loss /= float64(k)
	return loss, l.softmaxBackward(probs, gradP, logits.Shape, n, hw), nil
}

// crossEntropy is the mean negative log-likelihood over kept pixels.
type crossEntropy struct {
	softmaxLoss
}

func (l *crossEntropy) Forward(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	n, hw, err := l.check(logits, target)
	if err != nil {
		return 0, nil, err
	}
	k := l.classes
	probs, labels := l.softmax(logits, target, n, hw)
	grad := tensor.New(logits.Shape...)
	kept := 0
	for _, t := range labels {
		if t >= 0 {
			kept++
		}
	}
	if kept == 0 {
		return 0, grad, nil
	}
	var loss float64
	inv := 1 / float64(kept)
	for b := range n {
		for p := range hw {
			t := labels[b*hw+p]
			if t < 0 {
				continue
			}
			loss -= math.Log(math.Max(probs[(b*k+t)*hw+p], lossEps))
			for c := range k {
				i := (b*k+c)*hw + p
				g := probs[i]
				if c == t {
					g--
				}
				grad.Data[i] = float32(g * inv)
			}
		}
	}
	return loss * inv, grad, nil
}

// lovaszLoss is the Lovász-softmax surrogate of the Jaccard loss, averaged
// over the classes present in the target.
type lovaszLoss struct {
	softmaxLoss
}

func (l *lovaszLoss) Forward(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	n, hw, err := l.check(logits, target)
	if err != nil {
		return 0, nil, err
	}
	k := l.classes
	probs, labels := l.softmax(logits, target, n, hw)

	var kept []int // flat pixel ids b*hw+p
	for i, t := range labels {
		if t >= 0 {
			kept = append(kept, i)
		}
	}
	gradP := make([]float64, len(probs))
	var loss float64
	present := 0
	for c := range k {
		type pixel struct {
			idx int // index into probs
			err float64
			fg  bool
		}
		px := make([]pixel, len(kept))
		fgCount := 0
		for j, flat := range kept {
			b, p := flat/hw, flat%hw
			i := (b*k+c)*hw + p
			fg := labels[flat] == c
			e := probs[i]
			if fg {
				e = 1 - probs[i]
				fgCount++
			}
			px[j] = pixel{idx: i, err: e, fg: fg}
		}
		if fgCount == 0 {
			continue
		}
		present++
		sort.SliceStable(px, func(a, b int) bool { return px[a].err > px[b].err })

		// gradient of the Lovász extension of the Jaccard loss
		gts := float64(fgCount)
		var cumFg, cumBg float64
		prevJ := 0.0
		for j := range px {
			if px[j].fg {
				cumFg++
			} else {
				cumBg++
			}
			jac := 1 - (gts-cumFg)/(gts+cumBg)
			g := jac - prevJ
			prevJ = jac
			loss += px[j].err * g
			sign := 1.0
			if px[j].fg {
				sign = -1
			}
			gradP[px[j].idx] += sign * g
		}
	}
	if present == 0 {
		return 0, tensor.New(logits.Shape...), nil
	}
	for i := range gradP {
		gradP[i] /= float64(present)
	}
	return loss / float64(present), l.softmaxBackward(probs, gradP, logits.Shape, n, hw), nil
}
