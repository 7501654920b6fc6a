package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/stormseg/datasets"
	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
	"github.com/Noofbiz/stormseg/transforms"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func randomLogits(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func TestPlateauSequence(t *testing.T) {
	p, err := NewPlateau(0.01, 3)
	if err != nil {
		t.Fatalf("NewPlateau: %v", err)
	}
	seq := []float64{1.0, 0.5, 0.48, 0.47, 0.47, 0.47}
	stoppedAt := 0
	for i, loss := range seq {
		_, stop := p.Observe(loss)
		if stop {
			stoppedAt = i + 1
			break
		}
	}
	if stoppedAt != 6 {
		t.Fatalf("expected stop after epoch 6, got %d", stoppedAt)
	}
	if p.Best() != 0.48 {
		t.Fatalf("expected best 0.48, got %v", p.Best())
	}
}

func TestPlateauNearAndReset(t *testing.T) {
	p, _ := NewPlateau(0, 2)
	if p.Near() {
		t.Fatalf("fresh plateau should not be near")
	}
	p.Observe(1)
	p.Observe(1)
	if !p.Near() || p.Count() != 1 {
		t.Fatalf("expected near with count 1, got near=%v count=%d", p.Near(), p.Count())
	}
	if improved, _ := p.Observe(0.5); !improved || p.Count() != 0 {
		t.Fatalf("improvement should reset the count")
	}
	if _, err := NewPlateau(-1, 1); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("negative threshold should be a config error, got %v", err)
	}
	if _, err := NewPlateau(0, 0); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("zero patience should be a config error, got %v", err)
	}
}

// numericGrad checks the analytic gradient of loss against central
// differences on a handful of logits.
func numericGrad(t *testing.T, loss Loss, logits, target *tensor.Tensor) {
	t.Helper()
	_, grad, err := loss.Forward(logits, target)
	if err != nil {
		t.Fatalf("%s forward: %v", loss.Name(), err)
	}
	const h = 1e-3
	for _, i := range []int{0, 3, 7, len(logits.Data) / 2, len(logits.Data) - 1} {
		orig := logits.Data[i]
		logits.Data[i] = orig + h
		up, _, _ := loss.Forward(logits, target)
		logits.Data[i] = orig - h
		down, _, _ := loss.Forward(logits, target)
		logits.Data[i] = orig
		want := (up - down) / (2 * h)
		if !approxEqual(float64(grad.Data[i]), want, 2e-3) {
			t.Fatalf("%s: gradient at %d = %v, numeric %v", loss.Name(), i, grad.Data[i], want)
		}
	}
}

func TestLossGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, k, h, w = 2, 3, 3, 4
	target := tensor.New(n, 1, h, w)
	for i := range target.Data {
		target.Data[i] = float32(rng.Intn(k))
	}
	for _, kind := range []LossKind{JaccardLoss, DiceLoss, TverskyLoss, CrossEntropyLoss} {
		loss, err := NewLoss(kind, k, -1)
		if err != nil {
			t.Fatalf("NewLoss(%v): %v", kind, err)
		}
		numericGrad(t, loss, randomLogits(rng, n, k, h, w), target)
	}
}

func TestLossPerfectPrediction(t *testing.T) {
	const k = 2
	target := tensor.New(1, 1, 2, 2)
	copy(target.Data, []float32{0, 1, 1, 0})
	logits := tensor.New(1, k, 2, 2)
	for p, c := range target.Data {
		logits.Data[int(c)*4+p] = 30
	}
	for _, kind := range []LossKind{JaccardLoss, DiceLoss, TverskyLoss, LovaszLoss, CrossEntropyLoss} {
		loss, _ := NewLoss(kind, k, -1)
		v, _, err := loss.Forward(logits, target)
		if err != nil {
			t.Fatalf("%v: %v", kind, err)
		}
		if !approxEqual(v, 0, 1e-4) {
			t.Fatalf("%v: expected ~0 loss for a perfect prediction, got %v", kind, v)
		}
	}
}

func TestLovaszDescends(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	target := tensor.New(1, 1, 4, 4)
	for i := range target.Data {
		target.Data[i] = float32(i % 2)
	}
	logits := randomLogits(rng, 1, 2, 4, 4)
	loss, _ := NewLoss(LovaszLoss, 2, -1)
	before, grad, err := loss.Forward(logits, target)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range logits.Data {
		logits.Data[i] -= 0.5 * grad.Data[i]
	}
	after, _, _ := loss.Forward(logits, target)
	if after >= before {
		t.Fatalf("expected a gradient step to reduce the Lovász loss: %v -> %v", before, after)
	}
}

func TestLossIgnoreIndex(t *testing.T) {
	target := tensor.New(1, 1, 1, 2)
	copy(target.Data, []float32{0, 1})
	logits := tensor.New(1, 2, 1, 2)
	copy(logits.Data, []float32{-5, -5, 5, 5}) // both pixels predict class 1
	loss, _ := NewLoss(CrossEntropyLoss, 2, 0)
	v, grad, err := loss.Forward(logits, target)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if v > 1e-3 {
		t.Fatalf("ignored background pixel should not contribute, loss %v", v)
	}
	if grad.Data[0] != 0 || grad.Data[2] != 0 {
		t.Fatalf("ignored pixel should get zero gradient, got %v", grad.Data)
	}
}

func TestParseLossKind(t *testing.T) {
	for in, want := range map[string]LossKind{
		"JaccardLoss": JaccardLoss, "jaccard": JaccardLoss, "dice": DiceLoss,
		"TverskyLoss": TverskyLoss, "lovasz": LovaszLoss, "CrossEntropyLoss": CrossEntropyLoss,
	} {
		got, err := ParseLossKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseLossKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLossKind("focal"); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestJaccardIndex(t *testing.T) {
	m := NewJaccardIndex(3, 0)
	pred := []int32{0, 1, 1, 2, 2, 0}
	target := []int32{0, 1, 2, 2, 2, 1}
	if err := m.Update(pred, target); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// class 1: tp 1, fp 1, fn 1 -> 1/3; class 2: tp 2, fp 0, fn 1 -> 2/3
	pc := m.PerClass()
	if !approxEqual(pc[1], 1.0/3, 1e-9) || !approxEqual(pc[2], 2.0/3, 1e-9) {
		t.Fatalf("unexpected per-class IoU %v", pc)
	}
	if _, ok := pc[0]; ok {
		t.Fatalf("ignored class should not be reported")
	}
	// micro: (1 + 2) / (3 + 3)
	if got := m.Compute(); !approxEqual(got, 0.5, 1e-9) {
		t.Fatalf("expected micro IoU 0.5, got %v", got)
	}
	m.Reset()
	if m.Compute() != 0 {
		t.Fatalf("expected 0 after reset")
	}
	if err := m.Update([]int32{0}, []int32{5}); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestArgmax(t *testing.T) {
	logits := tensor.New(1, 3, 1, 2)
	copy(logits.Data, []float32{1, 0, 2, 0, 0, 5})
	got := Argmax(logits)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected argmax %v", got)
	}
}

func TestOptimizersMinimiseQuadratic(t *testing.T) {
	for _, cfg := range []OptimizerConfig{
		{Kind: AdamWOptimizer, LearningRate: 0.1, WeightDecay: 1e-6},
		{Kind: SGDOptimizer, LearningRate: 0.1, Momentum: 0.5},
	} {
		opt, err := NewOptimizer(cfg)
		if err != nil {
			t.Fatalf("NewOptimizer(%v): %v", cfg.Kind, err)
		}
		p := NewParam("w", 2)
		p.Value[0], p.Value[1] = 3, -2
		for range 300 {
			// f(w) = |w|^2 / 2
			copy(p.Grad, p.Value)
			opt.Step([]*Param{p})
		}
		if math.Abs(float64(p.Value[0])) > 0.05 || math.Abs(float64(p.Value[1])) > 0.05 {
			t.Fatalf("%v did not converge: %v", cfg.Kind, p.Value)
		}
	}
	if _, err := NewOptimizer(OptimizerConfig{}); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("zero learning rate should be a config error, got %v", err)
	}
}

func TestClipGradients(t *testing.T) {
	p := NewParam("w", 2)
	p.Grad[0], p.Grad[1] = 3, 4
	if norm := clipGradients([]*Param{p}, 1); norm != 5 {
		t.Fatalf("expected norm 5, got %v", norm)
	}
	if !approxEqual(float64(p.Grad[0]), 0.6, 1e-6) || !approxEqual(float64(p.Grad[1]), 0.8, 1e-6) {
		t.Fatalf("unexpected clipped gradient %v", p.Grad)
	}
}

// biasModel predicts per-class constant logits; its only parameter is the
// class bias.
type biasModel struct {
	in, k int
	bias  *Param
	shape []int
	nan   bool
}

func newBiasModel(in, k int) *biasModel {
	return &biasModel{in: in, k: k, bias: NewParam("bias", k)}
}

func (m *biasModel) InChannels() int { return m.in }
func (m *biasModel) NumClasses() int { return m.k }

func (m *biasModel) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if images.Channels() != m.in {
		return nil, fmt.Errorf("expected %d channels, got %v", m.in, images.Shape)
	}
	n, h, w := images.Shape[0], images.Height(), images.Width()
	out := tensor.New(n, m.k, h, w)
	for b := range n {
		for c := range m.k {
			plane := out.Data[(b*m.k+c)*h*w : (b*m.k+c+1)*h*w]
			for i := range plane {
				plane[i] = m.bias.Value[c]
				if m.nan {
					plane[i] = float32(math.NaN())
				}
			}
		}
	}
	m.shape = out.Shape
	return out, nil
}

func (m *biasModel) Backward(grad *tensor.Tensor) error {
	n, hw := grad.Shape[0], grad.Height()*grad.Width()
	for b := range n {
		for c := range m.k {
			for _, g := range grad.Data[(b*m.k+c)*hw : (b*m.k+c+1)*hw] {
				m.bias.Grad[c] += g
			}
		}
	}
	return nil
}

func (m *biasModel) Parameters() []*Param { return []*Param{m.bias} }
func (m *biasModel) ZeroGrad()            { clear(m.bias.Grad) }
func (m *biasModel) StateDict() map[string][]float32 {
	return map[string][]float32{"bias": append([]float32(nil), m.bias.Value...)}
}
func (m *biasModel) LoadStateDict(s map[string][]float32) error {
	copy(m.bias.Value, s["bias"])
	return nil
}

// scriptedLoss returns the test losses in order; train calls report a fixed
// value. Train and test calls alternate one batch each.
type scriptedLoss struct {
	test  []float64
	calls int
}

func (l *scriptedLoss) Name() string { return "scripted" }

func (l *scriptedLoss) Forward(logits, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	c := l.calls
	l.calls++
	if c%2 == 0 {
		return 0.9, tensor.New(logits.Shape...), nil
	}
	i := c / 2
	if i >= len(l.test) {
		i = len(l.test) - 1
	}
	return l.test[i], tensor.New(logits.Shape...), nil
}

// mockStream yields the same batch count every epoch.
type mockStream struct {
	batches int
	c       int // image channels
	err     error
	epochs  []int
}

func (s *mockStream) Epoch(ctx context.Context, epoch int) iter.Seq2[*datasets.Batch, error] {
	s.epochs = append(s.epochs, epoch)
	return func(yield func(*datasets.Batch, error) bool) {
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		for i := range s.batches {
			img := tensor.New(s.c, 4, 4)
			for j := range img.Data {
				img.Data[j] = float32((j * 37) % 256)
			}
			mask := tensor.New(1, 4, 4)
			for j := range mask.Data {
				if j%4 < 3 {
					mask.Data[j] = 1
				}
			}
			b := &datasets.Batch{
				Images:  []*tensor.Tensor{img},
				Masks:   []*tensor.Tensor{mask},
				Windows: []geo.BoundingBox{{MinX: float64(i), MaxX: float64(i + 4), MaxY: 4}},
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

type memScalars struct {
	values map[string][]float64
}

func (m *memScalars) Log(name string, v float64, step int) error {
	if m.values == nil {
		m.values = map[string][]float64{}
	}
	m.values[name] = append(m.values[name], v)
	return nil
}

type countImages struct {
	paths []string
}

func (c *countImages) SaveImage(panels []Panel, path string, layout Layout, colors, labels map[int]string, coords string) error {
	c.paths = append(c.paths, path)
	return nil
}

func newTestLoop(t *testing.T, model Model, loss Loss, epochs int) *Loop {
	t.Helper()
	opt, err := NewOptimizer(OptimizerConfig{Kind: SGDOptimizer, LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	norm, err := transforms.NewNormalizer([]float64{0.5, 0.5, 0.5}, []float64{0.25, 0.25, 0.25})
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return &Loop{
		Model:     model,
		Loss:      loss,
		Optimizer: opt,
		Normalize: norm,
		Train:     &mockStream{batches: 1, c: 3},
		Test:      &mockStream{batches: 1, c: 3},
		Config:    LoopConfig{Epochs: epochs, NumClasses: 2, IgnoreIndex: -1, Threshold: 0.01, Patience: 3},
		Rand:      rand.New(rand.NewSource(1)),
		Labels:    geo.LabelSet{{ID: 1, Name: "inlet", Color: "#ff0000"}},
	}
}

func TestLoopStopsOnPlateau(t *testing.T) {
	scalars := &memScalars{}
	l := newTestLoop(t, newBiasModel(3, 2), &scriptedLoss{test: []float64{1.0, 0.5, 0.48, 0.47, 0.47, 0.47, 0.1}}, 20)
	l.Scalars = scalars
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.StoppedEarly || len(res.Epochs) != 6 {
		t.Fatalf("expected early stop after 6 epochs, got stopped=%v epochs=%d", res.StoppedEarly, len(res.Epochs))
	}
	if res.BestLoss != 0.48 || res.BestEpoch != 3 {
		t.Fatalf("expected best loss 0.48 at epoch 3, got %v at %d", res.BestLoss, res.BestEpoch)
	}
	if res.State.State != StateDone {
		t.Fatalf("expected DONE, got %v", res.State.State)
	}
	if got := len(scalars.values["Loss/test"]); got != 6 {
		t.Fatalf("expected 6 test loss scalars, got %d", got)
	}
	for _, name := range []string{"Loss/train", "Jaccard/train", "Jaccard/test", "Jaccard/test/inlet", "Jaccard/test/background"} {
		if len(scalars.values[name]) == 0 {
			t.Fatalf("missing scalar %s in %v", name, scalars.values)
		}
	}
}

func TestLoopEpochBudget(t *testing.T) {
	l := newTestLoop(t, newBiasModel(3, 2), &scriptedLoss{test: []float64{1, 0.9, 0.8, 0.7}}, 3)
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StoppedEarly || len(res.Epochs) != 3 {
		t.Fatalf("expected the budget of 3 epochs, got stopped=%v epochs=%d", res.StoppedEarly, len(res.Epochs))
	}
	train := l.Train.(*mockStream)
	if fmt.Sprint(train.epochs) != "[1 2 3]" {
		t.Fatalf("expected epochs numbered from 1, got %v", train.epochs)
	}
}

// fixedMetric reports a constant score and counts its calls.
type fixedMetric struct {
	score           float64
	updates, resets int
}

func (m *fixedMetric) Update(pred, target []int32) error {
	if len(pred) != len(target) {
		return fmt.Errorf("length mismatch")
	}
	m.updates++
	return nil
}
func (m *fixedMetric) Compute() float64 { return m.score }
func (m *fixedMetric) Reset()           { m.resets++ }

func TestLoopUsesInjectedMetrics(t *testing.T) {
	scalars := &memScalars{}
	l := newTestLoop(t, newBiasModel(3, 2), &scriptedLoss{test: []float64{1, 0.9}}, 2)
	train, test := &fixedMetric{score: 0.25}, &fixedMetric{score: 0.75}
	l.TrainMetric, l.TestMetric, l.Scalars = train, test, scalars
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if train.updates != 2 || train.resets != 2 || test.updates != 2 || test.resets != 2 {
		t.Fatalf("unexpected metric calls: train %+v test %+v", train, test)
	}
	if res.FinalTrainIoU != 0.25 || res.FinalTestIoU != 0.75 {
		t.Fatalf("expected the injected scores, got %v and %v", res.FinalTrainIoU, res.FinalTestIoU)
	}
	if len(scalars.values["Jaccard/test/inlet"]) != 0 || len(res.State.PerClassIoU) != 0 {
		t.Fatalf("a metric without per-class scores should log none")
	}

	var _ PerClassMetric = NewJaccardIndex(2, 0)
}

func TestLoopLearnsAndPersists(t *testing.T) {
	dir := t.TempDir()
	loss, _ := NewLoss(CrossEntropyLoss, 2, -1)
	images := &countImages{}
	l := newTestLoop(t, newBiasModel(3, 2), loss, 4)
	l.Config.BaselineEval = true
	// single-band imagery is replicated to the model's channel count
	l.Train = &mockStream{batches: 2, c: 1}
	l.Test = &mockStream{batches: 1, c: 1}
	l.OutDir = dir
	l.Images = images

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// three quarters of every mask is class 1, so the uniform start scores ln 2
	if last := res.Epochs[len(res.Epochs)-1]; last.TestLoss >= math.Log(2)-1e-3 {
		t.Fatalf("expected the test loss to fall below ln 2, got %+v", res.Epochs)
	}
	for _, name := range []string{"model.gob", "best.gob"} {
		ck, err := LoadCheckpoint(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("LoadCheckpoint(%s): %v", name, err)
		}
		if len(ck.State["bias"]) != 2 {
			t.Fatalf("%s: unexpected state %v", name, ck.State)
		}
	}
	if len(images.paths) == 0 {
		t.Fatalf("expected sample visualisations")
	}
	want := filepath.Join(dir, "train-images", "epoch-1", "train_sample-1.0.png")
	found := false
	for _, p := range images.paths {
		found = found || p == want
	}
	if !found {
		t.Fatalf("expected %s among %v", want, images.paths)
	}
	if _, err := os.Stat(filepath.Join(dir, "test-images", "epoch-0")); err != nil {
		t.Fatalf("expected baseline test images: %v", err)
	}
}

func TestLoopNumericInstability(t *testing.T) {
	loss, _ := NewLoss(CrossEntropyLoss, 2, -1)
	model := newBiasModel(3, 2)
	model.nan = true
	l := newTestLoop(t, model, loss, 2)
	_, err := l.Run(context.Background())
	if !errors.Is(err, errs.ErrNumericInstability) {
		t.Fatalf("expected numeric instability, got %v", err)
	}
}

func TestLoopDataError(t *testing.T) {
	loss, _ := NewLoss(CrossEntropyLoss, 2, -1)
	l := newTestLoop(t, newBiasModel(3, 2), loss, 2)
	l.Train = &mockStream{err: fmt.Errorf("too many unreadable windows: %w", errs.ErrDataUnavailable)}
	if _, err := l.Run(context.Background()); !errors.Is(err, errs.ErrDataUnavailable) {
		t.Fatalf("expected data unavailable, got %v", err)
	}
}

func TestLoopConfigErrors(t *testing.T) {
	loss, _ := NewLoss(CrossEntropyLoss, 2, -1)
	l := newTestLoop(t, newBiasModel(3, 2), loss, 0)
	if _, err := l.Run(context.Background()); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("zero epochs should be a config error, got %v", err)
	}
	l = newTestLoop(t, newBiasModel(3, 2), loss, 1)
	l.Config.NumClasses = 5
	if _, err := l.Run(context.Background()); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("class mismatch should be a config error, got %v", err)
	}
	l = newTestLoop(t, newBiasModel(3, 2), loss, 1)
	l.Train = &mockStream{batches: 1, c: 4}
	if _, err := l.Run(context.Background()); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("too many channels should be a config error, got %v", err)
	}
}

func TestLoopCancelled(t *testing.T) {
	loss, _ := NewLoss(CrossEntropyLoss, 2, -1)
	l := newTestLoop(t, newBiasModel(3, 2), loss, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "model.gob")
	m := newBiasModel(3, 2)
	m.bias.Value[0], m.bias.Value[1] = 0.25, -1.5
	if err := SaveCheckpoint(path, NewCheckpoint(m, 2, 7, 0.33), nil); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	ck, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ck.Trial != 2 || ck.Epoch != 7 || ck.BestLoss != 0.33 {
		t.Fatalf("unexpected checkpoint header %+v", ck)
	}
	other := newBiasModel(3, 2)
	if err := other.LoadStateDict(ck.State); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	if other.bias.Value[0] != 0.25 || other.bias.Value[1] != -1.5 {
		t.Fatalf("state not restored: %v", other.bias.Value)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestCheckpointSyncFailureIsLogged(t *testing.T) {
	defer func(orig func(*os.File) error) { syncFile = orig }(syncFile)
	syncFile = func(*os.File) error { return errors.New("disk says no") }

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "model.gob")
	if err := SaveCheckpoint(path, NewCheckpoint(newBiasModel(3, 2), 0, 1, 0.5), log.New(&buf, "", 0)); err != nil {
		t.Fatalf("a failed sync should not fail the save: %v", err)
	}
	if !strings.Contains(buf.String(), "[Checkpoint] warning") || !strings.Contains(buf.String(), "disk says no") {
		t.Fatalf("sync failure not logged, got %q", buf.String())
	}
	if _, err := LoadCheckpoint(path); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	// a nil logger drops the warning
	if err := SaveCheckpoint(path, NewCheckpoint(newBiasModel(3, 2), 0, 2, 0.4), nil); err != nil {
		t.Fatalf("SaveCheckpoint with nil logger: %v", err)
	}
}

func TestRunTrialsAggregates(t *testing.T) {
	var seeds []int64
	run := func(ctx context.Context, trial int, seed int64) (*Result, error) {
		seeds = append(seeds, seed)
		if trial == 1 {
			return nil, errors.New("boom")
		}
		return &Result{FinalTrainIoU: 0.5 + 0.1*float64(trial), FinalTestIoU: 0.4}, nil
	}
	sum, err := RunTrials(context.Background(), 3, 10, run, nil)
	if err != nil {
		t.Fatalf("RunTrials: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("expected 2 successes and 1 failure, got %d/%d", sum.Succeeded, sum.Failed)
	}
	if fmt.Sprint(seeds) != "[10 11 12]" {
		t.Fatalf("unexpected seeds %v", seeds)
	}
	// train IoUs 0.5 and 0.7
	if !approxEqual(sum.TrainMean, 0.6, 1e-9) || !approxEqual(sum.TrainStd, math.Sqrt(0.02), 1e-9) {
		t.Fatalf("unexpected train aggregate %v ± %v", sum.TrainMean, sum.TrainStd)
	}
	if !approxEqual(sum.TestMean, 0.4, 1e-9) || sum.TestStd != 0 {
		t.Fatalf("unexpected test aggregate %v ± %v", sum.TestMean, sum.TestStd)
	}
}

func TestRunTrialsSingleAndAllFailed(t *testing.T) {
	ok := func(ctx context.Context, trial int, seed int64) (*Result, error) {
		return &Result{FinalTrainIoU: 0.3, FinalTestIoU: 0.2}, nil
	}
	sum, err := RunTrials(context.Background(), 1, 1, ok, nil)
	if err != nil || sum.TrainStd != 0 || sum.TestMean != 0.2 {
		t.Fatalf("single trial: %+v, %v", sum, err)
	}
	fail := func(ctx context.Context, trial int, seed int64) (*Result, error) {
		return nil, errs.ErrNumericInstability
	}
	if _, err := RunTrials(context.Background(), 2, 1, fail, nil); err == nil {
		t.Fatalf("expected an error when every trial fails")
	}
}
