package training

import (
	"context"
	"fmt"
	"iter"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/Noofbiz/stormseg/datasets"
	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/tensor"
	"github.com/Noofbiz/stormseg/transforms"
)

// BatchStream yields the loaded batches of one epoch.
type BatchStream interface {
	Epoch(ctx context.Context, epoch int) iter.Seq2[*datasets.Batch, error]
}

// State is a step of the training state machine.
type State int

const (
	StateInit State = iota
	StateBaselineEval
	StateTrainEpoch
	StateEvalEpoch
	StatePlateauCheck
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBaselineEval:
		return "BASELINE_EVAL"
	case StateTrainEpoch:
		return "TRAIN_EPOCH"
	case StateEvalEpoch:
		return "EVAL_EPOCH"
	case StatePlateauCheck:
		return "PLATEAU_CHECK"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LoopConfig holds the control-loop options.
type LoopConfig struct {
	Epochs       int
	NumClasses   int
	IgnoreIndex  int // metric ignore index; negative disables
	Threshold    float64
	Patience     int
	BaselineEval bool
	LogEvery     int // batches between progress lines; zero means 100
	// Trial numbers the artifacts; it is not used otherwise.
	Trial int
}

// TrainingState is the bookkeeping of one trial.
type TrainingState struct {
	State        State
	Epoch        int
	BestLoss     float64
	PlateauCount int
	PerClassIoU  map[int]float64
}

// EpochResult summarises one train/eval round.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	TrainIoU  float64
	TestLoss  float64
	TestIoU   float64
	PerClass  map[int]float64
}

// Result is the outcome of Loop.Run.
type Result struct {
	Epochs        []EpochResult
	FinalTrainIoU float64
	FinalTestIoU  float64
	BestLoss      float64
	BestEpoch     int
	StoppedEarly  bool
	State         TrainingState
}

// Loop drives one trial: it trains Model on Train, evaluates it on Test and
// stops on the epoch budget or a loss plateau.
type Loop struct {
	Model     Model
	Loss      Loss
	Optimizer Optimizer
	Normalize transforms.Normalizer
	Augment   *transforms.Pipeline
	Train     BatchStream
	Test      BatchStream
	Config    LoopConfig

	// Rand drives augmentation. It must not be shared with other goroutines.
	Rand *rand.Rand

	// TrainMetric and TestMetric score predictions. Nil selects a
	// JaccardIndex over Config.NumClasses with Config.IgnoreIndex. A test
	// metric that is also a PerClassMetric gets per-class scalars logged.
	TrainMetric Metric
	TestMetric  Metric

	Scalars ScalarSink
	Images  ImageSink // optional
	Labels  geo.LabelSet
	// OutDir receives sample images and checkpoints. Empty disables both.
	OutDir string
	Logger *log.Logger

	state   TrainingState
	plateau *Plateau
	best    map[string][]float32
}

func (l *Loop) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

func (l *Loop) init() error {
	c := l.Config
	if l.Model == nil || l.Loss == nil || l.Optimizer == nil || l.Train == nil || l.Test == nil {
		return errs.Configf("training loop needs a model, loss, optimizer and train/test data")
	}
	if c.Epochs <= 0 {
		return errs.Configf("epoch budget must be positive, got %d", c.Epochs)
	}
	if c.NumClasses != l.Model.NumClasses() {
		return errs.Configf("configured %d classes but the model predicts %d", c.NumClasses, l.Model.NumClasses())
	}
	if l.Config.LogEvery <= 0 {
		l.Config.LogEvery = 100
	}
	if l.Rand == nil {
		l.Rand = rand.New(rand.NewSource(1))
	}
	if l.Augment == nil {
		l.Augment = &transforms.Pipeline{}
	}
	p, err := NewPlateau(c.Threshold, c.Patience)
	if err != nil {
		return err
	}
	l.plateau = p
	if l.TrainMetric == nil {
		l.TrainMetric = NewJaccardIndex(c.NumClasses, c.IgnoreIndex)
	}
	if l.TestMetric == nil {
		l.TestMetric = NewJaccardIndex(c.NumClasses, c.IgnoreIndex)
	}
	l.state = TrainingState{State: StateInit}
	return nil
}

// State returns the current bookkeeping.
func (l *Loop) State() TrainingState { return l.state }

// Run executes the state machine until DONE. A cancelled context or a
// non-finite loss ends the trial with an error.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	if err := l.init(); err != nil {
		return nil, err
	}
	res := &Result{}
	var current EpochResult

	if l.Config.BaselineEval {
		l.state.State = StateBaselineEval
		loss, iou, perClass, err := l.evalEpoch(ctx, 0)
		if err != nil {
			return nil, err
		}
		l.logf("[Loop] baseline: loss %.6f, Jaccard %.6f", loss, iou)
		l.plateau.Observe(loss)
		l.state.BestLoss = l.plateau.Best()
		l.state.PerClassIoU = perClass
		l.best = l.Model.StateDict()
	}

	l.state.State = StateTrainEpoch
	for l.state.State != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch l.state.State {
		case StateTrainEpoch:
			l.state.Epoch++
			l.logf("[Loop] epoch %d\n-------------------------------", l.state.Epoch)
			loss, iou, err := l.trainEpoch(ctx, l.state.Epoch)
			if err != nil {
				return nil, err
			}
			current = EpochResult{Epoch: l.state.Epoch, TrainLoss: loss, TrainIoU: iou}
			l.state.State = StateEvalEpoch

		case StateEvalEpoch:
			loss, iou, perClass, err := l.evalEpoch(ctx, l.state.Epoch)
			if err != nil {
				return nil, err
			}
			current.TestLoss, current.TestIoU, current.PerClass = loss, iou, perClass
			l.state.PerClassIoU = perClass
			res.Epochs = append(res.Epochs, current)
			l.state.State = StatePlateauCheck

		case StatePlateauCheck:
			improved, stop := l.plateau.Observe(current.TestLoss)
			l.state.BestLoss = l.plateau.Best()
			l.state.PlateauCount = l.plateau.Count()
			if improved {
				l.best = l.Model.StateDict()
				res.BestEpoch = current.Epoch
			}
			switch {
			case stop:
				l.logf("[Loop] test loss plateaued for %d epochs at %.6f; stopping", l.state.PlateauCount, l.state.BestLoss)
				res.StoppedEarly = true
				l.state.State = StateDone
			case l.state.Epoch >= l.Config.Epochs:
				l.logf("[Loop] epoch budget of %d reached", l.Config.Epochs)
				l.state.State = StateDone
			default:
				l.state.State = StateTrainEpoch
			}
		}
	}

	if n := len(res.Epochs); n > 0 {
		res.FinalTrainIoU = res.Epochs[n-1].TrainIoU
		res.FinalTestIoU = res.Epochs[n-1].TestIoU
	}
	res.BestLoss = l.state.BestLoss
	res.State = l.state
	if err := l.persist(); err != nil {
		return res, err
	}
	l.logf("[Loop] done")
	return res, nil
}

// persist writes the final parameters to model.gob and the best ones to
// best.gob.
func (l *Loop) persist() error {
	if l.OutDir == "" {
		return nil
	}
	final := NewCheckpoint(l.Model, l.Config.Trial, l.state.Epoch, l.state.BestLoss)
	if err := SaveCheckpoint(filepath.Join(l.OutDir, "model.gob"), final, l.Logger); err != nil {
		return err
	}
	l.logf("[Loop] saved model state to %s", l.OutDir)
	if l.best != nil {
		best := *final
		best.State = l.best
		if err := SaveCheckpoint(filepath.Join(l.OutDir, "best.gob"), &best, l.Logger); err != nil {
			return err
		}
	}
	return nil
}

// prepared is a batch ready for the model, plus the display copies used for
// visualisation.
type prepared struct {
	images    *tensor.Tensor // standardised [N, C, H, W]
	masks     *tensor.Tensor // class ids [N, 1, H, W]
	augImages []*tensor.Tensor
	augMasks  []*tensor.Tensor
}

// prepare channel-adapts, scales, optionally augments and standardises a
// batch. Masks are scaled and augmented alongside the images and rounded
// back to class ids.
func (l *Loop) prepare(b *datasets.Batch, augment bool) (*prepared, error) {
	in := l.Model.InChannels()
	p := &prepared{}
	std := make([]*tensor.Tensor, b.Len())
	masks := make([]*tensor.Tensor, b.Len())
	for i := range b.Images {
		img, mask, err := transforms.AdaptChannels(b.Images[i], b.Masks[i], in)
		if err != nil {
			return nil, err
		}
		img = transforms.Scale(img)
		if augment {
			img, mask = l.Augment.Apply(l.Rand, img, transforms.Scale(mask))
			mask = transforms.MaskFromFloat(transforms.InvertScale(mask), l.Config.NumClasses)
		}
		p.augImages = append(p.augImages, img)
		p.augMasks = append(p.augMasks, mask)
		if std[i], err = l.Normalize.Standardize(img); err != nil {
			return nil, err
		}
		masks[i] = mask
	}
	var err error
	if p.images, err = tensor.Stack(std); err != nil {
		return nil, err
	}
	if p.masks, err = tensor.Stack(masks); err != nil {
		return nil, err
	}
	return p, nil
}

func checkFinite(loss float64, logits *tensor.Tensor) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fmt.Errorf("loss is %v: %w", loss, errs.ErrNumericInstability)
	}
	if !logits.Finite() {
		return fmt.Errorf("logits contain NaN or Inf: %w", errs.ErrNumericInstability)
	}
	return nil
}

func (l *Loop) trainEpoch(ctx context.Context, epoch int) (loss, iou float64, err error) {
	l.TrainMetric.Reset()
	var total float64
	batches := 0
	for b, err := range l.Train.Epoch(ctx, epoch) {
		if err != nil {
			return 0, 0, fmt.Errorf("train epoch %d: %w", epoch, err)
		}
		if b.Len() == 0 {
			continue
		}
		p, err := l.prepare(b, true)
		if err != nil {
			return 0, 0, err
		}
		logits, err := l.Model.Forward(p.images)
		if err != nil {
			return 0, 0, err
		}
		value, grad, err := l.Loss.Forward(logits, p.masks)
		if err != nil {
			return 0, 0, err
		}
		if err := checkFinite(value, logits); err != nil {
			return 0, 0, fmt.Errorf("train epoch %d batch %d: %w", epoch, batches, err)
		}

		// backpropagation
		l.Model.ZeroGrad()
		if err := l.Model.Backward(grad); err != nil {
			return 0, 0, err
		}
		l.Optimizer.Step(l.Model.Parameters())

		if err := l.TrainMetric.Update(Argmax(logits), p.masks.Labels()); err != nil {
			return 0, 0, err
		}
		if batches == 0 {
			l.visualizeTrain(b, p, epoch)
		}
		total += value
		batches++
		if batches%l.Config.LogEvery == 0 {
			l.logf("[Train] loss: %7f  [%5d]", value, batches)
		}
		if b.Skipped > 0 {
			l.logf("[Train] batch %d skipped %d unreadable windows", batches, b.Skipped)
		}
	}
	if batches == 0 {
		return 0, 0, fmt.Errorf("train epoch %d produced no batches: %w", epoch, errs.ErrDataUnavailable)
	}
	loss, iou = total/float64(batches), l.TrainMetric.Compute()
	l.logScalar("Loss/train", loss, epoch)
	l.logScalar("Jaccard/train", iou, epoch)
	l.logf("[Train] epoch %d: loss %.6f, Jaccard index %.6f", epoch, loss, iou)
	return loss, iou, nil
}

func (l *Loop) evalEpoch(ctx context.Context, epoch int) (loss, iou float64, perClass map[int]float64, err error) {
	l.TestMetric.Reset()
	near := l.plateau.Near()
	var total float64
	batches := 0
	for b, err := range l.Test.Epoch(ctx, epoch) {
		if err != nil {
			return 0, 0, nil, fmt.Errorf("test epoch %d: %w", epoch, err)
		}
		if b.Len() == 0 {
			continue
		}
		p, err := l.prepare(b, false)
		if err != nil {
			return 0, 0, nil, err
		}
		logits, err := l.Model.Forward(p.images)
		if err != nil {
			return 0, 0, nil, err
		}
		value, _, err := l.Loss.Forward(logits, p.masks)
		if err != nil {
			return 0, 0, nil, err
		}
		if err := checkFinite(value, logits); err != nil {
			return 0, 0, nil, fmt.Errorf("test epoch %d batch %d: %w", epoch, batches, err)
		}
		preds := Argmax(logits)
		if err := l.TestMetric.Update(preds, p.masks.Labels()); err != nil {
			return 0, 0, nil, err
		}
		if batches == 0 || near {
			l.visualizeTest(b, preds, epoch, batches)
		}
		total += value
		batches++
	}
	if batches == 0 {
		return 0, 0, nil, fmt.Errorf("test epoch %d produced no batches: %w", epoch, errs.ErrDataUnavailable)
	}
	loss, iou = total/float64(batches), l.TestMetric.Compute()
	if pc, ok := l.TestMetric.(PerClassMetric); ok {
		perClass = pc.PerClass()
	}
	l.logScalar("Loss/test", loss, epoch)
	l.logScalar("Jaccard/test", iou, epoch)
	ids := make([]int, 0, len(perClass))
	for c := range perClass {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	for _, c := range ids {
		l.logScalar(fmt.Sprintf("Jaccard/test/%s", l.className(c)), perClass[c], epoch)
	}
	l.logf("[Test] epoch %d: Jaccard index %.6f, avg loss %.6f", epoch, iou, loss)
	return loss, iou, perClass, nil
}

func (l *Loop) logScalar(name string, v float64, step int) {
	if l.Scalars == nil {
		return
	}
	if err := l.Scalars.Log(name, v, step); err != nil {
		l.logf("[Loop] warning: log scalar %s: %v", name, err)
	}
}

func (l *Loop) className(c int) string {
	for _, lab := range l.Labels {
		if lab.ID == c {
			return lab.Name
		}
	}
	if c == 0 {
		return "background"
	}
	return fmt.Sprintf("class-%d", c)
}

func (l *Loop) palette() (colors, names map[int]string) {
	colors = make(map[int]string, len(l.Labels))
	names = make(map[int]string, len(l.Labels))
	for _, lab := range l.Labels {
		colors[lab.ID] = lab.Color
		names[lab.ID] = lab.Name
	}
	return colors, names
}

func (l *Loop) visualizeTrain(b *datasets.Batch, p *prepared, epoch int) {
	if l.Images == nil || l.OutDir == "" {
		return
	}
	dir := filepath.Join(l.OutDir, "train-images", fmt.Sprintf("epoch-%d", epoch))
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.logf("[Loop] warning: %v", err)
		return
	}
	colors, names := l.palette()
	for i := range b.Images {
		panels := []Panel{
			{Title: "image", Tensor: b.Images[i]},
			{Title: "mask", Tensor: b.Masks[i], Mask: true},
			{Title: "augmented_image", Tensor: transforms.InvertScale(p.augImages[i])},
			{Title: "augmented_mask", Tensor: p.augMasks[i], Mask: true},
		}
		path := filepath.Join(dir, fmt.Sprintf("train_sample-%d.%d.png", epoch, i))
		if err := l.Images.SaveImage(panels, path, LayoutGrid, colors, names, b.Windows[i].String()); err != nil {
			l.logf("[Loop] warning: save %s: %v", path, err)
		}
	}
}

func (l *Loop) visualizeTest(b *datasets.Batch, preds []int32, epoch, batch int) {
	if l.Images == nil || l.OutDir == "" {
		return
	}
	dir := filepath.Join(l.OutDir, "test-images", fmt.Sprintf("epoch-%d", epoch))
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.logf("[Loop] warning: %v", err)
		return
	}
	colors, names := l.palette()
	for i := range b.Images {
		h, w := b.Masks[i].Height(), b.Masks[i].Width()
		pred := tensor.New(1, h, w)
		for j, v := range preds[i*h*w : (i+1)*h*w] {
			pred.Data[j] = float32(v)
		}
		panels := []Panel{
			{Title: "image", Tensor: b.Images[i]},
			{Title: "ground_truth", Tensor: b.Masks[i], Mask: true},
			{Title: "inference", Tensor: pred, Mask: true},
		}
		path := filepath.Join(dir, fmt.Sprintf("test_sample-%d.%d.%d.png", epoch, batch, i))
		if err := l.Images.SaveImage(panels, path, LayoutRow, colors, names, b.Windows[i].String()); err != nil {
			l.logf("[Loop] warning: save %s: %v", path, err)
		}
	}
}
