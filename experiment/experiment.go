// Package experiment wires the configuration into data sources, samplers, a
// model and the training loop, and runs the trials of one experiment.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/stormseg/config"
	"github.com/Noofbiz/stormseg/datasets"
	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/samplers"
	"github.com/Noofbiz/stormseg/simple"
	"github.com/Noofbiz/stormseg/training"
	"github.com/Noofbiz/stormseg/transforms"
	"github.com/Noofbiz/stormseg/viz"
)

// Data is the shared, read-only input of every trial.
type Data struct {
	Source *datasets.Intersection
	Index  *geo.Index
}

// ROI is the region the samplers draw from.
func (d *Data) ROI() geo.BoundingBox { return d.Source.Bounds() }

// LoadLabels reads the labelled polygons named by cfg.Data.Labels. Shapefiles
// are recognised by their .shp extension; anything else is read as GeoJSON.
func LoadLabels(cfg *config.Config) ([]*geo.Region, int, error) {
	path := cfg.Data.Labels
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return geo.LoadShapefile(path, geo.ShapefileOptions{
			LabelField: cfg.Data.LabelProperty,
			Labels:     cfg.Labels,
			TargetProj: cfg.Data.Reproject,
		})
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()
	return geo.LoadGeoJSON(f, cfg.Data.LabelProperty, cfg.Labels, cfg.Data.CRS)
}

// Open loads the imagery and labels and intersects them.
func Open(cfg *config.Config, logger *log.Logger) (*Data, error) {
	imagery, err := datasets.OpenImagery(cfg.Data.ImageryIndex, datasets.ImageryOptions{
		CRS:        cfg.Data.CRS,
		Resolution: cfg.Data.Resolution,
		Bands:      cfg.Data.Bands,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	regions, skipped, err := LoadLabels(cfg)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Printf("[Experiment] skipped %d label features with an unknown class or geometry", skipped)
	}
	extent := imagery.Bounds()
	index, err := geo.Build(regions, cfg.Labels, cfg.Data.Resolution, geo.BuildOptions{
		StrictLabels: cfg.Data.StrictLabels,
		Extent:       &extent,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	for _, id := range index.RarityOrder() {
		logger.Printf("[Experiment] class %d covers %.4f%% of the extent", id, 100*index.ClassFrequency()[id])
	}

	source, err := datasets.NewIntersection(imagery, index, logger)
	if err != nil {
		return nil, err
	}
	return &Data{Source: source, Index: index}, nil
}

// Trial holds the components built for one trial.
type Trial struct {
	Run      config.RunContext
	TrainROI geo.BoundingBox
	TestROI  geo.BoundingBox
	Train    *samplers.RandomBatch
	Test     *samplers.Grid
	Loop     *training.Loop
	Scalars  *viz.ScalarLog
}

// Split cuts roi into train and test parts at the configured ratio. With
// RandomSplit the axis and side are drawn from rng, so each trial seed gets
// its own split; otherwise the cut is along x with the test part on the high
// side.
func Split(cfg *config.Config, roi geo.BoundingBox, rng *rand.Rand) (train, test geo.BoundingBox, err error) {
	opts := geo.SplitOptions{Ratio: cfg.Sampling.SplitRatio, Axis: geo.AxisX}
	if cfg.Sampling.RandomSplit {
		opts = geo.RandomSplitOptions(cfg.Sampling.SplitRatio, rng)
	}
	return roi.Split(opts)
}

// NewTrial builds the samplers, loaders, model and loop of one trial. The
// caller owns the returned ScalarLog.
func NewTrial(rc config.RunContext, data *Data) (*Trial, error) {
	cfg, logger := rc.Config, rc.Logger
	rng := rand.New(rand.NewSource(rc.Seed))

	trainROI, testROI, err := Split(cfg, data.ROI(), rng)
	if err != nil {
		return nil, err
	}
	logger.Printf("[Experiment] train ROI %v", trainROI)
	logger.Printf("[Experiment] test ROI %v", testROI)

	size := cfg.WindowSize()
	train, err := samplers.NewRandomBatch(data.Index, samplers.RandomBatchConfig{
		ROI:       trainROI,
		Size:      size,
		BatchSize: cfg.Sampling.BatchSize,
		Length:    cfg.Sampling.BatchesPerEpoch,
		Policy:    cfg.SamplerPolicy(),
		Seed:      rc.Seed,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("train sampler: %w", err)
	}
	weights := train.ClassWeights()
	for _, id := range train.Classes() {
		logger.Printf("[Experiment] class %d sampling weight %.4f", id, weights[id])
	}
	test, err := samplers.NewGrid(data.Index, samplers.GridConfig{
		ROI:    testROI,
		Size:   size,
		Stride: float64(cfg.Sampling.TestStride) * cfg.Data.Resolution,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("test sampler: %w", err)
	}
	logger.Printf("[Experiment] %d train batches and %d test windows per epoch", train.Len(), test.Len())

	// Redraw runs on the loader's calling goroutine only.
	redrawRng := rand.New(rand.NewSource(rc.Seed ^ 0x5eed))
	trainLoader := &datasets.Loader{
		Source:     data.Source,
		Workers:    cfg.Data.Workers,
		Redraw:     func(geo.BoundingBox) geo.BoundingBox { return train.Draw(redrawRng) },
		MaxSkipped: cfg.Data.MaxSkippedTiles,
		Logger:     logger,
	}
	testLoader := &datasets.Loader{
		Source:     data.Source,
		Workers:    cfg.Data.Workers,
		MaxSkipped: cfg.Data.MaxSkippedTiles,
		Logger:     logger,
	}
	testBatches := datasets.BatchSamplerFunc(func(int) iter.Seq[[]geo.BoundingBox] {
		return test.Batches(cfg.Sampling.BatchSize)
	})

	model, err := simple.NewModel(simple.Config{
		InChannels:  cfg.Model.InChannels,
		NumClasses:  cfg.NumClasses,
		Kernel:      cfg.Model.Kernel,
		HiddenSizes: cfg.Model.HiddenSizes,
		Seed:        rc.Seed,
	})
	if err != nil {
		return nil, errs.Configf("model: %v", err)
	}
	loss, err := training.NewLoss(cfg.Training.Loss, cfg.NumClasses, cfg.Training.LossIgnore)
	if err != nil {
		return nil, err
	}
	opt, err := training.NewOptimizer(cfg.OptimizerConfig())
	if err != nil {
		return nil, err
	}
	mean, err := transforms.ExtendStats(cfg.Data.Mean, cfg.Model.InChannels)
	if err != nil {
		return nil, err
	}
	std, err := transforms.ExtendStats(cfg.Data.Std, cfg.Model.InChannels)
	if err != nil {
		return nil, err
	}
	norm, err := transforms.NewNormalizer(mean, std)
	if err != nil {
		return nil, err
	}
	pipeline, err := transforms.NewPipeline(cfg.Training.Augmentation)
	if err != nil {
		return nil, err
	}
	logger.Printf("[Experiment] augmentation %s: %v", cfg.Training.Augmentation, pipeline.Names())

	scalars, err := viz.NewScalarLog(filepath.Join(rc.OutDir, "scalars.csv"))
	if err != nil {
		return nil, err
	}
	loop := &training.Loop{
		Model:     model,
		Loss:      loss,
		Optimizer: opt,
		Normalize: norm,
		Augment:   pipeline,
		Train:     datasets.EpochStream{Sampler: train, Loader: trainLoader},
		Test:      datasets.EpochStream{Sampler: testBatches, Loader: testLoader},
		Config: training.LoopConfig{
			Epochs:       cfg.Training.Epochs,
			NumClasses:   cfg.NumClasses,
			IgnoreIndex:  cfg.Training.IgnoreIndex,
			Threshold:    cfg.Training.Threshold,
			Patience:     cfg.Training.Patience,
			BaselineEval: cfg.Training.BaselineEval,
			LogEvery:     cfg.Training.LogEvery,
			Trial:        rc.Trial,
		},
		Rand:    rng,
		Scalars: scalars,
		Labels:  cfg.Labels,
		OutDir:  rc.OutDir,
		Logger:  logger,
	}
	if cfg.Training.SaveSamples {
		loop.Images = &viz.Renderer{Scale: 1, NumClasses: cfg.NumClasses}
	}
	return &Trial{
		Run:      rc,
		TrainROI: trainROI,
		TestROI:  testROI,
		Train:    train,
		Test:     test,
		Loop:     loop,
		Scalars:  scalars,
	}, nil
}

// Execute runs the trial's loop and plots its curves.
func (t *Trial) Execute(ctx context.Context) (*training.Result, error) {
	defer t.Scalars.Close()
	res, err := t.Loop.Run(ctx)
	logger := t.Run.Logger
	if n := t.Train.Exhausted(); n > 0 {
		logger.Printf("[Experiment] %d class-targeted draws fell back to background windows", n)
	}
	if err != nil {
		return res, err
	}
	series := map[string][]viz.Point{}
	for _, name := range t.Scalars.Names() {
		series[name] = t.Scalars.History(name)
	}
	for prefix, file := range map[string]string{"Loss/": "loss.png", "Jaccard/": "jaccard.png"} {
		path := filepath.Join(t.Run.OutDir, file)
		if perr := viz.PlotCurves(path, strings.TrimSuffix(prefix, "/"), prefix, series); perr != nil {
			logger.Printf("[Experiment] warning: plot %s: %v", path, perr)
		}
	}
	return res, nil
}

// TrialLogger logs to base's output and to <dir>/train.log.
func TrialLogger(base *log.Logger, dir string, trial int) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(filepath.Join(dir, "train.log"))
	if err != nil {
		return nil, nil, err
	}
	w := io.Writer(f)
	if base != nil {
		w = io.MultiWriter(base.Writer(), f)
	}
	return log.New(w, fmt.Sprintf("[trial %d] ", trial), log.LstdFlags|log.Lmsgprefix), f, nil
}

// CreateDir makes the experiment directory and refuses one that already
// exists so a previous run is never overwritten.
func CreateDir(dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errs.Configf("experiment directory %s already exists", dir)
		}
		return err
	}
	return nil
}

// Run creates the experiment directory, saves the effective configuration
// and runs every trial. Failed trials are reported in the summary and left
// out of its averages.
func Run(ctx context.Context, cfg *config.Config, logger *log.Logger) (*training.Summary, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := cfg.ExperimentDir()
	if err := CreateDir(dir); err != nil {
		return nil, err
	}
	if err := cfg.Save(filepath.Join(dir, config.DefaultFileName)); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	logger.Printf("[Experiment] writing to %s", dir)

	data, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	run := func(ctx context.Context, trial int, seed int64) (*training.Result, error) {
		out := filepath.Join(dir, fmt.Sprintf("trial-%d", trial))
		tlog, closer, err := TrialLogger(logger, out, trial)
		if err != nil {
			return nil, err
		}
		defer closer.Close()
		rc := config.NewRunContext(cfg, trial, seed, out, tlog)
		t, err := NewTrial(rc, data)
		if err != nil {
			return nil, err
		}
		return t.Execute(ctx)
	}
	sum, err := training.RunTrials(ctx, cfg.Experiment.Trials, cfg.Experiment.Seed, run, logger)
	if sum != nil {
		if werr := writeSummary(filepath.Join(dir, "summary.json"), sum); werr != nil {
			logger.Printf("[Experiment] warning: write summary: %v", werr)
		}
	}
	return sum, err
}

type trialRecord struct {
	Trial        int     `json:"trial"`
	Seed         int64   `json:"seed"`
	Epochs       int     `json:"epochs,omitempty"`
	StoppedEarly bool    `json:"stopped_early,omitempty"`
	BestLoss     float64 `json:"best_loss,omitempty"`
	TrainIoU     float64 `json:"train_jaccard,omitempty"`
	TestIoU      float64 `json:"test_jaccard,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func writeSummary(path string, sum *training.Summary) error {
	out := struct {
		Trials    []trialRecord `json:"trials"`
		Succeeded int           `json:"succeeded"`
		Failed    int           `json:"failed"`
		TrainMean float64       `json:"train_jaccard_mean"`
		TrainStd  float64       `json:"train_jaccard_std"`
		TestMean  float64       `json:"test_jaccard_mean"`
		TestStd   float64       `json:"test_jaccard_std"`
	}{
		Succeeded: sum.Succeeded, Failed: sum.Failed,
		TrainMean: sum.TrainMean, TrainStd: sum.TrainStd,
		TestMean: sum.TestMean, TestStd: sum.TestStd,
	}
	for _, t := range sum.Trials {
		rec := trialRecord{Trial: t.Trial, Seed: t.Seed}
		if t.Err != nil {
			rec.Error = t.Err.Error()
		}
		if r := t.Result; r != nil && t.Err == nil {
			rec.Epochs = len(r.Epochs)
			rec.StoppedEarly = r.StoppedEarly
			rec.BestLoss = r.BestLoss
			rec.TrainIoU = r.FinalTrainIoU
			rec.TestIoU = r.FinalTestIoU
		}
		out.Trials = append(out.Trials, rec)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
