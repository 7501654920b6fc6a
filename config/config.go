// Package config holds the run configuration: the JSON document with its
// embedded defaults, validation, and the immutable RunContext handed to each
// trial.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/samplers"
	"github.com/Noofbiz/stormseg/training"
	"github.com/Noofbiz/stormseg/transforms"
)

//go:embed default.json
var defaultConfigJSON []byte

// DefaultFileName is the name of the effective configuration copied into
// every experiment directory.
const DefaultFileName = "config.json"

// Experiment names the run and where its artifacts go.
type Experiment struct {
	Name      string `json:"name"`
	OutputDir string `json:"output_dir"`
	Trials    int    `json:"trials"`
	// Seed is the base seed; trial i uses Seed+i. Zero draws a seed per trial.
	Seed int64 `json:"seed"`
}

// Data locates the imagery and the labelled polygons.
type Data struct {
	// ImageryIndex is a CSV with columns path,minx,miny,maxx,maxy.
	ImageryIndex string `json:"imagery_index"`
	// Labels is a shapefile (.shp) or GeoJSON file (.geojson, .json).
	Labels        string `json:"labels"`
	LabelProperty string `json:"label_property"`
	CRS           string `json:"crs"`
	// Reproject is a proj4 definition shapefile labels are transformed to.
	// Empty keeps the shapefile's own reference system.
	Reproject    string  `json:"reproject"`
	Resolution   float64 `json:"resolution"`
	Bands        int     `json:"bands"`
	StrictLabels bool    `json:"strict_labels"`
	Workers      int     `json:"workers"`
	// MaxSkippedTiles bounds consecutive unreadable windows before a trial
	// is aborted.
	MaxSkippedTiles int `json:"max_skipped_tiles"`
	// Mean and Std are per-channel statistics of the imagery in [0, 1]. They
	// are extended to the model's channel count by repeating the first entry.
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Sampling configures the train and test samplers.
type Sampling struct {
	PatchSize       int     `json:"patch_size"`
	BatchSize       int     `json:"batch_size"`
	BatchesPerEpoch int     `json:"batches_per_epoch"`
	SplitRatio      float64 `json:"split_ratio"`
	// RandomSplit re-draws the split axis and side from each trial's seed.
	// False keeps a fixed cut along x for every trial.
	RandomSplit    bool    `json:"random_split"`
	BalancePower   float64 `json:"balance_power"`
	BackgroundProb float64 `json:"background_prob"`
	MaxRetries     int     `json:"max_retries"`
	// TestStride is the grid stride of the test sampler in pixels. Zero
	// means the patch size.
	TestStride int `json:"test_stride"`
}

// Training holds the loop and optimiser options.
type Training struct {
	Epochs       int                    `json:"epochs"`
	LearningRate float64                `json:"learning_rate"`
	Optimizer    training.OptimizerKind `json:"optimizer"`
	WeightDecay  float64                `json:"weight_decay"`
	Momentum     float64                `json:"momentum"`
	ClipNorm     float64                `json:"clip_norm"`
	Loss         training.LossKind      `json:"loss_function"`
	// LossIgnore is the target class left out of the loss; negative keeps
	// every pixel. IgnoreIndex is the class left out of the Jaccard metric.
	LossIgnore   int                `json:"loss_ignore_index"`
	IgnoreIndex  int                `json:"ignore_index"`
	Threshold    float64            `json:"threshold"`
	Patience     int                `json:"patience"`
	Augmentation transforms.AugMode `json:"augmentation"`
	BaselineEval bool               `json:"baseline_eval"`
	LogEvery     int                `json:"log_every"`
	// SaveSamples writes sample panels of the train and test batches.
	SaveSamples bool `json:"save_samples"`
}

// Model configures the segmentation network.
type Model struct {
	InChannels  int   `json:"in_channels"`
	Kernel      int   `json:"kernel"`
	HiddenSizes []int `json:"hidden_sizes"`
}

// Config is the full run configuration.
type Config struct {
	Experiment Experiment   `json:"experiment"`
	Data       Data         `json:"data"`
	Sampling   Sampling     `json:"sampling"`
	Training   Training     `json:"training"`
	Model      Model        `json:"model"`
	NumClasses int          `json:"num_classes"`
	Labels     geo.LabelSet `json:"labels"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	var c Config
	if err := json.Unmarshal(defaultConfigJSON, &c); err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return &c
}

// DefaultJSON returns the embedded default document.
func DefaultJSON() []byte { return bytes.Clone(defaultConfigJSON) }

// Decode overlays the JSON document read from r onto the defaults. Keys
// missing from the document keep their default value; unknown keys are an
// error.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decode config: %v: %w", err, errs.ErrConfig)
	}
	return c, nil
}

// Load reads a configuration file. Relative data paths are resolved against
// the file's directory.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	c.Data.ImageryIndex = resolve(dir, c.Data.ImageryIndex)
	c.Data.Labels = resolve(dir, c.Data.Labels)
	return c, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Save writes c as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Validate checks every option and returns the first problem wrapped in
// errs.ErrConfig.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Experiment.Name) == "":
		return errs.Configf("experiment name is required")
	case strings.ContainsAny(c.Experiment.Name, `/\`):
		return errs.Configf("experiment name %q must not contain path separators", c.Experiment.Name)
	case c.Experiment.Trials <= 0:
		return errs.Configf("trials must be positive, got %d", c.Experiment.Trials)
	case c.Data.ImageryIndex == "":
		return errs.Configf("data.imagery_index is required")
	case c.Data.Labels == "":
		return errs.Configf("data.labels is required")
	case c.Data.Resolution <= 0:
		return errs.Configf("data.resolution must be positive, got %g", c.Data.Resolution)
	case c.Data.Bands != 1 && c.Data.Bands != 3 && c.Data.Bands != 4:
		return errs.Configf("data.bands must be 1, 3 or 4, got %d", c.Data.Bands)
	case c.Data.MaxSkippedTiles < 0:
		return errs.Configf("data.max_skipped_tiles must not be negative")
	case c.Sampling.PatchSize <= 0:
		return errs.Configf("patch size must be positive, got %d", c.Sampling.PatchSize)
	case c.Sampling.BatchSize <= 0:
		return errs.Configf("batch size must be positive, got %d", c.Sampling.BatchSize)
	case c.Sampling.BatchesPerEpoch < 0:
		return errs.Configf("batches per epoch must not be negative")
	case !(c.Sampling.SplitRatio > 0 && c.Sampling.SplitRatio < 1):
		return errs.Configf("split ratio %g outside (0, 1)", c.Sampling.SplitRatio)
	case c.Sampling.TestStride < 0:
		return errs.Configf("test stride must not be negative")
	case c.Training.Epochs <= 0:
		return errs.Configf("epochs must be positive, got %d", c.Training.Epochs)
	case c.Training.LearningRate <= 0:
		return errs.Configf("learning rate must be positive, got %g", c.Training.LearningRate)
	case c.Training.Threshold < 0:
		return errs.Configf("plateau threshold must not be negative")
	case c.Training.Patience <= 0:
		return errs.Configf("plateau patience must be positive, got %d", c.Training.Patience)
	case c.NumClasses < 2:
		return errs.Configf("num_classes must be at least 2, got %d", c.NumClasses)
	case c.Training.IgnoreIndex >= c.NumClasses:
		return errs.Configf("ignore index %d is not below num_classes %d", c.Training.IgnoreIndex, c.NumClasses)
	case c.Model.InChannels < c.Data.Bands:
		return errs.Configf("model takes %d channels but the imagery has %d bands", c.Model.InChannels, c.Data.Bands)
	case len(c.Labels) == 0:
		return errs.Configf("at least one label is required")
	}
	seen := make(map[int]bool, len(c.Labels))
	for _, l := range c.Labels {
		if l.ID <= 0 || l.ID >= c.NumClasses {
			return errs.Configf("label %q has id %d outside [1, %d)", l.Name, l.ID, c.NumClasses)
		}
		if seen[l.ID] {
			return errs.Configf("label id %d is used twice", l.ID)
		}
		seen[l.ID] = true
	}
	if len(c.Data.Mean) != len(c.Data.Std) {
		return errs.Configf("mean and std need the same length, got %d and %d", len(c.Data.Mean), len(c.Data.Std))
	}
	// statistics cover at least the imagery bands; missing model channels
	// reuse the first entry
	if n := len(c.Data.Mean); n < c.Data.Bands || n > c.Model.InChannels {
		return errs.Configf("mean and std have %d entries, want between %d bands and %d model channels", n, c.Data.Bands, c.Model.InChannels)
	}
	if _, err := transforms.NewNormalizer(c.Data.Mean, c.Data.Std); err != nil {
		return err
	}
	return c.SamplerPolicy().Validate()
}

// SamplerPolicy returns the balancing policy of the train sampler.
func (c *Config) SamplerPolicy() samplers.Policy {
	return samplers.Policy{
		BalancePower:   c.Sampling.BalancePower,
		BackgroundProb: c.Sampling.BackgroundProb,
		MaxRetries:     c.Sampling.MaxRetries,
	}
}

// OptimizerConfig returns the optimiser options.
func (c *Config) OptimizerConfig() training.OptimizerConfig {
	return training.OptimizerConfig{
		Kind:         c.Training.Optimizer,
		LearningRate: c.Training.LearningRate,
		WeightDecay:  c.Training.WeightDecay,
		Momentum:     c.Training.Momentum,
		ClipNorm:     c.Training.ClipNorm,
	}
}

// ExperimentDir is where the run writes its artifacts.
func (c *Config) ExperimentDir() string {
	return filepath.Join(c.Experiment.OutputDir, c.Experiment.Name)
}

// WindowSize is the sampled window edge in CRS units.
func (c *Config) WindowSize() float64 {
	return float64(c.Sampling.PatchSize) * c.Data.Resolution
}

// RunContext is the immutable per-trial view of the configuration handed to
// components instead of package-level globals.
type RunContext struct {
	Config *Config
	Trial  int
	Seed   int64
	OutDir string
	Logger *log.Logger
}

// NewRunContext binds cfg to one trial. The logger may be nil.
func NewRunContext(cfg *Config, trial int, seed int64, outDir string, logger *log.Logger) RunContext {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return RunContext{Config: cfg, Trial: trial, Seed: seed, OutDir: outDir, Logger: logger}
}

// Override sets one option from its command-line name. It is used for flags
// the user set explicitly, which take precedence over the file.
func (c *Config) Override(name, value string) error {
	var err error
	switch name {
	case "experiment_name":
		c.Experiment.Name = value
	case "output_dir":
		c.Experiment.OutputDir = value
	case "trials":
		c.Experiment.Trials, err = strconv.Atoi(value)
	case "seed":
		c.Experiment.Seed, err = strconv.ParseInt(value, 10, 64)
	case "imagery":
		c.Data.ImageryIndex = value
	case "labels":
		c.Data.Labels = value
	case "workers":
		c.Data.Workers, err = strconv.Atoi(value)
	case "patch_size":
		c.Sampling.PatchSize, err = strconv.Atoi(value)
	case "batch_size":
		c.Sampling.BatchSize, err = strconv.Atoi(value)
	case "split_ratio":
		c.Sampling.SplitRatio, err = strconv.ParseFloat(value, 64)
	case "epochs":
		c.Training.Epochs, err = strconv.Atoi(value)
	case "lr":
		c.Training.LearningRate, err = strconv.ParseFloat(value, 64)
	case "loss":
		err = c.Training.Loss.UnmarshalText([]byte(value))
	case "aug_type":
		err = c.Training.Augmentation.UnmarshalText([]byte(value))
	case "random_split":
		c.Sampling.RandomSplit, err = strconv.ParseBool(value)
	case "baseline_eval":
		c.Training.BaselineEval, err = strconv.ParseBool(value)
	default:
		return errs.Configf("unknown option %q", name)
	}
	if err != nil && !errors.Is(err, errs.ErrConfig) {
		return errs.Configf("option %s=%q: %v", name, value, err)
	}
	return err
}
