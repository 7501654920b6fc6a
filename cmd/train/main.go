package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Noofbiz/stormseg/config"
	"github.com/Noofbiz/stormseg/experiment"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file (optional). Keys it omits keep their defaults.")
	writeDefault := flag.String("write-default-config", "", "write the default configuration to this path and exit")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")

	// These flags share their names with config.Override. Only the ones set
	// on the command line are applied, so they take precedence over the file.
	flag.String("experiment_name", "", "experiment name; defaults to a timestamp")
	flag.String("output_dir", "output", "directory experiments are written under")
	flag.Int("trials", 1, "number of independent trials")
	flag.Int64("seed", 0, "base random seed; trial i uses seed+i (0 = time based)")
	flag.String("imagery", "", "imagery index CSV (path,minx,miny,maxx,maxy)")
	flag.String("labels", "", "labelled polygons as a shapefile or GeoJSON")
	flag.Int("workers", 8, "tile reading workers")
	flag.Int("patch_size", 512, "patch size in pixels")
	flag.Int("batch_size", 16, "windows per batch")
	flag.Float64("split_ratio", 0.8, "train share of the region of interest")
	flag.Bool("random_split", true, "re-draw the train/test split axis and side for every trial")
	flag.Int("epochs", 6, "maximum number of epochs")
	flag.Float64("lr", 1e-3, "learning rate")
	flag.String("loss", "JaccardLoss", "loss function: CrossEntropyLoss, JaccardLoss, DiceLoss, TverskyLoss or LovaszLoss")
	flag.String("aug_type", "default", "augmentation: all, default, plasma, gauss or none")
	flag.Bool("baseline_eval", false, "evaluate the untrained model before the first epoch")
	flag.Parse()

	if *writeDefault != "" {
		if err := os.MkdirAll(filepath.Dir(*writeDefault), 0755); err != nil {
			log.Fatalf("failed to create dir for default config: %v", err)
		}
		if err := os.WriteFile(*writeDefault, config.DefaultJSON(), 0644); err != nil {
			log.Fatalf("failed to write default config to %s: %v", *writeDefault, err)
		}
		log.Printf("Wrote default config to %s", *writeDefault)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
		log.Printf("Loaded config from %s", *configPath)
	}

	var overrideErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "write-default-config", "print-effective-config":
			return
		}
		if err := cfg.Override(f.Name, f.Value.String()); err != nil && overrideErr == nil {
			overrideErr = err
		}
	})
	if overrideErr != nil {
		log.Fatalf("invalid flag: %v", overrideErr)
	}
	if cfg.Experiment.Name == "" {
		cfg.Experiment.Name = time.Now().Format("2006-01-02T15-04-05")
	}

	if *printEffectiveConfig {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode config: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	sum, err := experiment.Run(ctx, cfg, logger)
	if sum != nil {
		fmt.Printf("experiment %s: %d/%d trials succeeded\n", cfg.Experiment.Name, sum.Succeeded, len(sum.Trials))
		for _, t := range sum.Trials {
			if t.Err != nil {
				fmt.Printf("  trial %d (seed %d): failed: %v\n", t.Trial, t.Seed, t.Err)
				continue
			}
			fmt.Printf("  trial %d (seed %d): train Jaccard %.4f, test Jaccard %.4f\n",
				t.Trial, t.Seed, t.Result.FinalTrainIoU, t.Result.FinalTestIoU)
		}
		if sum.Succeeded > 0 {
			fmt.Printf("train Jaccard %.4f ± %.4f\ntest Jaccard  %.4f ± %.4f\n",
				sum.TrainMean, sum.TrainStd, sum.TestMean, sum.TestStd)
		}
	}
	if err != nil {
		stop()
		log.Fatalf("experiment failed: %v", err)
	}
}
