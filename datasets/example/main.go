package main

// Example command that opens the imagery and labels named by a configuration,
// draws one training batch with the class-balanced sampler and converts it to
// gomlx tensors with the helpers provided in the datasets package.
//
// Usage:
//   go run ./datasets/example -config experiment.json
//
// Imagery is only decoded for the windows the sampler draws, so this is a
// cheap way to check that a configuration points at readable data.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"

	"github.com/Noofbiz/stormseg/config"
	"github.com/Noofbiz/stormseg/datasets"
	"github.com/Noofbiz/stormseg/experiment"
	"github.com/Noofbiz/stormseg/geo"
	"github.com/Noofbiz/stormseg/samplers"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	seed := flag.Int64("seed", 1, "random seed for the sampler")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	data, err := experiment.Open(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open data: %v", err)
	}
	fmt.Printf("Region of interest: %v\n", data.ROI())
	freq := data.Index.ClassFrequency()
	for _, id := range data.Index.RarityOrder() {
		fmt.Printf("  class %d: %d regions, %.4f%% of the extent\n", id, len(data.Index.RegionsOf(id)), 100*freq[id])
	}

	sampler, err := samplers.NewRandomBatch(data.Index, samplers.RandomBatchConfig{
		ROI:       data.ROI(),
		Size:      cfg.WindowSize(),
		BatchSize: cfg.Sampling.BatchSize,
		Length:    1,
		Policy:    cfg.SamplerPolicy(),
		Seed:      *seed,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to create sampler: %v", err)
	}
	redrawRng := rand.New(rand.NewSource(*seed + 1))
	loader := &datasets.Loader{
		Source:     data.Source,
		Workers:    cfg.Data.Workers,
		Redraw:     func(geo.BoundingBox) geo.BoundingBox { return sampler.Draw(redrawRng) },
		MaxSkipped: cfg.Data.MaxSkippedTiles,
		Logger:     logger,
	}

	// Count the classes that made it into the batch.
	counts := map[int32]int{}
	ds := datasets.NewSamplerDataset(context.Background(), "inspect", sampler, loader)
	ds.Prepare = func(b *datasets.Batch) (*datasets.Batch, error) {
		for _, m := range b.Masks {
			for _, c := range m.Labels() {
				counts[c]++
			}
		}
		return b, nil
	}
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		log.Fatalf("failed to load a batch: %v", err)
	}
	fmt.Printf("Created batch tensors: input=%v label=%v\n", inputs[0].Shape().Dimensions, labels[0].Shape().Dimensions)

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Printf("  class %d: %d pixels\n", id, counts[int32(id)])
	}
}
