package samplers

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ctessum/geom"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
)

func rect(minx, miny, maxx, maxy float64) geom.Polygon {
	return geom.Polygon{{
		{X: minx, Y: miny}, {X: maxx, Y: miny}, {X: maxx, Y: maxy}, {X: minx, Y: maxy}, {X: minx, Y: miny},
	}}
}

var testLabels = geo.LabelSet{{ID: 1, Name: "pond"}, {ID: 2, Name: "swale"}}

// denseIndex covers a 100x100 extent: class 1 on 90% of it, class 2 on 10%.
func denseIndex(t *testing.T) *geo.Index {
	t.Helper()
	regions := []*geo.Region{
		geo.NewRegion(rect(0, 0, 90, 100), 1, ""),
		geo.NewRegion(rect(90, 0, 100, 100), 2, ""),
	}
	idx, err := geo.Build(regions, testLabels, 1, geo.BuildOptions{StrictLabels: true})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	return idx
}

// sparseIndex has two small regions in a mostly empty 100x100 extent.
func sparseIndex(t *testing.T, labels geo.LabelSet) *geo.Index {
	t.Helper()
	extent := geo.BoundingBox{MaxX: 100, MaxY: 100, MaxT: 1}
	regions := []*geo.Region{
		geo.NewRegion(rect(10, 10, 20, 20), 1, ""),
		geo.NewRegion(rect(70, 70, 75, 75), 2, ""),
	}
	idx, err := geo.Build(regions, labels, 1, geo.BuildOptions{Extent: &extent})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	return idx
}

func collect(s *RandomBatch, epoch int) [][]geo.BoundingBox {
	var out [][]geo.BoundingBox
	for b := range s.Batches(epoch) {
		out = append(out, b)
	}
	return out
}

func TestRandomBatchDeterministic(t *testing.T) {
	idx := denseIndex(t)
	cfg := RandomBatchConfig{ROI: idx.Extent(), Size: 10, BatchSize: 4, Length: 5, Policy: DefaultPolicy(), Seed: 42}
	a, err := NewRandomBatch(idx, cfg)
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	b, _ := NewRandomBatch(idx, cfg)

	first := collect(a, 0)
	if len(first) != 5 || len(first[0]) != 4 {
		t.Fatalf("got %d batches of %d, want 5 of 4", len(first), len(first[0]))
	}
	if !reflect.DeepEqual(first, collect(b, 0)) {
		t.Fatal("same seed and epoch produced different windows")
	}
	if !reflect.DeepEqual(first, collect(a, 0)) {
		t.Fatal("replaying an epoch produced different windows")
	}
	if reflect.DeepEqual(first, collect(a, 1)) {
		t.Fatal("epochs 0 and 1 should differ")
	}
}

func TestRandomBatchWindowsInsideROI(t *testing.T) {
	idx := denseIndex(t)
	roi := geo.BoundingBox{MinX: 5, MaxX: 95, MinY: 5, MaxY: 60, MaxT: 1}
	s, err := NewRandomBatch(idx, RandomBatchConfig{ROI: roi, Size: 16, BatchSize: 8, Length: 20, Policy: DefaultPolicy(), Seed: 3})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	for batch := range s.Batches(0) {
		for _, w := range batch {
			if !roi.Contains(w) {
				t.Fatalf("window %v escapes ROI %v", w, roi)
			}
			if math.Abs(w.Width()-16) > 1e-9 || math.Abs(w.Height()-16) > 1e-9 {
				t.Fatalf("window %v is not 16x16", w)
			}
		}
	}
}

func TestRandomBatchOversamplesRareClass(t *testing.T) {
	idx := denseIndex(t)
	s, err := NewRandomBatch(idx, RandomBatchConfig{
		ROI: idx.Extent(), Size: 10, BatchSize: 10, Length: 100,
		Policy: Policy{BalancePower: 1, MaxRetries: 50}, Seed: 7,
	})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	draws, rare := 0, 0
	for batch := range s.Batches(0) {
		for _, w := range batch {
			draws++
			if _, ok := idx.LabelsIn(w)[2]; ok {
				rare++
			}
		}
	}
	if draws != 1000 {
		t.Fatalf("draws = %d, want 1000", draws)
	}
	if frac := float64(rare) / float64(draws); frac <= 0.1 {
		t.Fatalf("rare class in %.3f of windows, want > 0.1", frac)
	}
	w := s.ClassWeights()
	if w[2] <= w[1] {
		t.Fatalf("class weights %v: rare class should outweigh common class", w)
	}
}

func TestRandomBatchUniformPower(t *testing.T) {
	idx := denseIndex(t)
	s, err := NewRandomBatch(idx, RandomBatchConfig{ROI: idx.Extent(), Size: 10, BatchSize: 1, Policy: Policy{BalancePower: 0}})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	w := s.ClassWeights()
	if w[1] != 0.5 || w[2] != 0.5 {
		t.Fatalf("power 0 weights = %v, want 0.5 each", w)
	}
}

func TestRandomBatchWindowsHitLabels(t *testing.T) {
	idx := sparseIndex(t, testLabels)
	s, err := NewRandomBatch(idx, RandomBatchConfig{ROI: idx.Extent(), Size: 8, BatchSize: 16, Length: 20, Seed: 1})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	for batch := range s.Batches(0) {
		for _, w := range batch {
			if len(idx.LabelsIn(w)) == 0 {
				t.Fatalf("window %v has no labelled region with zero background probability", w)
			}
		}
	}
	if n := s.Exhausted(); n != 0 {
		t.Fatalf("Exhausted() = %d, want 0", n)
	}
}

func TestRandomBatchBackgroundDraws(t *testing.T) {
	idx := sparseIndex(t, testLabels)
	s, err := NewRandomBatch(idx, RandomBatchConfig{
		ROI: idx.Extent(), Size: 8, BatchSize: 1,
		Policy: Policy{BalancePower: 1, BackgroundProb: 0.999, MaxRetries: 50},
	})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	rng := rand.New(rand.NewSource(5))
	background := 0
	for range 200 {
		if len(idx.LabelsIn(s.Draw(rng))) == 0 {
			background++
		}
	}
	if background < 150 {
		t.Fatalf("only %d of 200 draws were background", background)
	}
}

func TestRandomBatchSkipsEmptyClass(t *testing.T) {
	labels := append(geo.LabelSet{}, testLabels...)
	labels = append(labels, geo.Label{ID: 3, Name: "culvert"})
	idx := sparseIndex(t, labels)

	roi := geo.BoundingBox{MinX: 0, MaxX: 50, MinY: 0, MaxY: 50, MaxT: 1}
	s, err := NewRandomBatch(idx, RandomBatchConfig{ROI: roi, Size: 8, BatchSize: 4, Length: 10})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	if got, want := s.Skipped(), []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Skipped() = %v, want %v", got, want)
	}
	if got, want := s.Classes(), []int{1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Classes() = %v, want %v", got, want)
	}
	n := 0
	for batch := range s.Batches(0) {
		n += len(batch)
	}
	if n != 40 {
		t.Fatalf("drew %d windows, want 40", n)
	}
}

func TestRandomBatchConfigErrors(t *testing.T) {
	idx := denseIndex(t)
	for name, cfg := range map[string]RandomBatchConfig{
		"roi too small": {ROI: geo.BoundingBox{MaxX: 5, MaxY: 5}, Size: 10, BatchSize: 1},
		"zero size":     {ROI: idx.Extent(), Size: 0, BatchSize: 1},
		"zero batch":    {ROI: idx.Extent(), Size: 10},
		"background":    {ROI: idx.Extent(), Size: 10, BatchSize: 1, Policy: Policy{BackgroundProb: 1}},
		"retries":       {ROI: idx.Extent(), Size: 10, BatchSize: 1, Policy: Policy{MaxRetries: -1}},
	} {
		if _, err := NewRandomBatch(idx, cfg); !errors.Is(err, errs.ErrConfig) {
			t.Errorf("%s: error = %v, want ErrConfig", name, err)
		}
	}
}

func TestGridSnapsToEdge(t *testing.T) {
	idx := denseIndex(t)
	g, err := NewGrid(idx, GridConfig{ROI: idx.Extent(), Size: 30, Stride: 30})
	if err != nil {
		t.Fatalf("NewGrid error: %v", err)
	}
	if g.Len() != 16 {
		t.Fatalf("Len() = %d, want 16", g.Len())
	}
	maxX, maxY := 0.0, 0.0
	for w := range g.Windows() {
		if !idx.Extent().Contains(w) {
			t.Fatalf("window %v escapes extent", w)
		}
		maxX = max(maxX, w.MaxX)
		maxY = max(maxY, w.MaxY)
	}
	if maxX != 100 || maxY != 100 {
		t.Fatalf("grid stops at (%g, %g), want (100, 100)", maxX, maxY)
	}
}

func TestGridCoversRegionsWithLargeStride(t *testing.T) {
	idx := sparseIndex(t, testLabels)
	g, err := NewGrid(idx, GridConfig{ROI: idx.Extent(), Size: 10, Stride: 30})
	if err != nil {
		t.Fatalf("NewGrid error: %v", err)
	}
	if g.Added() != 2 {
		t.Fatalf("Added() = %d, want 2", g.Added())
	}
	for _, id := range []int{1, 2} {
		for _, r := range idx.RegionsOf(id) {
			covered := false
			for w := range g.Windows() {
				if r.OverlapArea(w) > 0 {
					covered = true
				}
			}
			if !covered {
				t.Fatalf("region of class %d not covered by any window", id)
			}
		}
	}
}

func TestGridRarestClassFirst(t *testing.T) {
	idx := sparseIndex(t, testLabels)
	g, err := NewGrid(idx, GridConfig{ROI: idx.Extent(), Size: 10, Stride: 5})
	if err != nil {
		t.Fatalf("NewGrid error: %v", err)
	}
	var first geo.BoundingBox
	for w := range g.Windows() {
		first = w
		break
	}
	if _, ok := idx.LabelsIn(first)[2]; !ok {
		t.Fatalf("first window %v does not contain the rarest class", first)
	}

	seenBackground := false
	for w := range g.Windows() {
		if len(idx.LabelsIn(w)) == 0 {
			seenBackground = true
		} else if seenBackground {
			t.Fatalf("labelled window %v after background windows", w)
		}
	}

	total := 0
	for b := range g.Batches(7) {
		total += len(b)
	}
	if total != g.Len() {
		t.Fatalf("Batches covered %d windows, want %d", total, g.Len())
	}
}

// diagonalIndex holds one thin diagonal strip, about 1% of its bounding box.
func diagonalIndex(t *testing.T) *geo.Index {
	t.Helper()
	extent := geo.BoundingBox{MaxX: 100, MaxY: 100, MaxT: 1}
	strip := geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 100, Y: 99}, {X: 99, Y: 99}, {X: 0, Y: 0}}}
	idx, err := geo.Build([]*geo.Region{geo.NewRegion(strip, 1, "")}, geo.LabelSet{{ID: 1, Name: "swale"}}, 1,
		geo.BuildOptions{Extent: &extent})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	return idx
}

func TestRandomBatchExhaustedDrawsFallBackToBackground(t *testing.T) {
	idx := diagonalIndex(t)
	roi := idx.Extent()
	s, err := NewRandomBatch(idx, RandomBatchConfig{
		ROI: roi, Size: 8, BatchSize: 10, Length: 10, Seed: 9,
		Policy: Policy{BalancePower: 1, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	n := 0
	for batch := range s.Batches(0) {
		for _, w := range batch {
			n++
			if !roi.Contains(w) {
				t.Fatalf("window %v escapes ROI %v", w, roi)
			}
		}
	}
	if n != 100 {
		t.Fatalf("drew %d windows, want 100", n)
	}
	if s.Exhausted() == 0 {
		t.Fatalf("expected some draws to run out of retries")
	}
}

func TestRandomBatchThinRegionUsesBoundary(t *testing.T) {
	idx := diagonalIndex(t)
	s, err := NewRandomBatch(idx, RandomBatchConfig{
		ROI: idx.Extent(), Size: 8, BatchSize: 10, Length: 20, Seed: 4,
		Policy: Policy{BalancePower: 1, MaxRetries: 10},
	})
	if err != nil {
		t.Fatalf("NewRandomBatch error: %v", err)
	}
	for batch := range s.Batches(0) {
		for _, w := range batch {
			if _, ok := idx.LabelsIn(w)[1]; !ok {
				t.Fatalf("window %v misses the strip", w)
			}
		}
	}
	if n := s.Exhausted(); n != 0 {
		t.Fatalf("Exhausted() = %d, want 0", n)
	}
}
