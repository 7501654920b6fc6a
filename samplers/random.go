package samplers

import (
	"fmt"
	"iter"
	"log"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
)

// RandomBatchConfig configures a RandomBatch sampler.
type RandomBatchConfig struct {
	ROI       geo.BoundingBox
	Size      float64 // window edge in CRS units
	BatchSize int
	// Length is the number of batches per epoch. Zero derives it from the
	// ROI area so that an epoch covers the ROI about once.
	Length int
	Policy Policy
	Seed   int64
	Logger *log.Logger
}

// RandomBatch draws fixed-size windows in batches, choosing a target class by
// weighted random choice and then a window that overlaps a region of it.
type RandomBatch struct {
	index  *geo.Index
	cfg    RandomBatchConfig
	logger *log.Logger

	classes    []int
	classPick  weighted
	regions    map[int][]*geo.Region
	regionPick map[int]weighted
	skipped    []int

	exhausted atomic.Int64
}

// NewRandomBatch validates cfg and precomputes the class and region weights.
// Classes without any region inside the ROI are skipped for the sampler's
// lifetime.
func NewRandomBatch(index *geo.Index, cfg RandomBatchConfig) (*RandomBatch, error) {
	if err := checkROI(cfg.ROI, cfg.Size); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, errs.Configf("batch size must be positive, got %d", cfg.BatchSize)
	}
	policy, err := cfg.Policy.validate()
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if cfg.Length <= 0 {
		cfg.Length = max(1, int(cfg.ROI.Area()/(cfg.Size*cfg.Size))/cfg.BatchSize)
	}

	s := &RandomBatch{
		index:      index,
		cfg:        cfg,
		logger:     discardLogger(cfg.Logger),
		regions:    make(map[int][]*geo.Region),
		regionPick: make(map[int]weighted),
	}

	freq := index.ClassFrequency()
	var classFreq []float64
	for _, id := range index.Labels().IDs() {
		var inROI []*geo.Region
		var areas []float64
		for _, r := range index.RegionsOf(id) {
			if a := r.OverlapArea(cfg.ROI); a > 0 {
				inROI = append(inROI, r)
				areas = append(areas, a)
			}
		}
		if len(inROI) == 0 || freq[id] <= 0 {
			s.skipped = append(s.skipped, id)
			s.logger.Printf("[Sampler] class %d has no regions in %v; skipping it for this sampler", id, cfg.ROI)
			continue
		}
		s.classes = append(s.classes, id)
		classFreq = append(classFreq, freq[id])
		s.regions[id] = inROI
		s.regionPick[id] = newWeighted(areas)
	}
	if len(s.classes) > 0 {
		s.classPick = newWeighted(classWeights(classFreq, cfg.Policy.BalancePower))
	}
	return s, nil
}

// Len returns the number of batches per epoch.
func (s *RandomBatch) Len() int { return s.cfg.Length }

// BatchSize returns the number of windows per batch.
func (s *RandomBatch) BatchSize() int { return s.cfg.BatchSize }

// Classes returns the classes the sampler targets.
func (s *RandomBatch) Classes() []int { return append([]int(nil), s.classes...) }

// Skipped returns the classes that have no regions in the ROI.
func (s *RandomBatch) Skipped() []int { return append([]int(nil), s.skipped...) }

// Exhausted returns how many class-targeted draws ran out of retries and
// degraded to background windows.
func (s *RandomBatch) Exhausted() int64 { return s.exhausted.Load() }

// ClassWeights returns the selection probability of each targeted class.
func (s *RandomBatch) ClassWeights() map[int]float64 {
	out := make(map[int]float64, len(s.classes))
	prev := 0.0
	for i, id := range s.classes {
		out[id] = s.classPick.cum[i] - prev
		prev = s.classPick.cum[i]
	}
	return out
}

// epochRand derives the generator for one epoch so every epoch's sequence can
// be replayed on its own.
func (s *RandomBatch) epochRand(epoch int) *rand.Rand {
	mixed := uint64(s.cfg.Seed) ^ (uint64(epoch)+1)*0x9E3779B97F4A7C15
	return rand.New(rand.NewSource(int64(mixed)))
}

// Batches returns the lazy sequence of window batches for one epoch. The same
// seed, index and epoch always produce the same sequence.
func (s *RandomBatch) Batches(epoch int) iter.Seq[[]geo.BoundingBox] {
	return func(yield func([]geo.BoundingBox) bool) {
		rng := s.epochRand(epoch)
		for range s.cfg.Length {
			batch := make([]geo.BoundingBox, s.cfg.BatchSize)
			for i := range batch {
				batch[i] = s.Draw(rng)
			}
			if !yield(batch) {
				return
			}
		}
	}
}

// Draw produces one window from rng.
func (s *RandomBatch) Draw(rng *rand.Rand) geo.BoundingBox {
	if len(s.classes) == 0 || rng.Float64() < s.cfg.Policy.BackgroundProb {
		return s.background(rng)
	}
	class := s.classes[s.classPick.pick(rng)]
	w, err := s.windowFor(class, rng)
	if err != nil {
		s.exhausted.Add(1)
		s.logger.Printf("[Sampler] %v; drawing a background window instead", err)
		return s.background(rng)
	}
	return w
}

// windowFor searches for a window overlapping a region of class, giving up
// after MaxRetries attempts. The first half of the attempts rejection-sample
// an anchor inside the region; the rest anchor on the region's boundary
// within the ROI, which thin or diagonal regions rarely fail.
func (s *RandomBatch) windowFor(class int, rng *rand.Rand) (geo.BoundingBox, error) {
	roi, size := s.cfg.ROI, s.cfg.Size
	candidates := s.regions[class]
	pick := s.regionPick[class]
	retries := s.cfg.Policy.MaxRetries
	interior := retries - retries/2
	for attempt := range retries {
		r := candidates[pick.pick(rng)]
		var w geo.BoundingBox
		if attempt < interior {
			box, ok := r.Box().Intersection(roi)
			if !ok {
				continue
			}
			x := box.MinX + rng.Float64()*box.Width()
			y := box.MinY + rng.Float64()*box.Height()
			if !r.Contains(x, y) {
				continue
			}
			minx := uniformIn(rng, math.Max(x-size, roi.MinX), math.Min(x, roi.MaxX-size))
			miny := uniformIn(rng, math.Max(y-size, roi.MinY), math.Min(y, roi.MaxY-size))
			w = roi.Window(minx, miny, size, size)
		} else {
			x, y, ok := r.EdgePoint(roi, rng)
			if !ok {
				continue
			}
			w = roi.Window(clamp(x-size/2, roi.MinX, roi.MaxX-size), clamp(y-size/2, roi.MinY, roi.MaxY-size), size, size)
		}
		if r.OverlapArea(w) > 0 {
			return w, nil
		}
	}
	return geo.BoundingBox{}, fmt.Errorf("class %d after %d attempts: %w", class, retries, errs.ErrSamplingExhausted)
}

// background looks for a window with no labelled region, falling back to any
// uniformly placed window once the retry budget is spent.
func (s *RandomBatch) background(rng *rand.Rand) geo.BoundingBox {
	var w geo.BoundingBox
	for range s.cfg.Policy.MaxRetries {
		w = s.uniform(rng)
		if len(s.index.LabelsIn(w)) == 0 {
			return w
		}
	}
	return w
}

func (s *RandomBatch) uniform(rng *rand.Rand) geo.BoundingBox {
	roi, size := s.cfg.ROI, s.cfg.Size
	minx := roi.MinX + rng.Float64()*(roi.Width()-size)
	miny := roi.MinY + rng.Float64()*(roi.Height()-size)
	return roi.Window(minx, miny, size, size)
}

func uniformIn(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}
