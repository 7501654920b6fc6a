package datasets

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Noofbiz/stormseg/errs"
	"github.com/Noofbiz/stormseg/geo"
)

// DefaultMaxSkipped is the number of consecutive unreadable windows a Loader
// tolerates before giving up.
const DefaultMaxSkipped = 32

// Loader reads the windows of each batch from a Source with a pool of
// workers. A window whose read fails with errs.ErrDataUnavailable is retried
// once with a replacement from Redraw, then skipped. A Loader is not safe
// for concurrent Load calls.
type Loader struct {
	Source  Source
	Workers int
	// Redraw supplies a replacement for a window that failed to read. Nil
	// disables the retry.
	Redraw func(failed geo.BoundingBox) geo.BoundingBox
	// MaxSkipped bounds consecutive skipped windows across batches. Zero
	// means DefaultMaxSkipped.
	MaxSkipped int
	Logger     *log.Logger

	consecutive int
	skipped     atomic.Int64
}

// Skipped returns the total number of windows dropped so far.
func (l *Loader) Skipped() int64 { return l.skipped.Load() }

func (l *Loader) workers(n int) int {
	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	return workers
}

// Load reads windows and collates the tiles in window order.
func (l *Loader) Load(ctx context.Context, windows []geo.BoundingBox) (*Batch, error) {
	logger := discardLogger(l.Logger)
	maxSkipped := l.MaxSkipped
	if maxSkipped <= 0 {
		maxSkipped = DefaultMaxSkipped
	}
	n := len(windows)
	if n == 0 {
		return &Batch{}, nil
	}

	// workers write distinct positions, so no locking is needed
	tiles := make([]*Tile, n)
	failed := make([]error, n)
	workers := l.workers(n)
	jobs := make(chan int, n)
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if err := ctx.Err(); err != nil {
					errCh <- err
					return
				}
				tile, err := l.Source.Read(ctx, windows[pos])
				if err != nil && !errors.Is(err, errs.ErrDataUnavailable) {
					errCh <- fmt.Errorf("read window %v: %w", windows[pos], err)
					return
				}
				tiles[pos], failed[pos] = tile, err
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}

	// retries run on this goroutine since Redraw is usually backed by a
	// non-thread-safe random source
	b := &Batch{}
	for pos, err := range failed {
		tile := tiles[pos]
		if err != nil && l.Redraw != nil {
			retry := l.Redraw(windows[pos])
			logger.Printf("[Loader] read %v failed (%v); retrying with %v", windows[pos], err, retry)
			tile, err = l.Source.Read(ctx, retry)
			if err != nil && !errors.Is(err, errs.ErrDataUnavailable) {
				return nil, fmt.Errorf("read window %v: %w", retry, err)
			}
		}
		if err != nil {
			l.consecutive++
			l.skipped.Add(1)
			b.Skipped++
			logger.Printf("[Loader] skipping window: %v", err)
			if l.consecutive > maxSkipped {
				return nil, fmt.Errorf("%d consecutive windows unreadable: %w", l.consecutive, err)
			}
			continue
		}
		l.consecutive = 0
		b.Images = append(b.Images, tile.Image)
		b.Masks = append(b.Masks, tile.Mask)
		b.Windows = append(b.Windows, tile.Window)
	}
	return b, nil
}

// Stream loads every batch of windows in order, reading the next batch in the
// background while the caller works on the current one. Stopping the
// iteration early cancels the prefetch.
func (l *Loader) Stream(ctx context.Context, batches iter.Seq[[]geo.BoundingBox]) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		type result struct {
			batch *Batch
			err   error
		}
		results := make(chan result, 1)
		go func() {
			defer close(results)
			for windows := range batches {
				b, err := l.Load(ctx, windows)
				select {
				case results <- result{b, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		defer func() {
			cancel()
			for range results {
			}
		}()
		for r := range results {
			if !yield(r.batch, r.err) {
				return
			}
		}
	}
}

// BatchSamplerFunc adapts a function to BatchSampler.
type BatchSamplerFunc func(epoch int) iter.Seq[[]geo.BoundingBox]

func (f BatchSamplerFunc) Batches(epoch int) iter.Seq[[]geo.BoundingBox] { return f(epoch) }

// EpochStream pairs a sampler with a Loader.
type EpochStream struct {
	Sampler BatchSampler
	Loader  *Loader
}

// Epoch streams the loaded batches of one epoch.
func (s EpochStream) Epoch(ctx context.Context, epoch int) iter.Seq2[*Batch, error] {
	return s.Loader.Stream(ctx, s.Sampler.Batches(epoch))
}
