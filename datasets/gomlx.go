package datasets

import (
	"context"
	"io"
	"iter"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/stormseg/geo"
)

// BatchSampler produces the window batches of one epoch.
type BatchSampler interface {
	Batches(epoch int) iter.Seq[[]geo.BoundingBox]
}

// SamplerDataset implements gomlx's train.Dataset on top of a sampler and a
// Loader. Yield returns io.EOF at the end of an epoch; Reset moves on to the
// next epoch.
type SamplerDataset struct {
	name    string
	sampler BatchSampler
	loader  *Loader
	ctx     context.Context

	// Prepare, when set, transforms each batch before conversion, e.g.
	// channel adaptation and normalisation.
	Prepare func(*Batch) (*Batch, error)

	epoch int
	next  func() (*Batch, error, bool)
	stop  func()
}

// NewSamplerDataset starts at epoch 0.
func NewSamplerDataset(ctx context.Context, name string, sampler BatchSampler, loader *Loader) *SamplerDataset {
	return &SamplerDataset{name: name, sampler: sampler, loader: loader, ctx: ctx}
}

// Name returns the name of the dataset.
func (d *SamplerDataset) Name() string { return d.name }

// Epoch returns the epoch Yield is currently serving.
func (d *SamplerDataset) Epoch() int { return d.epoch }

// Yield returns the next batch as gomlx tensors: inputs holds the
// [N, C, H, W] images and labels the [N, H, W] class ids.
func (d *SamplerDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.next == nil {
		d.next, d.stop = iter.Pull2(d.loader.Stream(d.ctx, d.sampler.Batches(d.epoch)))
	}
	for {
		b, err, ok := d.next()
		if !ok {
			return nil, nil, nil, io.EOF
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if b.Len() == 0 {
			continue
		}
		if d.Prepare != nil {
			if b, err = d.Prepare(b); err != nil {
				return nil, nil, nil, err
			}
		}
		flat, err := MakeTileBatchFlat(b)
		if err != nil {
			return nil, nil, nil, err
		}
		in, la, err := flat.ToGomlxTensors()
		if err != nil {
			return nil, nil, nil, err
		}
		return d.name, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
	}
}

// Reset ends the current epoch and starts the next.
func (d *SamplerDataset) Reset() {
	if d.stop != nil {
		d.stop()
	}
	d.next, d.stop = nil, nil
	d.epoch++
}
