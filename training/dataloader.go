package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// DataLoader produces a restartable sequence of batches.
type DataLoader interface {
	// Reset starts a new pass over the data
	Reset() error
	// Next returns the next batch, or nil at the end of the pass
	Next() (tensor.Batch, error)
}

// Sized is implemented by loaders that know their batches per pass.
type Sized interface {
	Len() int
}

// EpochSetter is implemented by loaders whose order depends on the epoch.
// SetEpoch is called before Reset at the start of every pass.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// SliceLoaderConfig configures a SliceLoader.
type SliceLoaderConfig struct {
	BatchSize int
	LengthKey string
	Shuffle   bool
	Seed      int64
	Rank      int
	WorldSize int
	DropLast  bool
}

// SliceLoader batches an in-memory table of samples. Each worker sees a
// disjoint shard of every epoch's permutation; the permutation depends
// only on Seed and the epoch, so every worker derives the same one.
type SliceLoader struct {
	config  SliceLoaderConfig
	data    tensor.Batch
	samples int

	epoch    int
	indices  []int
	position int
}

// NewSliceLoader creates a loader over data, whose entries share the
// leading dimension of data[config.LengthKey].
func NewSliceLoader(data tensor.Batch, config SliceLoaderConfig) (*SliceLoader, error) {
	if config.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive: %d", config.BatchSize)
	}
	if config.WorldSize == 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	n, err := data.Len(config.LengthKey)
	if err != nil {
		return nil, err
	}
	for k, t := range data {
		if t.Rows() != n {
			return nil, errors.Errorf("entry %q has %d rows, %q has %d", k, t.Rows(), config.LengthKey, n)
		}
	}
	l := &SliceLoader{config: config, data: data, samples: n}
	l.shard()
	return l, nil
}

// shard computes this worker's sample indices for the current epoch. The
// permutation is padded by wrapping so that every worker gets the same
// number of samples.
func (l *SliceLoader) shard() {
	order := make([]int, l.samples)
	for i := range order {
		order[i] = i
	}
	if l.config.Shuffle {
		order = rand.New(rand.NewSource(l.config.Seed + int64(l.epoch))).Perm(l.samples)
	}
	world := l.config.WorldSize
	perWorker := (l.samples + world - 1) / world
	l.indices = l.indices[:0]
	if l.samples == 0 {
		return
	}
	for i := l.config.Rank; i < perWorker*world; i += world {
		l.indices = append(l.indices, order[i%l.samples])
	}
}

// SetEpoch selects the epoch's permutation.
func (l *SliceLoader) SetEpoch(epoch int) {
	l.epoch = epoch
}

// Len returns the number of batches per pass on this worker.
func (l *SliceLoader) Len() int {
	if l.config.DropLast {
		return len(l.indices) / l.config.BatchSize
	}
	return (len(l.indices) + l.config.BatchSize - 1) / l.config.BatchSize
}

// Reset starts a new pass.
func (l *SliceLoader) Reset() error {
	l.shard()
	l.position = 0
	return nil
}

// Next returns the next batch or nil if the pass is complete.
func (l *SliceLoader) Next() (tensor.Batch, error) {
	end := l.position + l.config.BatchSize
	if end > len(l.indices) {
		if l.config.DropLast {
			return nil, nil
		}
		end = len(l.indices)
	}
	if l.position >= end {
		return nil, nil
	}
	idx := l.indices[l.position:end]
	l.position = end

	batch := make(tensor.Batch, len(l.data))
	for k, t := range l.data {
		rows, err := gatherRows(t, idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %q", k)
		}
		batch[k] = rows
	}
	return batch, nil
}

func gatherRows(t *tensor.Tensor, idx []int) (*tensor.Tensor, error) {
	rowSize := 0
	if t.Rows() > 0 {
		rowSize = len(t.Data) / t.Rows()
	}
	data := make([]float64, 0, len(idx)*rowSize)
	for _, i := range idx {
		data = append(data, t.Row(i)...)
	}
	shape := append([]int{len(idx)}, t.Shape[1:]...)
	return tensor.New(shape, data)
}

// unsized hides the length of a loader, as for a streaming source.
type unsized struct {
	loader DataLoader
}

// Unsized wraps l so that it no longer reports its length.
func Unsized(l DataLoader) DataLoader {
	return &unsized{loader: l}
}

func (u *unsized) Reset() error                { return u.loader.Reset() }
func (u *unsized) Next() (tensor.Batch, error) { return u.loader.Next() }

func (u *unsized) SetEpoch(epoch int) {
	if s, ok := u.loader.(EpochSetter); ok {
		s.SetEpoch(epoch)
	}
}
