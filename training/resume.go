package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// ErrEmptyDataset is returned when a pass over the training data yields
// no batches.
var ErrEmptyDataset = errors.New("training data loader produced no batches")

// ResumePosition returns where the batch stream resumes after completed
// optimizer steps. With a known number of batches per epoch it jumps to
// the epoch and skips the remainder; otherwise it replays completed
// batches from epoch 0. The position is a batch index only: the replayed
// samples match the original run only if the loader's order is a function
// of the epoch.
func ResumePosition(loader DataLoader, completed int) (epoch, skip int, sized bool) {
	if s, ok := loader.(Sized); ok {
		if bpe := s.Len(); bpe > 0 {
			return completed / bpe, completed % bpe, true
		}
	}
	return 0, completed, false
}

// batchStream yields training batches across epochs. The epoch advances
// when a pass is exhausted and another batch is requested.
type batchStream struct {
	loader  DataLoader
	epoch   int
	started bool
	yielded int
}

func newBatchStream(loader DataLoader, epoch int) *batchStream {
	return &batchStream{loader: loader, epoch: epoch}
}

func (s *batchStream) begin() error {
	if es, ok := s.loader.(EpochSetter); ok {
		es.SetEpoch(s.epoch)
	}
	s.started = true
	s.yielded = 0
	return s.loader.Reset()
}

// Next returns the next batch and the epoch it belongs to.
func (s *batchStream) Next(ctx context.Context) (tensor.Batch, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if !s.started {
		if err := s.begin(); err != nil {
			return nil, 0, err
		}
	}
	for {
		b, err := s.loader.Next()
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "loading batch %d of epoch %d", s.yielded, s.epoch)
		}
		if b != nil {
			s.yielded++
			return b, s.epoch, nil
		}
		if s.yielded == 0 {
			return nil, 0, ErrEmptyDataset
		}
		s.epoch++
		if err := s.begin(); err != nil {
			return nil, 0, err
		}
	}
}

// Skip discards n batches, calling progress after each one.
func (s *batchStream) Skip(ctx context.Context, n int, progress func(i int)) error {
	for i := 0; i < n; i++ {
		if _, _, err := s.Next(ctx); err != nil {
			return errors.WithMessagef(err, "skipping batch %d/%d", i+1, n)
		}
		if progress != nil {
			progress(i + 1)
		}
	}
	return nil
}
