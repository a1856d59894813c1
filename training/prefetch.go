package training

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// prefetched is one produced batch or the error that ended the pass.
type prefetched struct {
	batch tensor.Batch
	err   error
}

// PrefetchLoader loads up to depth batches ahead of the consumer on a
// background goroutine. Batch order is that of the wrapped loader, whose
// Next is only ever called from the producer.
type PrefetchLoader struct {
	loader DataLoader
	depth  int

	mu         sync.RWMutex
	batches    chan prefetched
	cancel     context.CancelFunc
	done       chan struct{}
	produced   uint64
	generation uint64
}

// PrefetchStats describes the loader's pipeline.
type PrefetchStats struct {
	Running         bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // passes started
}

// NewPrefetchLoader wraps loader. A depth below 1 defaults to 2.
func NewPrefetchLoader(loader DataLoader, depth int) (*PrefetchLoader, error) {
	if loader == nil {
		return nil, errors.New("prefetch: data loader cannot be nil")
	}
	if depth < 1 {
		depth = 2
	}
	return &PrefetchLoader{loader: loader, depth: depth}, nil
}

// Len forwards the wrapped loader's length, or 0 when it has none.
func (p *PrefetchLoader) Len() int {
	if s, ok := p.loader.(Sized); ok {
		return s.Len()
	}
	return 0
}

// SetEpoch forwards to the wrapped loader. It must be called before Reset.
func (p *PrefetchLoader) SetEpoch(epoch int) {
	p.stop()
	if s, ok := p.loader.(EpochSetter); ok {
		s.SetEpoch(epoch)
	}
}

// Reset stops the current pass, resets the wrapped loader and starts
// producing the next pass.
func (p *PrefetchLoader) Reset() error {
	p.stop()
	if err := p.loader.Reset(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan prefetched, p.depth)
	done := make(chan struct{})

	p.mu.Lock()
	p.batches, p.cancel, p.done = batches, cancel, done
	p.generation++
	p.mu.Unlock()

	go p.produce(ctx, batches, done)
	return nil
}

func (p *PrefetchLoader) produce(ctx context.Context, batches chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(batches)
	for {
		b, err := p.loader.Next()
		if b == nil && err == nil {
			return
		}
		select {
		case batches <- prefetched{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		p.mu.Lock()
		p.produced++
		p.mu.Unlock()
	}
}

// Next blocks until the next batch is ready. It returns nil at the end of
// the pass.
func (p *PrefetchLoader) Next() (tensor.Batch, error) {
	p.mu.RLock()
	batches := p.batches
	p.mu.RUnlock()
	if batches == nil {
		return nil, errors.New("prefetch: Next called before Reset")
	}
	item, ok := <-batches
	if !ok {
		return nil, nil
	}
	return item.batch, item.err
}

// stop cancels the producer and waits for it to exit.
func (p *PrefetchLoader) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.batches, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops background loading.
func (p *PrefetchLoader) Close() error {
	p.stop()
	return nil
}

// Stats returns a snapshot of the pipeline.
func (p *PrefetchLoader) Stats() PrefetchStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := PrefetchStats{
		Running:         p.batches != nil,
		BatchesProduced: p.produced,
		QueueCapacity:   p.depth,
		Generation:      p.generation,
	}
	if p.batches != nil {
		s.QueuedBatches = len(p.batches)
	}
	return s
}
