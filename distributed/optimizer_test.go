package distributed

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/tensor"
)

func runWorkers(t *testing.T, n int, fn func(ctx context.Context, c collective.Collective) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range collective.NewLocalGroup(n) {
		w := w
		g.Go(func() error { return fn(ctx, w) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// newSGD builds a single-parameter SGD with lr 1. It runs on worker
// goroutines, so it panics instead of calling t.Fatal.
func newSGD(data []float64) (*optimizer.SGD, *tensor.Parameter) {
	p, err := tensor.NewParameter("w", []int{len(data)}, append([]float64(nil), data...))
	if err != nil {
		panic(err)
	}
	opt, err := optimizer.NewSGD([]*tensor.Parameter{p}, optimizer.SGDConfig{LearningRate: 1})
	if err != nil {
		panic(err)
	}
	return opt, p
}

func TestNewDistributedOptimizerValidation(t *testing.T) {
	opt, _ := newSGD([]float64{1})
	if _, err := NewDistributedOptimizer(opt, collective.Solo(), Config{}, nil); err == nil {
		t.Error("Expected error for zero backward passes per step")
	}
	if _, err := NewDistributedOptimizer(nil, collective.Solo(), DefaultConfig(), nil); err == nil {
		t.Error("Expected error for nil optimizer")
	}
}

func TestReductionAfterConfiguredPasses(t *testing.T) {
	var mu sync.Mutex
	results := map[int][]float64{}

	runWorkers(t, 2, func(ctx context.Context, c collective.Collective) error {
		opt, p := newSGD([]float64{0, 0})
		d, err := NewDistributedOptimizer(opt, c, Config{BackwardPassesPerStep: 2, Op: collective.Average}, log.Discard())
		if err != nil {
			return err
		}

		r := float64(c.Rank())
		for pass := 0; pass < 2; pass++ {
			p.Grad[0] += r + 1
			p.Grad[1] += 10 * (r + 1)
			if err := d.BackwardPass(ctx); err != nil {
				return err
			}
			if pass == 0 && d.Synchronized() {
				return fmt.Errorf("rank %d reduced after the first pass", c.Rank())
			}
		}
		if !d.Synchronized() {
			return fmt.Errorf("rank %d did not reduce after the second pass", c.Rank())
		}
		if err := d.BackwardPass(ctx); !errors.Is(err, ErrTooManyBackwardPasses) {
			return fmt.Errorf("expected ErrTooManyBackwardPasses, got %v", err)
		}
		if err := d.Step(ctx); err != nil {
			return err
		}
		if d.Reductions() != 1 {
			return fmt.Errorf("rank %d: expected 1 reduction, got %d", c.Rank(), d.Reductions())
		}

		mu.Lock()
		results[c.Rank()] = append([]float64(nil), p.Data...)
		mu.Unlock()
		return nil
	})

	// mean of accumulated grads: (2*1 + 2*2)/2 = 3 and 30
	for rank, data := range results {
		if math.Abs(data[0]+3) > 1e-12 || math.Abs(data[1]+30) > 1e-12 {
			t.Errorf("rank %d: expected [-3 -30], got %v", rank, data)
		}
	}
}

func TestSynchronizeThenClipGivesIdenticalGradients(t *testing.T) {
	var mu sync.Mutex
	grads := map[int][]float64{}

	runWorkers(t, 3, func(ctx context.Context, c collective.Collective) error {
		opt, p := newSGD([]float64{0, 0})
		d, err := NewDistributedOptimizer(opt, c, Config{BackwardPassesPerStep: 4, Op: collective.Average}, nil)
		if err != nil {
			return err
		}
		// divergent local gradients
		p.Grad[0] = float64(3 * (c.Rank() + 1))
		p.Grad[1] = float64(-4 * (c.Rank() + 1))

		if err := d.Synchronize(ctx); err != nil {
			return err
		}
		optimizer.ClipGradNorm(d.Parameters(), 1)

		mu.Lock()
		grads[c.Rank()] = append([]float64(nil), p.Grad...)
		mu.Unlock()

		return d.SkipSynchronize(func() error { return d.Step(ctx) })
	})

	for rank, g := range grads {
		for i := range g {
			if math.Abs(g[i]-grads[0][i]) > 1e-12 {
				t.Errorf("rank %d: clipped gradient %v differs from rank 0 %v", rank, g, grads[0])
			}
		}
		if norm := math.Hypot(g[0], g[1]); math.Abs(norm-1) > 1e-5 {
			t.Errorf("rank %d: expected clipped norm 1, got %f", rank, norm)
		}
	}
}

func TestStepSynchronizesOnce(t *testing.T) {
	runWorkers(t, 2, func(ctx context.Context, c collective.Collective) error {
		opt, p := newSGD([]float64{0})
		d, err := NewDistributedOptimizer(opt, c, Config{BackwardPassesPerStep: 8, Op: collective.Sum}, nil)
		if err != nil {
			return err
		}
		p.Grad[0] = 1

		// explicit synchronize followed by a plain Step must not reduce again
		if err := d.Synchronize(ctx); err != nil {
			return err
		}
		if err := d.Synchronize(ctx); err != nil {
			return err
		}
		if err := d.Step(ctx); err != nil {
			return err
		}
		if p.Data[0] != -2 {
			return fmt.Errorf("rank %d: expected -2, got %v", c.Rank(), p.Data[0])
		}
		if d.Reductions() != 1 {
			return fmt.Errorf("rank %d: expected 1 reduction, got %d", c.Rank(), d.Reductions())
		}
		return nil
	})
}

func TestZeroGradResetsPendingPasses(t *testing.T) {
	opt, p := newSGD([]float64{0})
	d, _ := NewDistributedOptimizer(opt, collective.Solo(), Config{BackwardPassesPerStep: 2}, nil)
	ctx := context.Background()

	p.Grad[0] = 5
	if err := d.BackwardPass(ctx); err != nil {
		t.Fatal(err)
	}
	d.ZeroGrad()
	if p.Grad[0] != 0 {
		t.Errorf("Expected zeroed gradient, got %v", p.Grad[0])
	}
	if err := d.BackwardPass(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Synchronized() {
		t.Error("Expected pass counter to restart after ZeroGrad")
	}
}
