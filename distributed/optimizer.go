// Package distributed wraps a local optimizer so that gradients are reduced
// across workers before every step.
//
// Reduction happens either when the configured number of backward passes
// has been recorded, or when Synchronize is called explicitly. Step reduces
// any gradients that are still pending unless it runs inside
// SkipSynchronize, which lets callers clip between reduction and step.
package distributed

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/tensor"
)

// ErrTooManyBackwardPasses is returned when more backward passes are
// recorded after gradients were already reduced for the current step.
var ErrTooManyBackwardPasses = errors.New("gradients computed again after synchronization; call Step or ZeroGrad first")

// Config holds configuration for the distributed optimizer
type Config struct {
	// BackwardPassesPerStep is the number of backward passes after which
	// gradients are reduced automatically.
	BackwardPassesPerStep int
	Op                    collective.ReduceOp
	Compression           collective.Compression
}

// DefaultConfig reduces after every backward pass by averaging, uncompressed.
func DefaultConfig() Config {
	return Config{
		BackwardPassesPerStep: 1,
		Op:                    collective.Average,
		Compression:           collective.NoCompression,
	}
}

// DistributedOptimizer reduces gradients across workers and steps the
// wrapped optimizer.
type DistributedOptimizer struct {
	opt    optimizer.Optimizer
	comm   collective.Collective
	config Config
	logger *log.Logger

	passes       int
	synchronized bool
	skipSync     bool
	reductions   int
}

// NewDistributedOptimizer wraps opt. comm must be shared by every component
// of the worker so that collective calls stay in one ordered sequence.
func NewDistributedOptimizer(opt optimizer.Optimizer, comm collective.Collective, config Config, logger *log.Logger) (*DistributedOptimizer, error) {
	if opt == nil {
		return nil, errors.New("distributed optimizer: nil optimizer")
	}
	if comm == nil {
		return nil, errors.New("distributed optimizer: nil collective")
	}
	if config.BackwardPassesPerStep < 1 {
		return nil, errors.Errorf("backward passes per step must be at least 1, got %d", config.BackwardPassesPerStep)
	}
	return &DistributedOptimizer{
		opt:    opt,
		comm:   comm,
		config: config,
		logger: logger.Named("distributed"),
	}, nil
}

// Optimizer returns the wrapped local optimizer.
func (d *DistributedOptimizer) Optimizer() optimizer.Optimizer {
	return d.opt
}

// Parameters returns the parameters whose gradients are reduced.
func (d *DistributedOptimizer) Parameters() []*tensor.Parameter {
	return d.opt.Parameters()
}

// Synchronized reports whether gradients of the current step were reduced.
func (d *DistributedOptimizer) Synchronized() bool {
	return d.synchronized
}

// BackwardPass records one completed backward pass. Gradients are reduced
// once BackwardPassesPerStep passes have been recorded.
func (d *DistributedOptimizer) BackwardPass(ctx context.Context) error {
	if d.synchronized {
		return ErrTooManyBackwardPasses
	}
	d.passes++
	if d.passes < d.config.BackwardPassesPerStep {
		return nil
	}
	return d.Synchronize(ctx)
}

// Synchronize reduces all pending gradients across workers. It is a no-op
// when the gradients of the current step were already reduced.
func (d *DistributedOptimizer) Synchronize(ctx context.Context) error {
	if d.synchronized {
		return nil
	}
	for _, p := range d.opt.Parameters() {
		name := fmt.Sprintf("grad.%s", p.Name)
		if err := collective.AllReduceCompressed(ctx, d.comm, name, p.Grad, d.config.Op, d.config.Compression); err != nil {
			return errors.WithMessagef(err, "reducing gradient of %s", p.Name)
		}
	}
	d.synchronized = true
	d.reductions++
	d.logger.Debugf("reduced gradients after %d backward passes", d.passes)
	return nil
}

// SkipSynchronize runs fn with the automatic reduction inside Step
// disabled. Use it after calling Synchronize explicitly.
func (d *DistributedOptimizer) SkipSynchronize(fn func() error) error {
	d.skipSync = true
	defer func() { d.skipSync = false }()
	return fn()
}

// Step reduces pending gradients, unless suppressed, and steps the
// wrapped optimizer.
func (d *DistributedOptimizer) Step(ctx context.Context) error {
	if !d.skipSync {
		if err := d.Synchronize(ctx); err != nil {
			return err
		}
	}
	if err := d.opt.Step(); err != nil {
		return err
	}
	d.reset()
	return nil
}

// ZeroGrad clears gradients and the pending-pass counter.
func (d *DistributedOptimizer) ZeroGrad() {
	d.opt.ZeroGrad()
	d.reset()
}

// Reductions returns the number of gradient reductions performed so far.
func (d *DistributedOptimizer) Reductions() int {
	return d.reductions
}

func (d *DistributedOptimizer) reset() {
	d.passes = 0
	d.synchronized = false
}
