package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/distributed"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/precision"
	"github.com/tsawler/go-disttrain/tensor"
)

// Scheduler advances the learning-rate schedule after an optimizer step.
type Scheduler interface {
	Step()
}

// Config holds the step settings.
type Config struct {
	// MicroBatchSize is the number of samples per forward/backward pass.
	MicroBatchSize int
	// AccumulationSteps divides loss and metrics so that the values of a
	// logical batch are a mean over its sub-batches.
	AccumulationSteps int
	// LengthKey names the batch entry whose leading dimension is the
	// batch size.
	LengthKey string
}

// Engine runs training and evaluation steps for one worker.
type Engine struct {
	config    Config
	model     Model
	opt       *distributed.DistributedOptimizer
	scaler    *precision.Scaler
	clipper   *optimizer.Clipper
	scheduler Scheduler
	hooks     Hooks
	logger    *log.Logger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithScaler enables reduced-precision loss scaling.
func WithScaler(s *precision.Scaler) Option {
	return func(e *Engine) { e.scaler = s }
}

// WithClipper clips reduced gradients before every step.
func WithClipper(c *optimizer.Clipper) Option {
	return func(e *Engine) { e.clipper = c }
}

// WithScheduler advances s once after every optimizer step.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithHooks installs metric, keep and transform functions.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l.Named("engine") }
}

// NewEngine creates a step engine. opt may be nil for an evaluation-only
// engine.
func NewEngine(model Model, opt *distributed.DistributedOptimizer, config Config, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("engine: nil model")
	}
	if config.MicroBatchSize < 1 {
		return nil, errors.Errorf("micro batch size must be positive: %d", config.MicroBatchSize)
	}
	if config.AccumulationSteps < 1 {
		return nil, errors.Errorf("gradient accumulation steps must be positive: %d", config.AccumulationSteps)
	}
	if config.LengthKey == "" {
		return nil, errors.New("engine: length key is required")
	}
	e := &Engine{config: config, model: model, opt: opt}
	for _, o := range opts {
		o(e)
	}
	if e.hooks.BatchMetrics == nil {
		e.hooks.BatchMetrics = LossMetrics
	}
	return e, nil
}

// Hooks returns the installed hooks.
func (e *Engine) Hooks() Hooks {
	return e.hooks
}

// StepResult is the outcome of one logical batch.
type StepResult struct {
	// Metrics are sums of per-sub-batch metrics divided by the
	// accumulation step count.
	Metrics map[string]float64
	// Kept holds retained tensors per key, one entry per sub-batch.
	Kept map[string][]*tensor.Tensor
	// SubBatches is the number of forward passes run.
	SubBatches int
	// GradNorm is the total gradient norm before clipping. It is only
	// measured when clipping is enabled.
	GradNorm float64
	// StepSkipped is set when loss scaling found an overflow and the
	// optimizer step was not applied.
	StepSkipped bool
}

// passFunc runs after the forward pass of sub-batch i of n.
type passFunc func(ctx context.Context, sub tensor.Batch, out *Outputs, weight float64, i, n int) error

// TrainStep runs forward and backward over every sub-batch of batch,
// reduces gradients across workers, clips, steps the optimizer and
// advances the schedule.
func (e *Engine) TrainStep(ctx context.Context, batch tensor.Batch) (*StepResult, error) {
	if e.opt == nil {
		return nil, errors.New("engine: TrainStep requires an optimizer")
	}
	e.opt.ZeroGrad()

	res, err := e.accumulate(ctx, batch, true, e.backward)
	if err != nil {
		return nil, err
	}
	if err := e.finalize(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// EvalStep runs forward passes only and returns the metrics.
func (e *Engine) EvalStep(ctx context.Context, batch tensor.Batch) (*StepResult, error) {
	return e.accumulate(ctx, batch, false, nil)
}

// accumulate is the sub-batch loop shared by TrainStep and EvalStep.
func (e *Engine) accumulate(ctx context.Context, batch tensor.Batch, train bool, pass passFunc) (*StepResult, error) {
	if e.hooks.Transform != nil {
		var err error
		if batch, err = e.hooks.Transform(batch); err != nil {
			return nil, errors.WithMessage(err, "batch transform")
		}
	}

	subs, err := tensor.Split(batch, e.config.LengthKey, e.config.MicroBatchSize)
	if err != nil {
		return nil, err
	}
	if train && len(subs) == 0 {
		return nil, errors.New("engine: empty training batch")
	}

	res := &StepResult{
		Metrics:    make(map[string]float64),
		Kept:       make(map[string][]*tensor.Tensor),
		SubBatches: len(subs),
	}
	weight := 1 / float64(e.config.AccumulationSteps)
	keep := e.hooks.Keeps()

	for i, sub := range subs {
		out, err := e.model.Forward(ctx, sub, train)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward pass on sub-batch %d/%d", i+1, len(subs))
		}

		for k, v := range e.hooks.BatchMetrics(sub, out) {
			res.Metrics[k] += v * weight
		}
		if keep {
			for k, v := range e.hooks.Keep(sub, out) {
				res.Kept[k] = append(res.Kept[k], v)
			}
		}

		if pass != nil {
			if err := pass(ctx, sub, out, weight, i, len(subs)); err != nil {
				return nil, errors.WithMessagef(err, "backward pass on sub-batch %d/%d", i+1, len(subs))
			}
		}
	}
	return res, nil
}

// backward accumulates gradients of the weighted loss. With loss scaling
// the final sub-batch reduces gradients across workers inside the scaling
// scope, while they are still scaled and after the pass is checked for
// overflow.
func (e *Engine) backward(ctx context.Context, sub tensor.Batch, out *Outputs, weight float64, i, n int) error {
	last := i == n-1
	if e.scaler == nil {
		if err := e.model.Backward(ctx, sub, out, weight); err != nil {
			return err
		}
		return e.opt.BackwardPass(ctx)
	}
	// the last pass is recorded inside reduce: recording it may trigger the
	// reduction, which must follow the scaler's check of the pass
	var reduce func() error
	if last {
		reduce = func() error {
			if err := e.opt.BackwardPass(ctx); err != nil {
				return err
			}
			return e.opt.Synchronize(ctx)
		}
	}
	return e.scaler.ScaleLoss(last, func(scale float64) error {
		if err := e.model.Backward(ctx, sub, out, weight*scale); err != nil {
			return err
		}
		if last {
			return nil
		}
		return e.opt.BackwardPass(ctx)
	}, reduce)
}

// finalize reduces, clips and steps once all sub-batches are processed.
// Clipping always sees reduced gradients.
func (e *Engine) finalize(ctx context.Context, res *StepResult) error {
	clip := e.clipper.Enabled()

	switch {
	case e.scaler != nil:
		// already reduced inside the scaling scope
		if clip {
			res.GradNorm = e.clipper.Clip(e.scaler.MasterParams())
		}
		err := e.opt.SkipSynchronize(func() error {
			return e.scaler.Step(func() error { return e.opt.Step(ctx) })
		})
		if err != nil {
			return err
		}
		res.StepSkipped = e.scaler.StepSkipped()
		if res.StepSkipped {
			e.opt.ZeroGrad()
		}
	case clip:
		if err := e.opt.Synchronize(ctx); err != nil {
			return err
		}
		res.GradNorm = e.clipper.Clip(e.opt.Parameters())
		if err := e.opt.SkipSynchronize(func() error { return e.opt.Step(ctx) }); err != nil {
			return err
		}
	default:
		if err := e.opt.Step(ctx); err != nil {
			return err
		}
	}

	if e.scheduler != nil {
		e.scheduler.Step()
	}
	return nil
}
