package training

import (
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/distributed"
	"github.com/tsawler/go-disttrain/engine"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/precision"
)

// Trainer runs the train/validate loop of one worker. Every worker of the
// group runs its own Trainer with the same Config; the workers meet at
// every collective call in the same order.
type Trainer struct {
	config Config
	comm   collective.Collective
	model  engine.Model
	opt    *distributed.DistributedOptimizer
	engine *engine.Engine
	logger *log.Logger

	scaler    *precision.Scaler
	scheduler *ScheduleStepper
	metrics   *MetricsAggregator
	store     *CheckpointStore

	train DataLoader
	valid DataLoader
	sink  Sink
	hooks engine.Hooks

	progress io.Writer

	iteration     int
	epoch         int
	bestValidLoss float64
}

// TrainerOption configures optional Trainer collaborators.
type TrainerOption func(*Trainer)

// WithValidLoader enables validation every ValidInterval iterations.
func WithValidLoader(l DataLoader) TrainerOption {
	return func(t *Trainer) { t.valid = l }
}

// WithSink sends scalars to s on the coordinating worker.
func WithSink(s Sink) TrainerOption {
	return func(t *Trainer) { t.sink = s }
}

// WithStepHooks installs metric, keep and transform functions.
func WithStepHooks(h engine.Hooks) TrainerOption {
	return func(t *Trainer) { t.hooks = h }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *log.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithProgress renders a progress bar to w on the coordinating worker.
// nil disables it.
func WithProgress(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.progress = w }
}

// NewTrainer validates config and assembles the step engine around model
// and opt. If config.InitCheckpoint is set the checkpoint is restored.
func NewTrainer(config Config, comm collective.Collective, model engine.Model, opt optimizer.Optimizer, train DataLoader, opts ...TrainerOption) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if comm == nil || model == nil || opt == nil || train == nil {
		return nil, errors.New("trainer: collective, model, optimizer and train loader are required")
	}

	t := &Trainer{
		config:        config,
		comm:          comm,
		model:         model,
		train:         train,
		progress:      os.Stderr,
		bestValidLoss: math.Inf(1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = log.New("trainer", log.WithRank(comm.Rank()))
	}

	if config.LR != nil {
		opt.UpdateLearningRate(*config.LR)
	}

	var err error
	if config.FP16 {
		if t.scaler, err = precision.NewScaler(model.Parameters(), config.precisionConfig(), t.logger); err != nil {
			return nil, err
		}
	}

	t.opt, err = distributed.NewDistributedOptimizer(opt, comm, distributed.Config{
		BackwardPassesPerStep: config.GradientAccumulationSteps,
		Op:                    collective.Average,
		Compression:           config.compression(),
	}, t.logger)
	if err != nil {
		return nil, err
	}

	clipper, err := optimizer.NewClipper(config.ClipGradNorm, config.ClipGradValue)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	engineOpts := []engine.Option{
		engine.WithClipper(clipper),
		engine.WithHooks(t.hooks),
		engine.WithLogger(t.logger),
	}
	if t.scaler != nil {
		engineOpts = append(engineOpts, engine.WithScaler(t.scaler))
	}
	if config.LRScheduler != "" {
		schedule, err := NewScheduler(config.LRScheduler, config.NumWarmupSteps, config.trainingSteps())
		if err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
		t.scheduler = NewScheduleStepper(schedule, opt, *config.LR)
		engineOpts = append(engineOpts, engine.WithScheduler(t.scheduler))
	}

	t.engine, err = engine.NewEngine(model, t.opt, engine.Config{
		MicroBatchSize:    config.BatchSize,
		AccumulationSteps: config.GradientAccumulationSteps,
		LengthKey:         config.LengthKey,
	}, engineOpts...)
	if err != nil {
		return nil, err
	}

	var datasetMetrics engine.DatasetMetricsFunc
	if t.hooks.Keeps() {
		datasetMetrics = t.hooks.DatasetMetrics
	}
	t.metrics = NewMetricsAggregator(comm, datasetMetrics, t.logger)

	format, _ := checkpoints.ParseFormat(config.CheckpointFormat)
	t.store = NewCheckpointStore(comm, CheckpointConfig{
		Directory: config.ModelPath,
		Format:    format,
		KeepLast:  config.KeepCheckpoints,
	}, t.logger)

	if config.InitCheckpoint != "" {
		if err := t.Load(config.InitCheckpoint); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Iteration returns the number of completed optimizer steps.
func (t *Trainer) Iteration() int {
	return t.iteration
}

// Epoch returns the current pass over the training data.
func (t *Trainer) Epoch() int {
	return t.epoch
}

// BestValidLoss returns the lowest validation loss seen by this Trainer.
func (t *Trainer) BestValidLoss() float64 {
	return t.bestValidLoss
}

// Scheduler returns the learning rate schedule, or nil.
func (t *Trainer) Scheduler() *ScheduleStepper {
	return t.scheduler
}

// GlobalBatchSize is the number of samples of one optimizer step over
// all workers.
func (t *Trainer) GlobalBatchSize() int {
	return t.config.BatchSize * t.config.GradientAccumulationSteps * t.comm.Size()
}

func (t *Trainer) state() *TrainingState {
	return &TrainingState{
		Iteration: t.iteration,
		Epoch:     t.epoch,
		Params:    t.model.Parameters(),
		Optimizer: t.opt.Optimizer(),
		Scaler:    t.scaler,
		Scheduler: t.scheduler,
	}
}

// Save writes a checkpoint of the current state; see CheckpointStore.Save.
func (t *Trainer) Save(ctx context.Context, suffix string, metrics map[string]float64) (string, error) {
	return t.store.Save(ctx, t.state(), suffix, metrics)
}

// Load restores a checkpoint. Training continues with the iteration after
// the checkpointed one.
func (t *Trainer) Load(path string) error {
	st := t.state()
	if _, err := t.store.Restore(path, st, RestoreOptions{
		ResetOptimizer: t.config.ResetOptimizer,
		ResetLR:        t.config.ResetLR,
	}); err != nil {
		return err
	}
	t.iteration = st.Iteration
	t.epoch = st.Epoch
	return nil
}

func interval(iteration, every int) bool {
	return every > 0 && iteration%every == 0
}

// Train runs until Iters optimizer steps are complete.
func (t *Trainer) Train(ctx context.Context) error {
	if err := distributed.BroadcastParameters(ctx, t.comm, t.model.Parameters(), 0); err != nil {
		return errors.WithMessage(err, "broadcasting parameters")
	}
	if err := distributed.BroadcastOptimizerState(ctx, t.comm, t.opt.Optimizer(), 0); err != nil {
		return errors.WithMessage(err, "broadcasting optimizer state")
	}

	var out io.Writer
	if collective.IsCoordinator(t.comm) {
		out = t.progress
	}

	train := t.train
	if t.config.PrefetchDepth > 0 {
		p, err := NewPrefetchLoader(t.train, t.config.PrefetchDepth)
		if err != nil {
			return err
		}
		defer p.Close()
		train = p
	}

	stream := newBatchStream(train, t.epoch)
	if t.config.SkipUsedData && t.iteration > 0 {
		epoch, skip, sized := ResumePosition(train, t.iteration)
		if !sized {
			t.logger.Infof("Can't get train data loader length, skipping %d batches from the first epoch", skip)
		}
		stream.epoch = epoch
		t.logger.Infof("Skipping %d batches from the dataset from epoch %d...", skip, epoch)
		skipBar := NewProgressBar(out, "Skipping...", skip)
		if err := stream.Skip(ctx, skip, skipBar.Update); err != nil {
			return err
		}
		skipBar.Finish()
	}

	bar := NewProgressBar(out, "Train", t.config.Iters)
	bar.Update(t.iteration)

	t.metrics.Reset(TrainSplit)
	trainLoss, validLoss := math.Inf(1), math.Inf(1)

	for t.iteration < t.config.Iters {
		batch, epoch, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		iteration := t.iteration + 1

		start := time.Now()
		res, err := t.engine.TrainStep(ctx, batch)
		if err != nil {
			return errors.WithMessagef(err, "iteration %d", iteration)
		}
		iterationTime := time.Since(start).Seconds()

		t.iteration, t.epoch = iteration, epoch
		t.metrics.Record(TrainSplit, res.Metrics)
		t.metrics.RecordKept(TrainSplit, res.Kept)

		if interval(iteration, t.config.LogInterval) {
			metrics, err := t.metrics.Flush(ctx, TrainSplit)
			if err != nil {
				return err
			}
			if v, ok := metrics["loss"]; ok {
				trainLoss = v
			}
			t.logTrain(metrics, iterationTime)
			t.flushSink(ctx)
		}

		if t.valid != nil && interval(iteration, t.config.ValidInterval) {
			metrics, err := t.Validate(ctx, t.valid)
			if err != nil {
				return err
			}
			if v, ok := metrics["loss"]; ok {
				validLoss = v
				if v < t.bestValidLoss {
					t.bestValidLoss = v
					if t.config.SaveBest {
						if _, err := t.Save(ctx, "best", metrics); err != nil {
							return err
						}
					}
				}
			}
		}

		if interval(iteration, t.config.SaveInterval) {
			if _, err := t.Save(ctx, "", nil); err != nil {
				return err
			}
		}

		bar.Increment()
		bar.SetPostfix(map[string]float64{
			"train_loss":      trainLoss,
			"valid_loss":      validLoss,
			"best_valid_loss": t.bestValidLoss,
		})
	}

	bar.Finish()
	t.flushSink(ctx)
	t.logger.Infof("Done!")
	return nil
}

// Validate runs a full pass over loader without updating parameters and
// returns the metrics reduced over all workers.
func (t *Trainer) Validate(ctx context.Context, loader DataLoader) (map[string]float64, error) {
	t.logger.Infof("start validation at step %d", t.iteration)

	t.metrics.Reset(ValidSplit)
	if err := loader.Reset(); err != nil {
		return nil, errors.WithMessage(err, "resetting validation loader")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, errors.WithMessage(err, "loading validation batch")
		}
		if batch == nil {
			break
		}
		res, err := t.engine.EvalStep(ctx, batch)
		if err != nil {
			return nil, err
		}
		t.metrics.Record(ValidSplit, res.Metrics)
		t.metrics.RecordKept(ValidSplit, res.Kept)
	}

	metrics, err := t.metrics.Flush(ctx, ValidSplit)
	if err != nil {
		return nil, err
	}
	samples := t.iteration * t.GlobalBatchSize()
	for _, k := range sortedKeys(metrics) {
		t.logger.Infof("Validation %s: %.4f", k, metrics[k])
		t.addScalar(k+"/iterations/valid", metrics[k], t.iteration)
		t.addScalar(k+"/samples/valid", metrics[k], samples)
	}
	return metrics, nil
}

func (t *Trainer) logTrain(metrics map[string]float64, iterationTime float64) {
	samples := t.iteration * t.GlobalBatchSize()
	for _, k := range sortedKeys(metrics) {
		t.logger.Infof("step: %d/%d %s: %.4f", t.iteration, t.config.Iters, k, metrics[k])
		t.addScalar(k+"/iterations/train", metrics[k], t.iteration)
		t.addScalar(k+"/samples/train", metrics[k], samples)
	}
	t.addScalar("time/iterations/per_iter", iterationTime, t.iteration)
	t.addScalar("time/samples/per_iter", iterationTime, samples)

	lr := t.opt.Optimizer().LearningRate()
	t.addScalar("lr/iterations/param_group_0", lr, t.iteration)
	t.addScalar("lr/samples/param_group_0", lr, samples)
}

func (t *Trainer) addScalar(tag string, value float64, step int) {
	if t.sink == nil || !collective.IsCoordinator(t.comm) {
		return
	}
	t.sink.AddScalar(tag, value, step)
}

// flushSink sends buffered scalars on every log interval and at the end of
// training. A failed flush keeps the buffer for the next attempt.
func (t *Trainer) flushSink(ctx context.Context) {
	f, ok := t.sink.(interface{ Flush(context.Context) error })
	if !ok || !collective.IsCoordinator(t.comm) {
		return
	}
	if err := f.Flush(ctx); err != nil {
		t.logger.Warnf("failed to flush scalars: %v", err)
	}
}
