package training

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/precision"
)

// ErrInvalidConfig is wrapped by configuration validation errors. A missing
// reduced-precision backend wraps precision.ErrBackendUnavailable instead.
var ErrInvalidConfig = errors.New("invalid training configuration")

// Config holds configuration for a training run. It is shared by every
// worker; all workers must run with the same values.
type Config struct {
	// BatchSize is the micro-batch size of one forward/backward pass.
	// A logical batch holds BatchSize*GradientAccumulationSteps samples.
	BatchSize                 int `json:"batch_size"`
	GradientAccumulationSteps int `json:"gradient_accumulation_steps"`

	Iters         int `json:"iters"`
	LogInterval   int `json:"log_interval"`   // 0 disables
	ValidInterval int `json:"valid_interval"` // 0 disables
	SaveInterval  int `json:"save_interval"`  // 0 disables

	ClipGradNorm  *float64 `json:"clip_grad_norm,omitempty"`
	ClipGradValue *float64 `json:"clip_grad_value,omitempty"`

	LR               *float64 `json:"lr,omitempty"`
	LRScheduler      string   `json:"lr_scheduler,omitempty"`
	NumWarmupSteps   int      `json:"num_warmup_steps"`
	NumTrainingSteps int      `json:"num_training_steps"` // 0 means Iters

	FP16            bool    `json:"fp16"`
	FP16OptLevel    string  `json:"fp16_opt_level"`
	FP16AllReduce   bool    `json:"fp16_allreduce"`
	InitLossScale   float64 `json:"init_loss_scale"`
	MinLossScale    float64 `json:"min_loss_scale"`
	LossScaleWindow int     `json:"loss_scale_window"`

	InitCheckpoint string `json:"init_checkpoint,omitempty"`
	ResetOptimizer bool   `json:"reset_optimizer"`
	ResetLR        bool   `json:"reset_lr"`
	SkipUsedData   bool   `json:"skip_used_data"`

	SaveBest         bool   `json:"save_best"`
	ModelPath        string `json:"model_path,omitempty"` // empty disables saving
	CheckpointFormat string `json:"checkpoint_format"`
	KeepCheckpoints  int    `json:"keep_checkpoints"` // 0 keeps all

	// LengthKey names the batch entry that determines the batch length.
	LengthKey string `json:"length_key"`

	// PrefetchDepth is the number of training batches loaded ahead of the
	// step on a background goroutine. 0 loads synchronously.
	PrefetchDepth int `json:"prefetch_depth"`
}

// DefaultConfig returns a single-step-per-batch configuration without
// mixed precision, clipping or a learning rate schedule.
func DefaultConfig() Config {
	return Config{
		BatchSize:                 32,
		GradientAccumulationSteps: 1,
		Iters:                     1000,
		LogInterval:               10,
		ValidInterval:             100,
		SaveInterval:              1000,
		FP16OptLevel:              "O1",
		InitLossScale:             65536,
		MinLossScale:              1,
		LossScaleWindow:           2000,
		CheckpointFormat:          "json",
		LengthKey:                 "inputs",
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks the configuration once, before any training step runs.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return invalid("batch_size must be positive: %d", c.BatchSize)
	}
	if c.GradientAccumulationSteps < 1 {
		return invalid("gradient_accumulation_steps must be positive: %d", c.GradientAccumulationSteps)
	}
	if c.Iters < 1 {
		return invalid("iters must be positive: %d", c.Iters)
	}
	if c.LogInterval < 0 || c.ValidInterval < 0 || c.SaveInterval < 0 {
		return invalid("intervals cannot be negative: log=%d valid=%d save=%d",
			c.LogInterval, c.ValidInterval, c.SaveInterval)
	}

	if c.ClipGradNorm != nil && c.ClipGradValue != nil {
		return invalid("clip_grad_norm and clip_grad_value are mutually exclusive")
	}
	if c.ClipGradNorm != nil && *c.ClipGradNorm <= 0 {
		return invalid("clip_grad_norm must be positive: %g", *c.ClipGradNorm)
	}
	if c.ClipGradValue != nil && *c.ClipGradValue <= 0 {
		return invalid("clip_grad_value must be positive: %g", *c.ClipGradValue)
	}

	if c.LR != nil && *c.LR <= 0 {
		return invalid("lr must be positive: %g", *c.LR)
	}
	if c.LRScheduler != "" {
		if c.LR == nil {
			return invalid("lr_scheduler %q requires lr", c.LRScheduler)
		}
		if !validSchedulerName(c.LRScheduler) {
			return invalid("unknown lr_scheduler %q, expected one of %v", c.LRScheduler, SchedulerNames)
		}
	}
	if c.NumWarmupSteps < 0 || c.NumTrainingSteps < 0 {
		return invalid("num_warmup_steps and num_training_steps cannot be negative")
	}

	if c.FP16 && !precision.Available(c.FP16OptLevel) {
		return errors.Wrapf(precision.ErrBackendUnavailable, "fp16 requested with fp16_opt_level %q", c.FP16OptLevel)
	}

	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return invalid("checkpoint_format: %v", err)
	}
	if c.KeepCheckpoints < 0 {
		return invalid("keep_checkpoints cannot be negative: %d", c.KeepCheckpoints)
	}
	if c.LengthKey == "" {
		return invalid("length_key is required")
	}
	if c.PrefetchDepth < 0 {
		return invalid("prefetch_depth cannot be negative: %d", c.PrefetchDepth)
	}
	return nil
}

// trainingSteps is the schedule length; it defaults to the iteration budget.
func (c Config) trainingSteps() int {
	if c.NumTrainingSteps > 0 {
		return c.NumTrainingSteps
	}
	return c.Iters
}

// precisionConfig overlays the loss scale options on the scaler defaults.
func (c Config) precisionConfig() precision.Config {
	pc := precision.DefaultConfig()
	if c.FP16OptLevel != "" {
		pc.OptLevel = c.FP16OptLevel
	}
	if c.InitLossScale > 0 {
		pc.InitScale = c.InitLossScale
	}
	if c.MinLossScale > 0 {
		pc.MinScale = c.MinLossScale
	}
	if c.LossScaleWindow > 0 {
		pc.GrowthInterval = c.LossScaleWindow
	}
	return pc
}

func (c Config) compression() collective.Compression {
	if c.FP16AllReduce {
		return collective.FP16
	}
	return collective.NoCompression
}

// LoadConfig reads a JSON configuration file on top of DefaultConfig and
// validates it. Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "reading config %s", path)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		return config, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
