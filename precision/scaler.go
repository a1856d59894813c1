package precision

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/tensor"
)

// Config holds the dynamic loss scale settings.
type Config struct {
	OptLevel       string
	InitScale      float64
	MinScale       float64
	MaxScale       float64
	GrowthFactor   float64
	GrowthInterval int
}

// DefaultConfig returns the dynamic scaling defaults: start at 2^16,
// double after 2000 clean steps, halve on overflow.
func DefaultConfig() Config {
	return Config{
		OptLevel:       "O1",
		InitScale:      65536,
		MinScale:       1,
		MaxScale:       16777216,
		GrowthFactor:   2,
		GrowthInterval: 2000,
	}
}

// Scaler owns the loss scale of one worker. Every worker sees the same
// reduced gradients, so every worker makes the same overflow decision and
// the scales stay in lockstep.
type Scaler struct {
	config  Config
	backend Backend
	params  []*tensor.Parameter
	logger  *log.Logger

	scale         float64
	goodSteps     int
	overflowCount int

	overflow    bool
	stepSkipped bool

	before [][]float64
	delta  []float64
}

// NewScaler creates a scaler over the trainable parameters.
func NewScaler(params []*tensor.Parameter, config Config, logger *log.Logger) (*Scaler, error) {
	backend, err := Lookup(config.OptLevel)
	if err != nil {
		return nil, err
	}
	if config.InitScale <= 0 {
		return nil, errors.Errorf("initial loss scale must be positive: %g", config.InitScale)
	}
	if config.MinScale <= 0 || config.MinScale > config.InitScale {
		return nil, errors.Errorf("min loss scale must be in (0, %g]: %g", config.InitScale, config.MinScale)
	}
	if config.MaxScale < config.InitScale {
		config.MaxScale = config.InitScale
	}
	if config.GrowthFactor <= 1 {
		return nil, errors.Errorf("loss scale growth factor must exceed 1: %g", config.GrowthFactor)
	}
	if config.GrowthInterval < 1 {
		return nil, errors.Errorf("loss scale window must be at least 1: %d", config.GrowthInterval)
	}

	s := &Scaler{
		config:  config,
		backend: backend,
		params:  params,
		logger:  logger.Named("precision"),
		scale:   config.InitScale,
	}
	s.logger.Infof("reduced precision %s enabled, loss scale %g, hardware half-precision: %t",
		backend.Level(), s.scale, backend.HardwareAccelerated())
	return s, nil
}

// Scale returns the current loss scale.
func (s *Scaler) Scale() float64 {
	return s.scale
}

// MasterParams returns the full-precision parameters the optimizer updates.
// Clip these after unscaling.
func (s *Scaler) MasterParams() []*tensor.Parameter {
	return s.params
}

// ScaleLoss runs backward with the current loss scale and then reduce, if
// given. Gradients stay scaled until the scope of the final pass of a step
// closes: then they are unscaled. Anything that must see the scaled
// gradients, such as cross-worker reduction, belongs in reduce.
//
// Each pass's own contribution is checked against the reduced format
// before reduce runs. An overflowing pass leaves Inf in the gradient, as a
// half-precision backward would, so the reduction carries it to every
// worker and all of them skip the step together.
func (s *Scaler) ScaleLoss(final bool, backward func(scale float64) error, reduce func() error) error {
	s.snapshot()
	if err := backward(s.scale); err != nil {
		return err
	}
	s.checkPass()
	if reduce != nil {
		if err := reduce(); err != nil {
			return err
		}
	}
	if final {
		s.unscale()
	}
	return nil
}

// snapshot records the gradients accumulated before the current pass.
func (s *Scaler) snapshot() {
	if len(s.before) != len(s.params) {
		s.before = make([][]float64, len(s.params))
	}
	for i, p := range s.params {
		s.before[i] = append(s.before[i][:0], p.Grad...)
	}
}

// checkPass poisons the gradient of any parameter whose contribution from
// the current pass is not representable in the reduced format.
func (s *Scaler) checkPass() {
	for i, p := range s.params {
		delta := s.delta[:0]
		for j, g := range p.Grad {
			delta = append(delta, g-s.before[i][j])
		}
		s.delta = delta
		if len(p.Grad) > 0 && s.backend.Overflowed(delta) {
			p.Grad[0] = math.Inf(1)
		}
	}
}

// unscale divides the accumulated gradients by the scale. The accumulated
// sum lives in full precision, so only non-finite values count as overflow.
func (s *Scaler) unscale() {
	s.overflow = false
	for _, p := range s.params {
		if !finite(p.Grad) {
			s.overflow = true
			break
		}
	}
	inv := 1 / s.scale
	for _, p := range s.params {
		floats.Scale(inv, p.Grad)
	}
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return false
		}
	}
	return true
}

// Step runs step unless the last unscale found an overflow, then updates
// the loss scale.
func (s *Scaler) Step(step func() error) error {
	s.stepSkipped = s.overflow
	if !s.overflow {
		if err := step(); err != nil {
			return err
		}
	}
	s.update()
	s.overflow = false
	return nil
}

func (s *Scaler) update() {
	if s.stepSkipped {
		prev := s.scale
		s.scale = max(s.scale/s.config.GrowthFactor, s.config.MinScale)
		s.goodSteps = 0
		s.overflowCount++
		s.logger.Warnf("gradient overflow, skipping step, reducing loss scale %g -> %g", prev, s.scale)
		return
	}
	s.overflowCount = 0
	s.goodSteps++
	if s.goodSteps >= s.config.GrowthInterval {
		s.scale = min(s.scale*s.config.GrowthFactor, s.config.MaxScale)
		s.goodSteps = 0
	}
}

// StepSkipped reports whether the most recent Step skipped the optimizer.
func (s *Scaler) StepSkipped() bool {
	return s.stepSkipped
}

// State snapshots the loss scale for a checkpoint.
func (s *Scaler) State() *checkpoints.ScalerState {
	return &checkpoints.ScalerState{
		Scale:         s.scale,
		GoodSteps:     s.goodSteps,
		OverflowCount: s.overflowCount,
		MinScale:      s.config.MinScale,
	}
}

// LoadState restores a checkpointed loss scale.
func (s *Scaler) LoadState(state *checkpoints.ScalerState) error {
	if state == nil {
		return errors.New("nil scaler state")
	}
	if state.Scale <= 0 {
		return errors.Errorf("invalid checkpointed loss scale %g", state.Scale)
	}
	s.scale = state.Scale
	s.goodSteps = state.GoodSteps
	s.overflowCount = state.OverflowCount
	if state.MinScale > 0 {
		s.config.MinScale = state.MinScale
	}
	return nil
}
