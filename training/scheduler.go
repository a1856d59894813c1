package training

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/tsawler/go-disttrain/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedules are pure functions of the step; the ScheduleStepper owns the
// step counter.
type LRScheduler interface {
	// GetLR returns the learning rate after step optimizer steps
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name used in configuration and checkpoints
	GetName() string
}

// warmup is the linear ramp shared by every warmup schedule.
func warmup(step, warmupSteps int) (float64, bool) {
	if step < warmupSteps {
		return float64(step) / float64(max(1, warmupSteps)), true
	}
	return 0, false
}

// ConstantScheduler maintains constant learning rate
type ConstantScheduler struct{}

func (s *ConstantScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantScheduler) GetName() string {
	return "constant"
}

// ConstantWithWarmupScheduler ramps up linearly, then stays constant
type ConstantWithWarmupScheduler struct {
	WarmupSteps int
}

func (s *ConstantWithWarmupScheduler) GetLR(step int, baseLR float64) float64 {
	if f, ok := warmup(step, s.WarmupSteps); ok {
		return baseLR * f
	}
	return baseLR
}

func (s *ConstantWithWarmupScheduler) GetName() string {
	return "constant_with_warmup"
}

// LinearScheduler ramps up, then decays linearly to zero at TrainingSteps
type LinearScheduler struct {
	WarmupSteps   int
	TrainingSteps int
}

func (s *LinearScheduler) GetLR(step int, baseLR float64) float64 {
	if f, ok := warmup(step, s.WarmupSteps); ok {
		return baseLR * f
	}
	remaining := float64(s.TrainingSteps-step) / float64(max(1, s.TrainingSteps-s.WarmupSteps))
	return baseLR * math.Max(0, remaining)
}

func (s *LinearScheduler) GetName() string {
	return "linear"
}

// CosineScheduler ramps up, then follows NumCycles cosine waves down to zero
type CosineScheduler struct {
	WarmupSteps   int
	TrainingSteps int
	NumCycles     float64 // 0.5 decays from max to zero once
}

func (s *CosineScheduler) progress(step int) float64 {
	return float64(step-s.WarmupSteps) / float64(max(1, s.TrainingSteps-s.WarmupSteps))
}

func (s *CosineScheduler) GetLR(step int, baseLR float64) float64 {
	if f, ok := warmup(step, s.WarmupSteps); ok {
		return baseLR * f
	}
	p := s.progress(step)
	return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*s.NumCycles*2*p)))
}

func (s *CosineScheduler) GetName() string {
	return "cosine"
}

// CosineWithRestartsScheduler restarts the cosine decay NumCycles times
type CosineWithRestartsScheduler struct {
	CosineScheduler
}

func (s *CosineWithRestartsScheduler) GetLR(step int, baseLR float64) float64 {
	if f, ok := warmup(step, s.WarmupSteps); ok {
		return baseLR * f
	}
	p := s.progress(step)
	if p >= 1 {
		return 0
	}
	return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*math.Mod(s.NumCycles*p, 1))))
}

func (s *CosineWithRestartsScheduler) GetName() string {
	return "cosine_with_restarts"
}

// PolynomialScheduler ramps up, then decays polynomially to LREnd
type PolynomialScheduler struct {
	WarmupSteps   int
	TrainingSteps int
	LREnd         float64
	Power         float64
}

func (s *PolynomialScheduler) GetLR(step int, baseLR float64) float64 {
	if f, ok := warmup(step, s.WarmupSteps); ok {
		return baseLR * f
	}
	if step > s.TrainingSteps {
		return s.LREnd
	}
	decaySteps := float64(max(1, s.TrainingSteps-s.WarmupSteps))
	remaining := 1 - float64(step-s.WarmupSteps)/decaySteps
	return (baseLR-s.LREnd)*math.Pow(remaining, s.Power) + s.LREnd
}

func (s *PolynomialScheduler) GetName() string {
	return "polynomial"
}

// SchedulerNames lists the names accepted by NewScheduler.
var SchedulerNames = []string{
	"constant",
	"constant_with_warmup",
	"cosine",
	"cosine_with_restarts",
	"linear",
	"polynomial",
}

// NewScheduler creates a schedule by name.
func NewScheduler(name string, warmupSteps, trainingSteps int) (LRScheduler, error) {
	if warmupSteps < 0 {
		return nil, errors.Errorf("warmup steps cannot be negative: %d", warmupSteps)
	}
	switch name {
	case "constant":
		return &ConstantScheduler{}, nil
	case "constant_with_warmup":
		return &ConstantWithWarmupScheduler{WarmupSteps: warmupSteps}, nil
	case "linear":
		return &LinearScheduler{WarmupSteps: warmupSteps, TrainingSteps: trainingSteps}, nil
	case "cosine":
		return &CosineScheduler{WarmupSteps: warmupSteps, TrainingSteps: trainingSteps, NumCycles: 0.5}, nil
	case "cosine_with_restarts":
		return &CosineWithRestartsScheduler{CosineScheduler{WarmupSteps: warmupSteps, TrainingSteps: trainingSteps, NumCycles: 1}}, nil
	case "polynomial":
		return &PolynomialScheduler{WarmupSteps: warmupSteps, TrainingSteps: trainingSteps, LREnd: 1e-7, Power: 1}, nil
	}
	return nil, errors.Errorf("unknown lr scheduler %q, expected one of %v", name, SchedulerNames)
}

func validSchedulerName(name string) bool {
	return slices.Contains(SchedulerNames, name)
}

// learningRateSetter is the part of an optimizer a schedule drives.
type learningRateSetter interface {
	UpdateLearningRate(lr float64)
}

// ScheduleStepper applies a schedule to an optimizer, one step per
// completed optimizer step.
type ScheduleStepper struct {
	scheduler LRScheduler
	opt       learningRateSetter
	baseLR    float64
	step      int
	lastLR    float64
}

// NewScheduleStepper sets the optimizer's learning rate to the schedule's
// value at step zero.
func NewScheduleStepper(scheduler LRScheduler, opt learningRateSetter, baseLR float64) *ScheduleStepper {
	s := &ScheduleStepper{scheduler: scheduler, opt: opt, baseLR: baseLR}
	s.apply()
	return s
}

func (s *ScheduleStepper) apply() {
	s.lastLR = s.scheduler.GetLR(s.step, s.baseLR)
	s.opt.UpdateLearningRate(s.lastLR)
}

// Step advances the schedule by one optimizer step.
func (s *ScheduleStepper) Step() {
	s.step++
	s.apply()
}

// LastLR returns the learning rate most recently applied.
func (s *ScheduleStepper) LastLR() float64 {
	return s.lastLR
}

// Steps returns the number of completed steps.
func (s *ScheduleStepper) Steps() int {
	return s.step
}

// State snapshots the schedule position for a checkpoint.
func (s *ScheduleStepper) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Name:   s.scheduler.GetName(),
		Step:   s.step,
		BaseLR: s.baseLR,
	}
}

// LoadState restores a checkpointed position and reapplies the learning rate.
func (s *ScheduleStepper) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return errors.New("nil scheduler state")
	}
	if state.Name != s.scheduler.GetName() {
		return errors.Errorf("checkpoint holds %q scheduler state, configured scheduler is %q",
			state.Name, s.scheduler.GetName())
	}
	if state.Step < 0 {
		return errors.Errorf("invalid scheduler step %d", state.Step)
	}
	s.step = state.Step
	if state.BaseLR > 0 {
		s.baseLR = state.BaseLR
	}
	s.apply()
	return nil
}
