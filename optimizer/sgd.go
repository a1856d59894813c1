package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay.
type SGD struct {
	config SGDConfig
	params []*tensor.Parameter

	// momentum buffers, allocated lazily on the first step when momentum > 0
	momentumBuffers [][]float64
	scratch         [][]float64

	stepCount uint64
}

// NewSGD creates a new SGD optimizer over params.
func NewSGD(params []*tensor.Parameter, config SGDConfig) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	sgd := &SGD{
		config:  config,
		params:  params,
		scratch: make([][]float64, len(params)),
	}
	for i, p := range params {
		sgd.scratch[i] = make([]float64, len(p.Data))
	}
	if config.Momentum > 0 {
		sgd.momentumBuffers = make([][]float64, len(params))
	}
	return sgd, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	for i, p := range sgd.params {
		d := sgd.scratch[i]
		copy(d, p.Grad)

		if sgd.config.WeightDecay > 0 {
			floats.AddScaled(d, sgd.config.WeightDecay, p.Data)
		}

		if sgd.config.Momentum > 0 {
			buf := sgd.momentumBuffers[i]
			if buf == nil {
				buf = make([]float64, len(d))
				copy(buf, d)
				sgd.momentumBuffers[i] = buf
			} else {
				floats.Scale(sgd.config.Momentum, buf)
				floats.AddScaled(buf, 1-sgd.config.Dampening, d)
			}

			if sgd.config.Nesterov {
				floats.AddScaled(d, sgd.config.Momentum, buf)
			} else {
				copy(d, buf)
			}
		}

		floats.AddScaled(p.Data, -sgd.config.LearningRate, d)
	}

	sgd.stepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

func (sgd *SGD) Parameters() []*tensor.Parameter {
	return sgd.params
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"dampening":     sgd.config.Dampening,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      sgd.config.Nesterov,
			"step_count":    float64(sgd.stepCount),
		},
		StateData: []checkpoints.OptimizerTensor{},
	}

	for i, buf := range sgd.momentumBuffers {
		if t := extractBufferState(buf, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			state.StateData = append(state.StateData, *t)
		}
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.config.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.Dampening = extractFloat64Param(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if sgd.config.Momentum > 0 {
		sgd.momentumBuffers = make([][]float64, len(sgd.params))
	} else {
		sgd.momentumBuffers = nil
	}

	for _, st := range state.StateData {
		if st.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(sgd.params) || sgd.momentumBuffers == nil {
			return fmt.Errorf("momentum state %q does not match %d parameters", st.Name, len(sgd.params))
		}
		buf := make([]float64, len(sgd.params[idx].Data))
		if err := restoreBufferState(buf, st.Data, st.Name); err != nil {
			return err
		}
		sgd.momentumBuffers[idx] = buf
	}
	return nil
}

// GetStepCount returns the current optimization step number
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

func (sgd *SGD) LearningRate() float64 {
	return sgd.config.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGD) UpdateLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}
