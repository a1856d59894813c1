package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	// Decoupled applies weight decay directly to the weights (AdamW)
	// instead of adding it to the gradient.
	Decoupled bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements Adam and AdamW.
type Adam struct {
	config AdamConfig
	params []*tensor.Parameter

	momentumBuffers [][]float64 // first moment
	varianceBuffers [][]float64 // second moment
	scratch         []float64

	stepCount uint64
}

// NewAdam creates a new Adam optimizer over params.
func NewAdam(params []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &Adam{
		config:          config,
		params:          params,
		momentumBuffers: make([][]float64, len(params)),
		varianceBuffers: make([][]float64, len(params)),
	}
	largest := 0
	for i, p := range params {
		adam.momentumBuffers[i] = make([]float64, len(p.Data))
		adam.varianceBuffers[i] = make([]float64, len(p.Data))
		if len(p.Data) > largest {
			largest = len(p.Data)
		}
	}
	adam.scratch = make([]float64, largest)
	return adam, nil
}

func (adam *Adam) name() string {
	if adam.config.Decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.stepCount++
	c := adam.config
	bias1 := 1 - math.Pow(c.Beta1, float64(adam.stepCount))
	bias2 := 1 - math.Pow(c.Beta2, float64(adam.stepCount))
	stepSize := c.LearningRate / bias1

	for i, p := range adam.params {
		g := adam.scratch[:len(p.Grad)]
		copy(g, p.Grad)

		if c.WeightDecay > 0 {
			if c.Decoupled {
				floats.Scale(1-c.LearningRate*c.WeightDecay, p.Data)
			} else {
				floats.AddScaled(g, c.WeightDecay, p.Data)
			}
		}

		m := adam.momentumBuffers[i]
		v := adam.varianceBuffers[i]
		for j, gj := range g {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*gj
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*gj*gj
			denom := math.Sqrt(v[j])/math.Sqrt(bias2) + c.Epsilon
			p.Data[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.params)
}

func (adam *Adam) Parameters() []*tensor.Parameter {
	return adam.params
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: adam.name(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params)),
	}

	for i, p := range adam.params {
		state.StateData = append(state.StateData,
			*extractBufferState(adam.momentumBuffers[i], p.Shape, fmt.Sprintf("momentum_%d", i), "m"),
			*extractBufferState(adam.varianceBuffers[i], p.Shape, fmt.Sprintf("variance_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.name(), state); err != nil {
		return err
	}

	adam.config.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index %d in state %q", idx, st.Name)
		}
		var err error
		switch st.StateType {
		case "m":
			err = restoreBufferState(adam.momentumBuffers[idx], st.Data, st.Name)
		case "v":
			err = restoreBufferState(adam.varianceBuffers[idx], st.Data, st.Name)
		default:
			err = fmt.Errorf("unknown Adam state type %q", st.StateType)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStepCount returns the current optimization step number
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

func (adam *Adam) LearningRate() float64 {
	return adam.config.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adam *Adam) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}
