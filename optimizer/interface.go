package optimizer

import (
	"fmt"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Gradients are read from each parameter's Grad buffer; state save/restore
// backs checkpointing.
type Optimizer interface {
	// Step performs a single optimization step using the current gradients.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// Parameters returns the parameters the optimizer updates.
	Parameters() []*tensor.Parameter

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the learning rate used by the next Step.
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// OptimizerState represents the complete state of an optimizer.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil %s optimizer state", optimizerType)
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
