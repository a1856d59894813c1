package optimizer

import (
	"fmt"

	"github.com/tsawler/go-disttrain/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState snapshots a single state buffer for checkpointing.
func extractBufferState(buffer []float64, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float64, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer.
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat64Param safely extracts a float parameter from the state map.
// Numbers decoded from JSON or structpb arrive as float64.
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
