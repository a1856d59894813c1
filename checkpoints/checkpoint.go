package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// ErrUnknownFormat is returned when a checkpoint file is neither JSON nor
// the binary wire format.
var ErrUnknownFormat = errors.New("unknown checkpoint format")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration string to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "json", "JSON":
		return FormatJSON, nil
	case "proto", "protobuf", "Proto":
		return FormatProto, nil
	}
	return 0, errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// Checkpoint is a complete training snapshot: model weights, optimizer
// state, counters and the optional scaler and schedule state.
type Checkpoint struct {
	ModelState     []WeightTensor     `json:"model_state_dict"`
	OptimizerState *OptimizerState    `json:"optimizer_state_dict,omitempty"`
	Iteration      int                `json:"iteration"`
	Epoch          int                `json:"epoch"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	ScalerState    *ScalerState       `json:"amp,omitempty"`
	SchedulerState *SchedulerState    `json:"lr_scheduler_state_dict,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// ScalerState is the dynamic loss scale of a reduced-precision run.
type ScalerState struct {
	Scale         float64 `json:"scale"`
	GoodSteps     int     `json:"good_steps"`
	OverflowCount int     `json:"overflow_count"`
	MinScale      float64 `json:"min_scale"`
}

// SchedulerState is the position of a learning-rate schedule.
type SchedulerState struct {
	Name   string  `json:"name"`
	Step   int     `json:"step"`
	BaseLR float64 `json:"base_lr"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// NewRunID returns a fresh identifier stamped into every checkpoint of a run.
func NewRunID() string {
	return uuid.NewString()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format used for writing.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to path. The file is replaced
// atomically so a crash never leaves a truncated snapshot behind.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-disttrain"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	case FormatProto:
		data, err = marshalProto(checkpoint)
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written in either format. The format
// is detected from the file contents, not from the saver's own format.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	return Decode(data)
}

// Decode parses checkpoint bytes, detecting the format.
func Decode(data []byte) (*Checkpoint, error) {
	switch {
	case bytes.HasPrefix(data, protoMagic):
		ckpt, err := unmarshalProto(data[len(protoMagic):])
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return ckpt, nil
	case bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("{")):
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	}
	return nil, ErrUnknownFormat
}

// ExtractWeights snapshots parameter values for a checkpoint.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return weights
}

// LoadModelState copies checkpointed weights into params by name. It never
// fails: parameters with no matching weight of the same shape are returned
// as missing and keep their current values; weights with no matching
// parameter are returned as unexpected. A shape mismatch is reported in
// both lists.
func LoadModelState(params []*tensor.Parameter, weights []WeightTensor) (missing, unexpected []string) {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	known := make(map[string]bool, len(params))

	for _, p := range params {
		known[p.Name] = true
		w, ok := byName[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !tensor.SameShape(p.Shape, w.Shape) || len(w.Data) != len(p.Data) {
			missing = append(missing, p.Name)
			unexpected = append(unexpected, w.Name)
			continue
		}
		copy(p.Data, w.Data)
	}

	for _, w := range weights {
		if !known[w.Name] {
			unexpected = append(unexpected, w.Name)
		}
	}
	return missing, unexpected
}
