package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		ModelState: []WeightTensor{
			{Name: "linear.weight", Shape: []int{3, 2}, Data: []float64{1, 2, 3, 4, 5, 6}},
			{Name: "linear.bias", Shape: []int{2}, Data: []float64{-0.5, 0.25}},
		},
		OptimizerState: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"learning_rate": 0.001,
				"step_count":    float64(23),
				"nesterov":      false,
			},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{3, 2}, Data: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, StateType: "m"},
			},
		},
		Iteration:      23,
		Epoch:          2,
		Metrics:        map[string]float64{"loss": 0.125, "acc": 0.9},
		ScalerState:    &ScalerState{Scale: 32768, GoodSteps: 17, OverflowCount: 1, MinScale: 1},
		SchedulerState: &SchedulerState{Name: "linear", Step: 23, BaseLR: 0.01},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model_23.pth")
			saver := NewCheckpointSaver(format)

			original := testCheckpoint()
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			if original.Metadata.RunID == "" {
				t.Error("Expected a run id to be stamped on save")
			}

			// loading detects the format on its own
			loaded, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}

			if loaded.Iteration != 23 || loaded.Epoch != 2 {
				t.Errorf("Expected iteration 23 epoch 2, got %d %d", loaded.Iteration, loaded.Epoch)
			}
			if len(loaded.ModelState) != 2 {
				t.Fatalf("Expected 2 weights, got %d", len(loaded.ModelState))
			}
			for i, w := range loaded.ModelState {
				want := original.ModelState[i]
				if w.Name != want.Name || !tensor.SameShape(w.Shape, want.Shape) {
					t.Errorf("Weight %d: expected %s %v, got %s %v", i, want.Name, want.Shape, w.Name, w.Shape)
				}
				for j := range want.Data {
					if math.Abs(w.Data[j]-want.Data[j]) > 1e-12 {
						t.Errorf("Weight %s[%d]: expected %f, got %f", w.Name, j, want.Data[j], w.Data[j])
					}
				}
			}

			opt := loaded.OptimizerState
			if opt == nil || opt.Type != "Adam" {
				t.Fatalf("Unexpected optimizer state %+v", opt)
			}
			if lr, _ := opt.Parameters["learning_rate"].(float64); lr != 0.001 {
				t.Errorf("Expected learning_rate 0.001, got %v", opt.Parameters["learning_rate"])
			}
			if nesterov, ok := opt.Parameters["nesterov"].(bool); !ok || nesterov {
				t.Errorf("Expected nesterov false, got %v", opt.Parameters["nesterov"])
			}
			if len(opt.StateData) != 1 || opt.StateData[0].StateType != "m" || opt.StateData[0].Data[5] != 0.6 {
				t.Errorf("Unexpected optimizer tensors %+v", opt.StateData)
			}

			if loaded.Metrics["loss"] != 0.125 || loaded.Metrics["acc"] != 0.9 {
				t.Errorf("Unexpected metrics %v", loaded.Metrics)
			}
			if *loaded.ScalerState != *original.ScalerState {
				t.Errorf("Expected scaler state %+v, got %+v", *original.ScalerState, *loaded.ScalerState)
			}
			if *loaded.SchedulerState != *original.SchedulerState {
				t.Errorf("Expected scheduler state %+v, got %+v", *original.SchedulerState, *loaded.SchedulerState)
			}
			if loaded.Metadata.RunID != original.Metadata.RunID {
				t.Errorf("Expected run id %s, got %s", original.Metadata.RunID, loaded.Metadata.RunID)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("Expected created at %v, got %v", original.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
		})
	}
}

func TestCheckpointOptionalFieldsAbsent(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "old.pth")
			ckpt := &Checkpoint{
				ModelState: []WeightTensor{{Name: "w", Shape: []int{1}, Data: []float64{3}}},
				Iteration:  5,
			}
			if err := NewCheckpointSaver(format).SaveCheckpoint(ckpt, path); err != nil {
				t.Fatal(err)
			}
			loaded, err := NewCheckpointSaver(format).LoadCheckpoint(path)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.OptimizerState != nil || loaded.ScalerState != nil || loaded.SchedulerState != nil {
				t.Errorf("Expected absent optional state, got %+v", loaded)
			}
			if len(loaded.Metrics) != 0 {
				t.Errorf("Expected no metrics, got %v", loaded.Metrics)
			}
		})
	}
}

func TestDecodeUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pth")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Expected ErrUnknownFormat, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"proto", FormatProto, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q): unexpected error state %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestLoadModelState(t *testing.T) {
	w, _ := tensor.NewParameter("linear.weight", []int{2, 2}, []float64{9, 9, 9, 9})
	b, _ := tensor.NewParameter("linear.bias", []int{2}, []float64{7, 7})
	extra, _ := tensor.NewParameter("head.weight", []int{2}, []float64{5, 5})
	params := []*tensor.Parameter{w, b, extra}

	weights := []WeightTensor{
		{Name: "linear.weight", Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
		{Name: "linear.bias", Shape: []int{3}, Data: []float64{1, 2, 3}},
		{Name: "old.weight", Shape: []int{1}, Data: []float64{0}},
	}

	missing, unexpected := LoadModelState(params, weights)

	if w.Data[3] != 4 {
		t.Errorf("Expected linear.weight to be loaded, got %v", w.Data)
	}
	if b.Data[0] != 7 || extra.Data[0] != 5 {
		t.Error("Expected mismatched and absent parameters to keep their values")
	}

	wantMissing := []string{"linear.bias", "head.weight"}
	wantUnexpected := []string{"linear.bias", "old.weight"}
	if len(missing) != len(wantMissing) || len(unexpected) != len(wantUnexpected) {
		t.Fatalf("Expected missing %v unexpected %v, got %v %v", wantMissing, wantUnexpected, missing, unexpected)
	}
	for i := range wantMissing {
		if missing[i] != wantMissing[i] {
			t.Errorf("missing[%d]: expected %s, got %s", i, wantMissing[i], missing[i])
		}
	}
	for i := range wantUnexpected {
		if unexpected[i] != wantUnexpected[i] {
			t.Errorf("unexpected[%d]: expected %s, got %s", i, wantUnexpected[i], unexpected[i])
		}
	}
}

func TestExtractWeightsCopies(t *testing.T) {
	p, _ := tensor.NewParameter("w", []int{2}, []float64{1, 2})
	weights := ExtractWeights([]*tensor.Parameter{p})
	p.Data[0] = 100
	if weights[0].Data[0] != 1 {
		t.Error("Expected extracted weights to be a snapshot")
	}
}
