package training

import (
	"math"
	"testing"
)

type fakeOptimizer struct{ lr float64 }

func (f *fakeOptimizer) UpdateLearningRate(lr float64) { f.lr = lr }

func TestSchedulers(t *testing.T) {
	const baseLR = 0.1
	tests := []struct {
		name  string
		steps map[int]float64
	}{
		{"constant", map[int]float64{0: 0.1, 5: 0.1, 100: 0.1}},
		{"constant_with_warmup", map[int]float64{0: 0, 2: 0.05, 4: 0.1, 50: 0.1}},
		{"linear", map[int]float64{0: 0, 2: 0.05, 4: 0.1, 7: 0.05, 10: 0, 12: 0}},
		{"cosine", map[int]float64{2: 0.05, 4: 0.1, 7: 0.05, 10: 0}},
		{"cosine_with_restarts", map[int]float64{4: 0.1, 7: 0.05, 10: 0}},
		{"polynomial", map[int]float64{2: 0.05, 4: 0.1, 7: (0.1-1e-7)*0.5 + 1e-7, 10: 1e-7, 20: 1e-7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// warmup 4, total 10
			s, err := NewScheduler(tt.name, 4, 10)
			if err != nil {
				t.Fatalf("NewScheduler failed: %v", err)
			}
			if s.GetName() != tt.name {
				t.Errorf("Expected name %s, got %s", tt.name, s.GetName())
			}
			for step, want := range tt.steps {
				if got := s.GetLR(step, baseLR); math.Abs(got-want) > 1e-9 {
					t.Errorf("Step %d: expected LR %g, got %g", step, want, got)
				}
			}
		})
	}
}

func TestCosineWithRestartsCycles(t *testing.T) {
	s := &CosineWithRestartsScheduler{CosineScheduler{TrainingSteps: 10, NumCycles: 2}}
	// two cycles over ten steps: restart at step 5
	if got := s.GetLR(5, 1); math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected restart to full LR at step 5, got %g", got)
	}
	if got := s.GetLR(4, 1); got >= 0.5 {
		t.Errorf("Expected LR near the end of the first cycle to be low, got %g", got)
	}
}

func TestNewSchedulerUnknown(t *testing.T) {
	if _, err := NewScheduler("step", 0, 10); err == nil {
		t.Error("Expected error for unknown scheduler")
	}
	if validSchedulerName("nope") || !validSchedulerName("linear") {
		t.Error("validSchedulerName returned wrong result")
	}
}

func TestScheduleStepper(t *testing.T) {
	opt := &fakeOptimizer{lr: 1}
	sched, _ := NewScheduler("linear", 2, 4)
	s := NewScheduleStepper(sched, opt, 0.2)

	if opt.lr != 0 {
		t.Errorf("Expected warmup to start at 0, got %g", opt.lr)
	}
	want := []float64{0.1, 0.2, 0.1, 0}
	for i, w := range want {
		s.Step()
		if math.Abs(opt.lr-w) > 1e-12 {
			t.Errorf("After step %d: expected %g, got %g", i+1, w, opt.lr)
		}
	}

	state := s.State()
	if state.Step != 4 || state.Name != "linear" || state.BaseLR != 0.2 {
		t.Errorf("Unexpected state %+v", state)
	}

	restored := NewScheduleStepper(sched, opt, 0.2)
	state.Step = 1
	if err := restored.LoadState(state); err != nil {
		t.Fatal(err)
	}
	if math.Abs(opt.lr-0.1) > 1e-12 || restored.LastLR() != opt.lr {
		t.Errorf("Expected restored LR 0.1, got %g", opt.lr)
	}

	other, _ := NewScheduler("cosine", 2, 4)
	if err := NewScheduleStepper(other, opt, 0.2).LoadState(state); err == nil {
		t.Error("Expected error when loading linear state into cosine scheduler")
	}
}
