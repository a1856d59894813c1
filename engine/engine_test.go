package engine_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/distributed"
	"github.com/tsawler/go-disttrain/engine"
	"github.com/tsawler/go-disttrain/layers"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/precision"
	"github.com/tsawler/go-disttrain/tensor"
)

const tolerance = 1e-9

type countingScheduler struct{ steps int }

func (s *countingScheduler) Step() { s.steps++ }

func newModel(seed int64) *layers.Sequential {
	spec, err := layers.NewModelBuilder([]int{1, 3}).
		AddDense(4, true, "hidden").
		AddTanh("act").
		AddDense(1, true, "output").
		Compile()
	if err != nil {
		panic(err)
	}
	m, err := layers.Build(spec, seed)
	if err != nil {
		panic(err)
	}
	return m
}

func makeBatch(n int, offset float64) tensor.Batch {
	x := make([]float64, n*3)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			x[i*3+j] = math.Sin(offset + float64(i*3+j))
		}
		y[i] = x[i*3] - 0.5*x[i*3+1] + 0.25*x[i*3+2] + offset
	}
	return tensor.Batch{
		layers.InputKey:  tensor.MustNew([]int{n, 3}, x),
		layers.TargetKey: tensor.MustNew([]int{n, 1}, y),
	}
}

func withHooks(h engine.Hooks) func([]*tensor.Parameter) []engine.Option {
	return func([]*tensor.Parameter) []engine.Option {
		return []engine.Option{engine.WithHooks(h)}
	}
}

type fixture struct {
	model  *layers.Sequential
	opt    *distributed.DistributedOptimizer
	engine *engine.Engine
	sched  *countingScheduler
}

// newFixture builds a model, optimizer and engine. extra may derive
// further options from the model parameters.
func newFixture(comm collective.Collective, micro, accum int, lr float64, extra func(params []*tensor.Parameter) []engine.Option) fixture {
	model := newModel(3)
	var opts []engine.Option
	if extra != nil {
		opts = extra(model.Parameters())
	}
	sgd, err := optimizer.NewSGD(model.Parameters(), optimizer.SGDConfig{LearningRate: lr})
	if err != nil {
		panic(err)
	}
	opt, err := distributed.NewDistributedOptimizer(sgd, comm, distributed.Config{
		BackwardPassesPerStep: accum,
		Op:                    collective.Average,
	}, nil)
	if err != nil {
		panic(err)
	}
	sched := &countingScheduler{}
	opts = append(opts, engine.WithScheduler(sched))
	e, err := engine.NewEngine(model, opt, engine.Config{
		MicroBatchSize:    micro,
		AccumulationSteps: accum,
		LengthKey:         layers.InputKey,
	}, opts...)
	if err != nil {
		panic(err)
	}
	return fixture{model: model, opt: opt, engine: e, sched: sched}
}

func fullBatchGrads(t *testing.T, batch tensor.Batch) (float64, [][]float64) {
	t.Helper()
	ctx := context.Background()
	m := newModel(3)
	out, err := m.Forward(ctx, batch, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(ctx, batch, out, 1); err != nil {
		t.Fatal(err)
	}
	grads := make([][]float64, len(m.Parameters()))
	for i, p := range m.Parameters() {
		grads[i] = append([]float64(nil), p.Grad...)
	}
	return out.Loss, grads
}

func TestAccumulationMatchesFullBatch(t *testing.T) {
	const size = 8
	batch := makeBatch(size, 0.3)
	wantLoss, wantGrads := fullBatchGrads(t, batch)

	for _, micro := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("micro=%d", micro), func(t *testing.T) {
			f := newFixture(collective.Solo(), micro, size/micro, 0, nil)
			res, err := f.engine.TrainStep(context.Background(), batch)
			if err != nil {
				t.Fatalf("TrainStep failed: %v", err)
			}
			if res.SubBatches != size/micro {
				t.Errorf("Expected %d sub-batches, got %d", size/micro, res.SubBatches)
			}
			if math.Abs(res.Metrics["loss"]-wantLoss) > tolerance {
				t.Errorf("Expected mean loss %.12f, got %.12f", wantLoss, res.Metrics["loss"])
			}
			for i, p := range f.model.Parameters() {
				for j := range p.Grad {
					if math.Abs(p.Grad[j]-wantGrads[i][j]) > tolerance {
						t.Errorf("%s[%d]: expected grad %.12f, got %.12f", p.Name, j, wantGrads[i][j], p.Grad[j])
					}
				}
			}
			if f.sched.steps != 1 {
				t.Errorf("Expected one schedule step, got %d", f.sched.steps)
			}
		})
	}
}

func TestUnevenSplitKeepsEverySample(t *testing.T) {
	batch := makeBatch(10, 0.1)
	keep := func(_ tensor.Batch, out *engine.Outputs) map[string]*tensor.Tensor {
		return map[string]*tensor.Tensor{"pred": out.Values[layers.PredictionsKey]}
	}
	f := newFixture(collective.Solo(), 3, 4, 0.01, withHooks(engine.Hooks{
		Keep:           keep,
		DatasetMetrics: func(map[string]*tensor.Tensor) map[string]float64 { return nil },
	}))

	res, err := f.engine.TrainStep(context.Background(), batch)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if res.SubBatches != 4 {
		t.Fatalf("Expected 4 sub-batches, got %d", res.SubBatches)
	}
	rows := []int{}
	for _, kt := range res.Kept["pred"] {
		rows = append(rows, kt.Rows())
	}
	if fmt.Sprint(rows) != "[3 3 3 1]" {
		t.Errorf("Expected sub-batch sizes [3 3 3 1], got %v", rows)
	}
	all, _ := tensor.Concat(res.Kept["pred"]...)
	out, _ := newModel(3).Forward(context.Background(), batch, false)
	for i := range all.Data {
		if math.Abs(all.Data[i]-out.Values[layers.PredictionsKey].Data[i]) > tolerance {
			t.Errorf("Prediction %d differs from full-batch prediction", i)
		}
	}
}

func TestKeepRequiresDatasetMetrics(t *testing.T) {
	called := false
	f := newFixture(collective.Solo(), 2, 1, 0, withHooks(engine.Hooks{
		Keep: func(tensor.Batch, *engine.Outputs) map[string]*tensor.Tensor {
			called = true
			return nil
		},
	}))
	if _, err := f.engine.EvalStep(context.Background(), makeBatch(2, 0)); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("Keep should not run without a dataset metrics function")
	}
}

func TestEvalStepLeavesState(t *testing.T) {
	f := newFixture(collective.Solo(), 2, 2, 0.1, nil)
	before := append([]float64(nil), f.model.Parameters()[0].Data...)

	res, err := f.engine.EvalStep(context.Background(), makeBatch(4, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Metrics["loss"]; !ok {
		t.Error("Expected a loss metric from EvalStep")
	}
	for i, v := range f.model.Parameters()[0].Data {
		if v != before[i] {
			t.Fatal("EvalStep must not change parameters")
		}
	}
	for _, g := range f.model.Parameters()[0].Grad {
		if g != 0 {
			t.Fatal("EvalStep must not produce gradients")
		}
	}
	if f.sched.steps != 0 {
		t.Errorf("EvalStep must not advance the schedule, got %d steps", f.sched.steps)
	}
}

func TestTransformHook(t *testing.T) {
	f := newFixture(collective.Solo(), 4, 1, 0, withHooks(engine.Hooks{
		Transform: func(b tensor.Batch) (tensor.Batch, error) {
			x := b["raw"]
			return tensor.Batch{layers.InputKey: x, layers.TargetKey: b[layers.TargetKey]}, nil
		},
	}))
	batch := makeBatch(4, 0)
	batch["raw"] = batch[layers.InputKey]
	delete(batch, layers.InputKey)

	// the length key is resolved after the transform
	if _, err := f.engine.EvalStep(context.Background(), batch); err != nil {
		t.Fatalf("EvalStep with transform failed: %v", err)
	}
}

func TestEmptyTrainingBatch(t *testing.T) {
	f := newFixture(collective.Solo(), 4, 1, 0, nil)
	empty := tensor.Batch{
		layers.InputKey:  tensor.MustNew([]int{0, 3}, []float64{}),
		layers.TargetKey: tensor.MustNew([]int{0, 1}, []float64{}),
	}
	if _, err := f.engine.TrainStep(context.Background(), empty); err == nil {
		t.Error("Expected error for empty training batch")
	}
}

// TestClippingSeesReducedGradients feeds each worker different data; with
// clipping, every worker must end up with the same clipped gradients and
// parameters, in both precision modes.
func TestClippingSeesReducedGradients(t *testing.T) {
	for _, fp16 := range []bool{false, true} {
		t.Run(fmt.Sprintf("fp16=%t", fp16), func(t *testing.T) {
			const workers = 3
			var mu sync.Mutex
			grads := make([][]float64, workers)
			params := make([][]float64, workers)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			for _, w := range collective.NewLocalGroup(workers) {
				w := w
				g.Go(func() error {
					maxNorm := 0.05
					clipper, err := optimizer.NewClipper(&maxNorm, nil)
					if err != nil {
						return err
					}
					f := newFixture(w, 2, 2, 0.1, func(ps []*tensor.Parameter) []engine.Option {
						opts := []engine.Option{engine.WithClipper(clipper)}
						if fp16 {
							config := precision.DefaultConfig()
							config.InitScale = 1024
							scaler, err := precision.NewScaler(ps, config, nil)
							if err != nil {
								panic(err)
							}
							opts = append(opts, engine.WithScaler(scaler))
						}
						return opts
					})

					res, err := f.engine.TrainStep(ctx, makeBatch(4, float64(w.Rank())))
					if err != nil {
						return err
					}
					if res.StepSkipped {
						return fmt.Errorf("rank %d: unexpected overflow", w.Rank())
					}
					if res.GradNorm <= maxNorm {
						return fmt.Errorf("rank %d: expected pre-clip norm above %g, got %g", w.Rank(), maxNorm, res.GradNorm)
					}

					var flat, data []float64
					for _, p := range f.model.Parameters() {
						flat = append(flat, p.Grad...)
						data = append(data, p.Data...)
					}
					mu.Lock()
					grads[w.Rank()] = flat
					params[w.Rank()] = data
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}

			for r := 1; r < workers; r++ {
				for i := range grads[0] {
					if math.Abs(grads[r][i]-grads[0][i]) > tolerance {
						t.Fatalf("rank %d gradient %d = %v, rank 0 = %v", r, i, grads[r][i], grads[0][i])
					}
					if math.Abs(params[r][i]-params[0][i]) > tolerance {
						t.Fatalf("rank %d parameter %d = %v, rank 0 = %v", r, i, params[r][i], params[0][i])
					}
				}
			}
			var sq float64
			for _, v := range grads[0] {
				sq += v * v
			}
			if math.Abs(math.Sqrt(sq)-0.05) > 1e-6 {
				t.Errorf("Expected clipped norm 0.05, got %g", math.Sqrt(sq))
			}
		})
	}
}

func TestOverflowSkipsStepButAdvancesSchedule(t *testing.T) {
	var scaler *precision.Scaler
	f := newFixture(collective.Solo(), 2, 2, 0.1, func(ps []*tensor.Parameter) []engine.Option {
		config := precision.DefaultConfig()
		config.InitScale = 1e9
		var err error
		if scaler, err = precision.NewScaler(ps, config, nil); err != nil {
			panic(err)
		}
		return []engine.Option{engine.WithScaler(scaler)}
	})
	before := append([]float64(nil), f.model.Parameters()[0].Data...)

	res, err := f.engine.TrainStep(context.Background(), makeBatch(4, 2))
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if !res.StepSkipped {
		t.Fatal("Expected the step to be skipped on overflow")
	}
	for i, v := range f.model.Parameters()[0].Data {
		if v != before[i] {
			t.Fatal("Parameters changed despite overflow")
		}
	}
	if scaler.Scale() != 5e8 {
		t.Errorf("Expected loss scale to halve to 5e8, got %g", scaler.Scale())
	}
	if f.sched.steps != 1 {
		t.Errorf("Expected the schedule to advance once, got %d", f.sched.steps)
	}

	// the next step starts from clean gradients
	if _, err := f.engine.TrainStep(context.Background(), makeBatch(4, 2)); err != nil {
		t.Fatalf("Second TrainStep failed: %v", err)
	}
}

// TestLocalOverflowSkipsEveryWorker overflows the half range on one worker
// only; every worker must skip the step and keep the same loss scale.
func TestLocalOverflowSkipsEveryWorker(t *testing.T) {
	const workers = 2
	var mu sync.Mutex
	scales := make([]float64, workers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range collective.NewLocalGroup(workers) {
		w := w
		g.Go(func() error {
			var scaler *precision.Scaler
			f := newFixture(w, 2, 2, 0.1, func(ps []*tensor.Parameter) []engine.Option {
				config := precision.DefaultConfig()
				config.InitScale = 1024
				var err error
				if scaler, err = precision.NewScaler(ps, config, nil); err != nil {
					panic(err)
				}
				return []engine.Option{engine.WithScaler(scaler)}
			})

			offset := 0.0
			if w.Rank() == 1 {
				offset = 1e4
			}
			res, err := f.engine.TrainStep(ctx, makeBatch(4, offset))
			if err != nil {
				return err
			}
			if !res.StepSkipped {
				return fmt.Errorf("rank %d: expected the step to be skipped", w.Rank())
			}
			mu.Lock()
			scales[w.Rank()] = scaler.Scale()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for r, s := range scales {
		if s != 512 {
			t.Errorf("Rank %d: expected loss scale 512, got %g", r, s)
		}
	}
}

func TestNewEngineValidation(t *testing.T) {
	model := newModel(0)
	tests := []engine.Config{
		{MicroBatchSize: 0, AccumulationSteps: 1, LengthKey: "x"},
		{MicroBatchSize: 1, AccumulationSteps: 0, LengthKey: "x"},
		{MicroBatchSize: 1, AccumulationSteps: 1},
	}
	for i, config := range tests {
		if _, err := engine.NewEngine(model, nil, config); err == nil {
			t.Errorf("Config %d: expected validation error", i)
		}
	}
	e, err := engine.NewEngine(model, nil, engine.Config{MicroBatchSize: 1, AccumulationSteps: 1, LengthKey: layers.InputKey})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.TrainStep(context.Background(), makeBatch(1, 0)); err == nil {
		t.Error("Expected TrainStep without optimizer to fail")
	}
}
