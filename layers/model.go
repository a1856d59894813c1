package layers

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-disttrain/engine"
	"github.com/tsawler/go-disttrain/tensor"
)

// Batch keys read by Sequential.
const (
	InputKey       = "inputs"
	TargetKey      = "targets"
	PredictionsKey = "predictions"
)

// Sequential runs a compiled ModelSpec on the CPU and trains it against a
// mean squared error loss. It implements engine.Model.
type Sequential struct {
	spec   *ModelSpec
	params []*tensor.Parameter
	ops    []op
}

var _ engine.Model = (*Sequential)(nil)

type op interface {
	forward(x *mat.Dense) *mat.Dense
	// backward accumulates parameter gradients and returns dL/dx.
	backward(x, y, dy *mat.Dense) *mat.Dense
}

// Build instantiates parameters for a compiled spec. Dense weights are
// drawn from a Glorot uniform distribution seeded with seed; biases start
// at zero. Parameters are named "<layer>.weight" and "<layer>.bias".
func Build(spec *ModelSpec, seed int64) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec is not compiled")
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Sequential{spec: spec}

	for _, layer := range spec.Layers {
		switch layer.Type {
		case Dense:
			in := layer.ParameterShapes[0][0]
			out := layer.ParameterShapes[0][1]
			limit := math.Sqrt(6 / float64(in+out))
			data := make([]float64, in*out)
			for i := range data {
				data[i] = (2*rng.Float64() - 1) * limit
			}
			w, err := tensor.NewParameter(layer.Name+".weight", []int{in, out}, data)
			if err != nil {
				return nil, err
			}
			d := &dense{in: in, out: out, w: w}
			m.params = append(m.params, w)
			if len(layer.ParameterShapes) > 1 {
				if d.b, err = tensor.NewParameter(layer.Name+".bias", []int{out}, nil); err != nil {
					return nil, err
				}
				m.params = append(m.params, d.b)
			}
			m.ops = append(m.ops, d)
		case ReLU, Tanh, Sigmoid:
			m.ops = append(m.ops, activation(layer.Type))
		default:
			return nil, errors.Errorf("unsupported layer type: %s", layer.Type)
		}
	}
	return m, nil
}

// Spec returns the compiled spec the model was built from.
func (m *Sequential) Spec() *ModelSpec {
	return m.spec
}

func (m *Sequential) Parameters() []*tensor.Parameter {
	return m.params
}

func (m *Sequential) input(batch tensor.Batch) (*mat.Dense, error) {
	x, ok := batch[InputKey]
	if !ok {
		return nil, errors.Errorf("batch has no %q entry", InputKey)
	}
	features := m.spec.InputShape[1]
	if len(x.Shape) != 2 || x.Shape[1] != features {
		return nil, errors.Errorf("%s: expected [n %d], got %v", InputKey, features, x.Shape)
	}
	if x.Shape[0] == 0 {
		return nil, errors.New("empty batch")
	}
	return mat.NewDense(x.Shape[0], features, x.Data), nil
}

// activations runs every op and returns the input followed by each op output.
func (m *Sequential) activations(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(m.ops)+1)
	acts = append(acts, x)
	for _, o := range m.ops {
		x = o.forward(x)
		acts = append(acts, x)
	}
	return acts
}

// Forward predicts the outputs and, when targets are present, the MSE loss.
func (m *Sequential) Forward(ctx context.Context, batch tensor.Batch, train bool) (*engine.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x, err := m.input(batch)
	if err != nil {
		return nil, err
	}
	acts := m.activations(x)
	y := acts[len(acts)-1]
	r, c := y.Dims()
	pred := tensor.MustNew([]int{r, c}, append([]float64(nil), y.RawMatrix().Data...))

	out := &engine.Outputs{Values: map[string]*tensor.Tensor{PredictionsKey: pred}}
	if t, ok := batch[TargetKey]; ok {
		if len(t.Data) != len(pred.Data) {
			return nil, errors.Errorf("%s: expected %d values, got %d", TargetKey, len(pred.Data), len(t.Data))
		}
		diff := make([]float64, len(pred.Data))
		floats.SubTo(diff, pred.Data, t.Data)
		out.Loss = floats.Dot(diff, diff) / float64(len(diff))
	}
	return out, nil
}

// Backward adds the gradient of scale times the MSE loss to every parameter.
func (m *Sequential) Backward(ctx context.Context, batch tensor.Batch, out *engine.Outputs, scale float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x, err := m.input(batch)
	if err != nil {
		return err
	}
	t, ok := batch[TargetKey]
	if !ok {
		return errors.Errorf("batch has no %q entry", TargetKey)
	}

	acts := m.activations(x)
	y := acts[len(acts)-1]
	r, c := y.Dims()
	if len(t.Data) != r*c {
		return errors.Errorf("%s: expected %d values, got %d", TargetKey, r*c, len(t.Data))
	}

	dy := mat.NewDense(r, c, nil)
	raw := dy.RawMatrix().Data
	floats.SubTo(raw, y.RawMatrix().Data, t.Data)
	floats.Scale(2*scale/float64(r*c), raw)

	for i := len(m.ops) - 1; i >= 0; i-- {
		dy = m.ops[i].backward(acts[i], acts[i+1], dy)
	}
	return nil
}

type dense struct {
	in, out int
	w, b    *tensor.Parameter
}

func (d *dense) forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	y := mat.NewDense(r, d.out, nil)
	y.Mul(x, mat.NewDense(d.in, d.out, d.w.Data))
	if d.b != nil {
		for i := 0; i < r; i++ {
			floats.Add(y.RawRowView(i), d.b.Data)
		}
	}
	return y
}

func (d *dense) backward(x, _, dy *mat.Dense) *mat.Dense {
	r, _ := x.Dims()

	var dw mat.Dense
	dw.Mul(x.T(), dy)
	floats.Add(d.w.Grad, dw.RawMatrix().Data)

	if d.b != nil {
		for i := 0; i < r; i++ {
			floats.Add(d.b.Grad, dy.RawRowView(i))
		}
	}

	dx := mat.NewDense(r, d.in, nil)
	dx.Mul(dy, mat.NewDense(d.in, d.out, d.w.Data).T())
	return dx
}

type activation LayerType

func (a activation) forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		switch LayerType(a) {
		case ReLU:
			return math.Max(0, v)
		case Tanh:
			return math.Tanh(v)
		case Sigmoid:
			return 1 / (1 + math.Exp(-v))
		}
		panic(fmt.Sprintf("activation %s", LayerType(a)))
	}, x)
	return &y
}

func (a activation) backward(x, y, dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		switch LayerType(a) {
		case ReLU:
			if x.At(i, j) > 0 {
				return g
			}
			return 0
		case Tanh:
			v := y.At(i, j)
			return g * (1 - v*v)
		case Sigmoid:
			v := y.At(i, j)
			return g * v * (1 - v)
		}
		panic(fmt.Sprintf("activation %s", LayerType(a)))
	}, dy)
	return &dx
}
