package tensor

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major float64 array. The leading dimension is the
// sample dimension whenever a tensor is part of a Batch.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int
}

// New creates a tensor over data. The data slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: n,
	}, nil
}

// MustNew is New for literals in tests and examples; it panics on a bad shape.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return MustNew(shape, make([]float64, calculateNumElements(shape)))
}

// FromRows builds a [len(rows), len(rows[0])] tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows")
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, errors.Errorf("row %d has %d columns, expected %d", i, len(r), width)
		}
		data = append(data, r...)
	}
	return New([]int{len(rows), width}, data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Rows is the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// rowSize is the number of elements in one leading-dimension slice.
func (t *Tensor) rowSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	if len(t.Shape) == 1 {
		return 1
	}
	return t.Strides[0]
}

// Narrow returns rows [lo, hi) as a view sharing t's storage.
func (t *Tensor) Narrow(lo, hi int) (*Tensor, error) {
	if lo < 0 || hi > t.Rows() || lo > hi {
		return nil, errors.Errorf("narrow [%d, %d) out of range for %d rows", lo, hi, t.Rows())
	}
	shape := append([]int{hi - lo}, t.Shape[1:]...)
	rs := t.rowSize()
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data[lo*rs : hi*rs],
		NumElems: (hi - lo) * rs,
	}, nil
}

// Row returns a view of sample i's values.
func (t *Tensor) Row(i int) []float64 {
	rs := t.rowSize()
	return t.Data[i*rs : (i+1)*rs]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Concat joins tensors along the leading dimension. Trailing dimensions
// must agree.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("concat of zero tensors")
	}
	tail := ts[0].Shape[1:]
	rows, total := 0, 0
	for i, t := range ts {
		if !SameShape(t.Shape[1:], tail) {
			return nil, errors.Errorf("concat: tensor %d has trailing shape %v, expected %v", i, t.Shape[1:], tail)
		}
		rows += t.Rows()
		total += len(t.Data)
	}
	data := make([]float64, 0, total)
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	return New(append([]int{rows}, tail...), data)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter allocates a parameter and a zeroed gradient buffer of the same size.
func NewParameter(name string, shape []int, data []float64) (*Parameter, error) {
	if err := validateShape(shape); err != nil {
		return nil, errors.WithMessagef(err, "parameter %q", name)
	}
	n := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		return nil, errors.Errorf("parameter %q: data length %d does not match shape %v", name, len(data), shape)
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Grad:  make([]float64, n),
	}, nil
}

// ZeroGrad clears the gradient in place.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ZeroGrad clears every parameter's gradient.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm is the L2 norm over all gradients taken together.
func GradNorm(params []*Parameter) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

// validateShape permits a zero leading dimension so empty batches can be
// represented, but every trailing dimension must be positive.
func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim < 0 || (dim == 0 && i > 0) {
			return errors.Errorf("invalid shape: dimension %d has size %d", i, dim)
		}
	}
	return nil
}
