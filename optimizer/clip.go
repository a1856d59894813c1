package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// ErrConflictingClip is returned when both norm and value clipping are requested.
var ErrConflictingClip = errors.New("gradient clipping by norm and by value are mutually exclusive")

// clipEps keeps the norm clip coefficient finite for zero gradients.
const clipEps = 1e-6

// Clipper bounds gradients in place before the optimizer step. At most one
// of norm or value clipping is active.
type Clipper struct {
	maxNorm  float64
	maxValue float64
}

// NewClipper builds a Clipper. A nil or non-positive threshold disables
// that mode. Setting both is an error.
func NewClipper(maxNorm, maxValue *float64) (*Clipper, error) {
	c := &Clipper{}
	if maxNorm != nil && *maxNorm > 0 {
		c.maxNorm = *maxNorm
	}
	if maxValue != nil && *maxValue > 0 {
		c.maxValue = *maxValue
	}
	if c.maxNorm > 0 && c.maxValue > 0 {
		return nil, ErrConflictingClip
	}
	return c, nil
}

// Enabled reports whether the clipper modifies gradients at all.
func (c *Clipper) Enabled() bool {
	return c != nil && (c.maxNorm > 0 || c.maxValue > 0)
}

// Clip applies whichever mode is configured. It returns the total gradient
// norm measured before clipping.
func (c *Clipper) Clip(params []*tensor.Parameter) float64 {
	switch {
	case c == nil:
		return tensor.GradNorm(params)
	case c.maxNorm > 0:
		return ClipGradNorm(params, c.maxNorm)
	case c.maxValue > 0:
		norm := tensor.GradNorm(params)
		ClipGradValue(params, c.maxValue)
		return norm
	}
	return tensor.GradNorm(params)
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm before rescaling.
func ClipGradNorm(params []*tensor.Parameter, maxNorm float64) float64 {
	total := tensor.GradNorm(params)
	coef := maxNorm / (total + clipEps)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return total
}

// ClipGradValue clamps every gradient element into [-maxValue, maxValue].
func ClipGradValue(params []*tensor.Parameter, maxValue float64) {
	for _, p := range params {
		for i, g := range p.Grad {
			p.Grad[i] = math.Max(-maxValue, math.Min(maxValue, g))
		}
	}
}
