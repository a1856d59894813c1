package optimizer

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestNewClipperRejectsBoth(t *testing.T) {
	norm, value := 1.0, 0.5
	if _, err := NewClipper(&norm, &value); !errors.Is(err, ErrConflictingClip) {
		t.Fatalf("Expected ErrConflictingClip, got %v", err)
	}

	zero := 0.0
	c, err := NewClipper(&norm, &zero)
	if err != nil {
		t.Fatalf("Zero value threshold should disable value clipping: %v", err)
	}
	if !c.Enabled() {
		t.Error("Expected norm clipping to be enabled")
	}

	c, _ = NewClipper(nil, nil)
	if c.Enabled() {
		t.Error("Expected clipper without thresholds to be disabled")
	}
}

func TestClipGradNorm(t *testing.T) {
	params := newParams(t, []float64{0, 0}, []float64{3, 4})

	pre := ClipGradNorm(params, 1)
	if math.Abs(pre-5) > tolerance {
		t.Errorf("Expected pre-clip norm 5, got %f", pre)
	}
	coef := 1 / (5 + clipEps)
	assertClose(t, params[0].Grad, []float64{3 * coef, 4 * coef})

	// already below the threshold
	params = newParams(t, []float64{0, 0}, []float64{0.3, 0.4})
	ClipGradNorm(params, 1)
	assertClose(t, params[0].Grad, []float64{0.3, 0.4})
}

func TestClipGradValue(t *testing.T) {
	params := newParams(t, []float64{0, 0, 0}, []float64{-2, 0.1, 3})
	value := 0.5
	c, _ := NewClipper(nil, &value)
	pre := c.Clip(params)
	if math.Abs(pre-math.Sqrt(4+0.01+9)) > tolerance {
		t.Errorf("Unexpected pre-clip norm %f", pre)
	}
	assertClose(t, params[0].Grad, []float64{-0.5, 0.1, 0.5})
}
