// Package precision implements dynamic loss scaling for reduced-precision
// training.
//
// Gradients are computed on a scaled loss so that small values survive the
// narrow half-precision range. Before the optimizer step they are unscaled
// and checked for overflow; an overflowing step is skipped and the scale
// is reduced.
package precision

import (
	"math"
	"sort"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ErrBackendUnavailable is returned for an optimization level that has no
// registered backend.
var ErrBackendUnavailable = errors.New("reduced-precision backend unavailable")

// Backend implements the numeric side of one optimization level.
type Backend interface {
	// Level is the optimization level the backend serves, e.g. "O1".
	Level() string
	// Overflowed reports whether any scaled gradient is not representable
	// in the reduced format.
	Overflowed(grads []float64) bool
	// HardwareAccelerated reports whether the CPU converts half-precision
	// values natively.
	HardwareAccelerated() bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Backend{
		"O1": func() Backend { return halfBackend{} },
	}
)

// Register makes a backend available under its level.
func Register(level string, factory func() Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[level] = factory
}

// Lookup returns the backend for level.
func Lookup(level string) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[level]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrBackendUnavailable, "opt level %q (available: %v)", level, Levels())
	}
	return factory(), nil
}

// Available reports whether level has a registered backend.
func Available(level string) bool {
	_, err := Lookup(level)
	return err == nil
}

// Levels lists the registered optimization levels.
func Levels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	levels := make([]string, 0, len(registry))
	for l := range registry {
		levels = append(levels, l)
	}
	sort.Strings(levels)
	return levels
}

// halfBackend emulates IEEE half precision: a scaled gradient overflows
// when rounding it to float16 yields Inf or NaN.
type halfBackend struct{}

func (halfBackend) Level() string { return "O1" }

func (halfBackend) Overflowed(grads []float64) bool {
	for _, g := range grads {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return true
		}
		h := float16.Fromfloat32(float32(g))
		if h.IsInf(0) || h.IsNaN() {
			return true
		}
	}
	return false
}

func (halfBackend) HardwareAccelerated() bool {
	return cpuid.CPU.Supports(cpuid.F16C)
}
