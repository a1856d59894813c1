// Package collective defines the channel through which workers exchange
// gradients, metrics and parameters.
//
// Every call is a rendezvous: it blocks until all workers in the group have
// issued the matching call. All workers must therefore issue the same calls,
// with the same names, in the same order. A worker that skips a call (for
// example by running validation when the others do not) leaves the rest of
// the group waiting forever.
package collective

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ReduceOp selects how AllReduce combines contributions.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Average
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Average:
		return "Average"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// ErrDesync is returned by the in-process group when workers issue
// different calls at the same position of the call sequence. A real
// transport would hang instead.
var ErrDesync = errors.New("collective call sequence diverged between workers")

// Collective is the capability handed to every component that needs to
// talk to the other workers.
type Collective interface {
	// Rank is this worker's index in [0, Size).
	Rank() int
	// Size is the number of workers in the group.
	Size() int
	// AllReduce combines data element-wise across workers and writes the
	// result back into data on every worker.
	AllReduce(ctx context.Context, name string, data []float64, op ReduceOp) error
	// AllGather returns every worker's payload, indexed by rank.
	AllGather(ctx context.Context, name string, payload []byte) ([][]byte, error)
	// Broadcast returns root's payload on every worker.
	Broadcast(ctx context.Context, name string, payload []byte, root int) ([]byte, error)
	// Barrier returns once every worker has reached it.
	Barrier(ctx context.Context, name string) error
}

// IsCoordinator reports whether c is the worker responsible for side
// effects that must not be duplicated (checkpoint writes, log lines).
func IsCoordinator(c Collective) bool {
	return c.Rank() == 0
}
