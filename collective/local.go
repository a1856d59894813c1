package collective

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

type callKind int

const (
	kindAllReduce callKind = iota
	kindAllGather
	kindBroadcast
	kindBarrier
)

func (k callKind) String() string {
	switch k {
	case kindAllReduce:
		return "allreduce"
	case kindAllGather:
		return "allgather"
	case kindBroadcast:
		return "broadcast"
	default:
		return "barrier"
	}
}

// round is one collective call as seen by all workers: the k-th call of
// every rank meets in the k-th round.
type round struct {
	kind     callKind
	name     string
	op       ReduceOp
	root     int
	floats   [][]float64
	payloads [][]byte
	arrived  int
	departed int
	done     chan struct{}
	reduced  []float64
	err      error
}

// hub is the rendezvous point shared by the members of a local group.
type hub struct {
	mu     sync.Mutex
	size   int
	rounds map[uint64]*round
}

// LocalWorker is one member of an in-process group. Each worker must be
// driven by its own goroutine.
type LocalWorker struct {
	hub  *hub
	rank int
	seq  uint64
}

// NewLocalGroup creates n workers that communicate through shared memory.
// It backs single-machine runs and the multi-worker tests; production runs plug a
// network transport in behind the same interface.
func NewLocalGroup(n int) []*LocalWorker {
	h := &hub{size: n, rounds: make(map[uint64]*round)}
	workers := make([]*LocalWorker, n)
	for i := range workers {
		workers[i] = &LocalWorker{hub: h, rank: i}
	}
	return workers
}

// Collectives returns the workers as Collective values.
func Collectives(workers []*LocalWorker) []Collective {
	out := make([]Collective, len(workers))
	for i, w := range workers {
		out[i] = w
	}
	return out
}

func (w *LocalWorker) Rank() int { return w.rank }
func (w *LocalWorker) Size() int { return w.hub.size }

// join registers this worker's contribution to its next round and blocks
// until every worker has contributed.
func (w *LocalWorker) join(ctx context.Context, kind callKind, name string, contribute func(r *round)) (*round, error) {
	h := w.hub
	seq := w.seq
	w.seq++

	h.mu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{
			kind:     kind,
			name:     name,
			floats:   make([][]float64, h.size),
			payloads: make([][]byte, h.size),
			done:     make(chan struct{}),
		}
		h.rounds[seq] = r
	}
	if r.err == nil && (r.kind != kind || r.name != name) {
		r.err = errors.Wrapf(ErrDesync, "call %d: rank %d issued %s %q, another rank issued %s %q",
			seq, w.rank, kind, name, r.kind, r.name)
		close(r.done)
	}
	if r.err == nil {
		contribute(r)
	}
	r.arrived++
	if r.arrived == h.size && r.err == nil {
		r.err = h.complete(r)
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s %q", kind, name)
	}

	h.mu.Lock()
	r.departed++
	if r.departed == h.size {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

// complete computes the result of a round once all contributions are in.
// It runs under h.mu.
func (h *hub) complete(r *round) error {
	switch r.kind {
	case kindAllReduce:
		n := len(r.floats[0])
		acc := make([]float64, n)
		for rank, contrib := range r.floats {
			if len(contrib) != n {
				return errors.Errorf("allreduce %q: rank %d contributed %d values, rank 0 contributed %d",
					r.name, rank, len(contrib), n)
			}
			floats.Add(acc, contrib)
		}
		if r.op == Average {
			floats.Scale(1/float64(h.size), acc)
		}
		r.reduced = acc
	case kindBroadcast:
		if r.root < 0 || r.root >= h.size {
			return errors.Errorf("broadcast %q: root %d outside group of size %d", r.name, r.root, h.size)
		}
	}
	return nil
}

func (w *LocalWorker) AllReduce(ctx context.Context, name string, data []float64, op ReduceOp) error {
	r, err := w.join(ctx, kindAllReduce, name, func(r *round) {
		r.op = op
		r.floats[w.rank] = append([]float64(nil), data...)
	})
	if err != nil {
		return err
	}
	copy(data, r.reduced)
	return nil
}

func (w *LocalWorker) AllGather(ctx context.Context, name string, payload []byte) ([][]byte, error) {
	r, err := w.join(ctx, kindAllGather, name, func(r *round) {
		r.payloads[w.rank] = append([]byte(nil), payload...)
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = append([]byte(nil), p...)
	}
	return out, nil
}

func (w *LocalWorker) Broadcast(ctx context.Context, name string, payload []byte, root int) ([]byte, error) {
	r, err := w.join(ctx, kindBroadcast, name, func(r *round) {
		r.root = root
		if w.rank == root {
			r.payloads[w.rank] = append([]byte(nil), payload...)
		}
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), r.payloads[r.root]...), nil
}

func (w *LocalWorker) Barrier(ctx context.Context, name string) error {
	_, err := w.join(ctx, kindBarrier, name, func(*round) {})
	return err
}
