package collective

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/tensor"
)

// GatherFloats all-gathers a list of values from every worker. The result
// is indexed by rank; lists may have different lengths.
func GatherFloats(ctx context.Context, c Collective, name string, values []float64) ([][]float64, error) {
	parts, err := c.AllGather(ctx, name, tensor.MarshalFloats(values))
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(parts))
	for rank, p := range parts {
		if out[rank], err = tensor.UnmarshalFloats(p); err != nil {
			return nil, errors.WithMessagef(err, "gather %q: decoding shard from rank %d", name, rank)
		}
	}
	return out, nil
}

// GatherTensors all-gathers a list of tensors from every worker, indexed by rank.
func GatherTensors(ctx context.Context, c Collective, name string, ts []*tensor.Tensor) ([][]*tensor.Tensor, error) {
	parts, err := c.AllGather(ctx, name, tensor.MarshalTensors(ts))
	if err != nil {
		return nil, err
	}
	out := make([][]*tensor.Tensor, len(parts))
	for rank, p := range parts {
		if out[rank], err = tensor.UnmarshalTensors(p); err != nil {
			return nil, errors.WithMessagef(err, "gather %q: decoding shard from rank %d", name, rank)
		}
	}
	return out, nil
}

// BroadcastFloats overwrites data on every worker with root's values.
func BroadcastFloats(ctx context.Context, c Collective, name string, data []float64, root int) error {
	p, err := c.Broadcast(ctx, name, tensor.MarshalFloats(data), root)
	if err != nil {
		return err
	}
	vs, err := tensor.UnmarshalFloats(p)
	if err != nil {
		return errors.WithMessagef(err, "broadcast %q", name)
	}
	if len(vs) != len(data) {
		return errors.Errorf("broadcast %q: root sent %d values, local buffer holds %d", name, len(vs), len(data))
	}
	copy(data, vs)
	return nil
}
