package tensor

import (
	"sort"

	"github.com/pkg/errors"
)

// Batch maps input names (inputs, mask, labels, ...) to tensors sharing a
// common leading dimension.
type Batch map[string]*Tensor

// Keys returns the batch keys in sorted order.
func (b Batch) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the leading dimension of the tensor stored under key.
func (b Batch) Len(key string) (int, error) {
	t, ok := b[key]
	if !ok || t == nil {
		return 0, errors.Errorf("batch has no %q entry to determine its length (keys: %v)", key, b.Keys())
	}
	return t.Rows(), nil
}

// Slice returns rows [lo, hi) of every entry as views.
func (b Batch) Slice(lo, hi int) (Batch, error) {
	out := make(Batch, len(b))
	for k, t := range b {
		v, err := t.Narrow(lo, hi)
		if err != nil {
			return nil, errors.WithMessagef(err, "slicing %q", k)
		}
		out[k] = v
	}
	return out, nil
}

// Split tiles b into contiguous sub-batches of at most micro rows, using
// the entry under key to determine the batch length. The last sub-batch is
// shorter when micro does not divide the length.
func Split(b Batch, key string, micro int) ([]Batch, error) {
	if micro <= 0 {
		return nil, errors.Errorf("sub-batch size must be positive, got %d", micro)
	}
	n, err := b.Len(key)
	if err != nil {
		return nil, err
	}
	subs := make([]Batch, 0, (n+micro-1)/micro)
	for lo := 0; lo < n; lo += micro {
		hi := lo + micro
		if hi > n {
			hi = n
		}
		sub, err := b.Slice(lo, hi)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
