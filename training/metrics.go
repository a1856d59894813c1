package training

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/engine"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/tensor"
)

// Split names a metric window.
type Split string

const (
	TrainSplit Split = "train"
	ValidSplit Split = "valid"
)

// window holds one split's values since the last flush.
type window struct {
	scalars map[string][]float64
	kept    map[string][]*tensor.Tensor
}

func newWindow() *window {
	return &window{
		scalars: make(map[string][]float64),
		kept:    make(map[string][]*tensor.Tensor),
	}
}

// MetricsAggregator collects per-worker metric values and reduces them
// across all workers on Flush. Every worker must flush the same splits in
// the same order.
type MetricsAggregator struct {
	comm           collective.Collective
	datasetMetrics engine.DatasetMetricsFunc
	logger         *log.Logger

	windows map[Split]*window
	flushes map[Split]int
}

// NewMetricsAggregator creates an aggregator. Kept tensors are only
// recorded and gathered when datasetMetrics is set.
func NewMetricsAggregator(comm collective.Collective, datasetMetrics engine.DatasetMetricsFunc, logger *log.Logger) *MetricsAggregator {
	return &MetricsAggregator{
		comm:           comm,
		datasetMetrics: datasetMetrics,
		logger:         logger.Named("metrics"),
		windows:        make(map[Split]*window),
		flushes:        make(map[Split]int),
	}
}

func (a *MetricsAggregator) windowFor(split Split) *window {
	w, ok := a.windows[split]
	if !ok {
		w = newWindow()
		a.windows[split] = w
	}
	return w
}

// Record appends one local value per metric name.
func (a *MetricsAggregator) Record(split Split, values map[string]float64) {
	w := a.windowFor(split)
	for k, v := range values {
		w.scalars[k] = append(w.scalars[k], v)
	}
}

// RecordKept appends retained tensors for the dataset-level metric function.
func (a *MetricsAggregator) RecordKept(split Split, kept map[string][]*tensor.Tensor) {
	if a.datasetMetrics == nil {
		return
	}
	w := a.windowFor(split)
	for k, ts := range kept {
		w.kept[k] = append(w.kept[k], ts...)
	}
}

// Pending returns the number of local values recorded under name.
func (a *MetricsAggregator) Pending(split Split, name string) int {
	return len(a.windowFor(split).scalars[name])
}

// Reset drops a split's window without reducing it.
func (a *MetricsAggregator) Reset(split Split) {
	a.windows[split] = newWindow()
}

// Flush gathers the split's window from every worker and reduces it:
// scalars by their mean over all gathered values, kept tensors by
// concatenation followed by the dataset metric function. Dataset-level
// values replace scalar values of the same name. The window is reset.
func (a *MetricsAggregator) Flush(ctx context.Context, split Split) (map[string]float64, error) {
	w := a.windowFor(split)
	a.Reset(split)

	seq := a.flushes[split]
	a.flushes[split]++
	name := fmt.Sprintf("metrics.%s.%d", split, seq)

	parts, err := a.comm.AllGather(ctx, name, marshalWindow(w, a.datasetMetrics != nil))
	if err != nil {
		return nil, errors.WithMessagef(err, "gathering %s metrics", split)
	}

	global := newWindow()
	for rank, p := range parts {
		shard, err := unmarshalWindow(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding %s metrics from rank %d", split, rank)
		}
		for k, vs := range shard.scalars {
			global.scalars[k] = append(global.scalars[k], vs...)
		}
		for k, ts := range shard.kept {
			global.kept[k] = append(global.kept[k], ts...)
		}
	}

	metrics := make(map[string]float64, len(global.scalars))
	for k, vs := range global.scalars {
		if len(vs) > 0 {
			metrics[k] = stat.Mean(vs, nil)
		}
	}

	if a.datasetMetrics == nil {
		return metrics, nil
	}
	data := make(map[string]*tensor.Tensor, len(global.kept))
	for k, ts := range global.kept {
		if len(ts) == 0 {
			continue
		}
		if data[k], err = tensor.Concat(ts...); err != nil {
			return nil, errors.WithMessagef(err, "concatenating kept %q", k)
		}
	}
	dataset := a.datasetMetrics(data)
	var common []string
	for k, v := range dataset {
		if _, ok := metrics[k]; ok {
			common = append(common, k)
		}
		metrics[k] = v
	}
	if len(common) > 0 {
		slices.Sort(common)
		a.logger.Warnf("dataset metrics and batch-level metrics have common names %v. Batch-level values are overwritten.", common)
	}
	return metrics, nil
}

// Window wire layout:
//
//	message Scalar { string name = 1; repeated double values = 2 [packed]; }
//	message Kept   { string name = 1; TensorList tensors = 2; }
//	message Window { repeated Scalar scalars = 1; repeated Kept kept = 2; }
const (
	fieldWindowScalars protowire.Number = 1
	fieldWindowKept    protowire.Number = 2
	fieldEntryName     protowire.Number = 1
	fieldEntryValues   protowire.Number = 2
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func marshalWindow(w *window, withKept bool) []byte {
	var b []byte
	for _, k := range sortedKeys(w.scalars) {
		entry := protowire.AppendTag(nil, fieldEntryName, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = tensor.AppendDoubles(entry, fieldEntryValues, w.scalars[k])
		b = protowire.AppendTag(b, fieldWindowScalars, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if !withKept {
		return b
	}
	for _, k := range sortedKeys(w.kept) {
		entry := protowire.AppendTag(nil, fieldEntryName, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldEntryValues, protowire.BytesType)
		entry = protowire.AppendBytes(entry, tensor.MarshalTensors(w.kept[k]))
		b = protowire.AppendTag(b, fieldWindowKept, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func unmarshalWindow(b []byte) (*window, error) {
	w := newWindow()
	err := tensor.Fields(b, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		var (
			name    string
			payload []byte
		)
		err := tensor.Fields(val, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
			switch {
			case n == fieldEntryName && t == protowire.BytesType:
				name = string(v)
			case n == fieldEntryValues && t == protowire.BytesType:
				payload = v
			}
			return nil
		})
		if err != nil {
			return err
		}
		switch num {
		case fieldWindowScalars:
			vs, err := tensor.ParseDoubles(payload)
			if err != nil {
				return errors.WithMessagef(err, "metric %q", name)
			}
			w.scalars[name] = append(w.scalars[name], vs...)
		case fieldWindowKept:
			ts, err := tensor.UnmarshalTensors(payload)
			if err != nil {
				return errors.WithMessagef(err, "kept %q", name)
			}
			w.kept[name] = append(w.kept[name], ts...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}
