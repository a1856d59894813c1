// Package engine executes one training or evaluation step over a logical
// batch: it splits the batch into sub-batches, accumulates gradients and
// metrics, and finalizes the step by reducing, clipping and stepping.
package engine

import (
	"context"

	"github.com/tsawler/go-disttrain/tensor"
)

// Outputs is the result of one forward pass.
type Outputs struct {
	// Loss is the mean loss over the sub-batch.
	Loss float64
	// Values holds named model outputs, e.g. predictions.
	Values map[string]*tensor.Tensor
}

// Model is the forward/backward computation being trained.
type Model interface {
	// Parameters returns the trainable parameters in a stable order.
	Parameters() []*tensor.Parameter
	// Forward runs the model on a sub-batch. train selects training
	// behavior for layers that differ between modes.
	Forward(ctx context.Context, batch tensor.Batch, train bool) (*Outputs, error)
	// Backward adds the gradient of scale*Loss to every parameter's Grad.
	Backward(ctx context.Context, batch tensor.Batch, out *Outputs, scale float64) error
}

// BatchMetricsFunc computes per-sub-batch scalar metrics.
type BatchMetricsFunc func(batch tensor.Batch, out *Outputs) map[string]float64

// KeepFunc selects tensors retained for dataset-level metrics.
type KeepFunc func(batch tensor.Batch, out *Outputs) map[string]*tensor.Tensor

// DatasetMetricsFunc computes final metrics from tensors retained by a
// KeepFunc, concatenated over all sub-batches and workers.
type DatasetMetricsFunc func(kept map[string]*tensor.Tensor) map[string]float64

// TransformFunc adapts a loader batch to the model's inputs.
type TransformFunc func(batch tensor.Batch) (tensor.Batch, error)

// LossMetrics is the default BatchMetricsFunc: it reports the loss only.
func LossMetrics(_ tensor.Batch, out *Outputs) map[string]float64 {
	return map[string]float64{"loss": out.Loss}
}

// Hooks groups the optional user functions of a step.
type Hooks struct {
	BatchMetrics   BatchMetricsFunc
	Keep           KeepFunc
	DatasetMetrics DatasetMetricsFunc
	Transform      TransformFunc
}

// Keeps reports whether tensors are retained for dataset-level metrics.
// Both a KeepFunc and a DatasetMetricsFunc are required.
func (h Hooks) Keeps() bool {
	return h.Keep != nil && h.DatasetMetrics != nil
}
