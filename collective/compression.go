package collective

import (
	"context"
	"fmt"

	"github.com/x448/float16"
)

// Compression is applied to gradient buffers around AllReduce.
type Compression int

const (
	NoCompression Compression = iota
	// FP16 rounds values to IEEE half precision before and after the
	// reduction, halving the bytes a real transport would send.
	FP16
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case FP16:
		return "fp16"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// Apply rounds data in place to the precision carried on the wire.
func (c Compression) Apply(data []float64) {
	if c != FP16 {
		return
	}
	for i, v := range data {
		data[i] = float64(float16.Fromfloat32(float32(v)).Float32())
	}
}

// AllReduceCompressed performs an AllReduce with data carried at the
// precision selected by comp.
func AllReduceCompressed(ctx context.Context, c Collective, name string, data []float64, op ReduceOp, comp Compression) error {
	comp.Apply(data)
	if err := c.AllReduce(ctx, name, data, op); err != nil {
		return err
	}
	comp.Apply(data)
	return nil
}
