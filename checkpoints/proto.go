package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/go-disttrain/tensor"
)

// protoMagic prefixes binary checkpoints so Decode can tell them from JSON.
var protoMagic = []byte("GDTC\x01")

// Binary layout, protobuf-compatible:
//
//	message Checkpoint {
//	  repeated Weight model_state = 1;
//	  Optimizer optimizer_state = 2;
//	  int64 iteration = 3;
//	  int64 epoch = 4;
//	  google.protobuf.Struct metrics = 5;
//	  Scaler scaler_state = 6;
//	  Scheduler scheduler_state = 7;
//	  Metadata metadata = 8;
//	}
//	message Weight    { string name = 1; repeated int64 shape = 2; repeated double data = 3; }
//	message Optimizer { string type = 1; google.protobuf.Struct parameters = 2; repeated State state = 3; }
//	message State     { string name = 1; repeated int64 shape = 2; repeated double data = 3; string state_type = 4; }
//	message Scaler    { double scale = 1; int64 good_steps = 2; int64 overflow_count = 3; double min_scale = 4; }
//	message Scheduler { string name = 1; int64 step = 2; double base_lr = 3; }
//	message Metadata  { string run_id = 1; string version = 2; string framework = 3; int64 created_at_unix_nano = 4; string description = 5; }
const (
	ckptModelState protowire.Number = iota + 1
	ckptOptimizer
	ckptIteration
	ckptEpoch
	ckptMetrics
	ckptScaler
	ckptScheduler
	ckptMetadata
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStruct(b []byte, num protowire.Number, m map[string]interface{}) ([]byte, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	enc, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, enc), nil
}

func parseStruct(val []byte) (map[string]interface{}, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func marshalProto(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), protoMagic...)

	for _, w := range c.ModelState {
		var m []byte
		m = appendString(m, 1, w.Name)
		m = tensor.AppendInts(m, 2, w.Shape)
		m = tensor.AppendDoubles(m, 3, w.Data)
		b = appendMessage(b, ckptModelState, m)
	}

	if c.OptimizerState != nil {
		m, err := MarshalOptimizerState(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, ckptOptimizer, m)
	}

	b = appendVarint(b, ckptIteration, int64(c.Iteration))
	b = appendVarint(b, ckptEpoch, int64(c.Epoch))

	if len(c.Metrics) > 0 {
		metrics := make(map[string]interface{}, len(c.Metrics))
		for k, v := range c.Metrics {
			metrics[k] = v
		}
		var err error
		if b, err = appendStruct(b, ckptMetrics, metrics); err != nil {
			return nil, errors.Wrap(err, "metrics")
		}
	}

	if s := c.ScalerState; s != nil {
		var m []byte
		m = appendDouble(m, 1, s.Scale)
		m = appendVarint(m, 2, int64(s.GoodSteps))
		m = appendVarint(m, 3, int64(s.OverflowCount))
		m = appendDouble(m, 4, s.MinScale)
		b = appendMessage(b, ckptScaler, m)
	}

	if s := c.SchedulerState; s != nil {
		m := appendString(nil, 1, s.Name)
		m = appendVarint(m, 2, int64(s.Step))
		m = appendDouble(m, 3, s.BaseLR)
		b = appendMessage(b, ckptScheduler, m)
	}

	md := c.Metadata
	var m []byte
	m = appendString(m, 1, md.RunID)
	m = appendString(m, 2, md.Version)
	m = appendString(m, 3, md.Framework)
	m = appendVarint(m, 4, md.CreatedAt.UnixNano())
	m = appendString(m, 5, md.Description)
	b = appendMessage(b, ckptMetadata, m)

	return b, nil
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := tensor.Fields(b, func(num protowire.Number, typ protowire.Type, val []byte, raw uint64) error {
		switch num {
		case ckptModelState:
			w, err := parseWeight(val)
			if err != nil {
				return errors.Wrap(err, "model state")
			}
			c.ModelState = append(c.ModelState, w)
		case ckptOptimizer:
			o, err := UnmarshalOptimizerState(val)
			if err != nil {
				return errors.Wrap(err, "optimizer state")
			}
			c.OptimizerState = o
		case ckptIteration:
			c.Iteration = int(int64(raw))
		case ckptEpoch:
			c.Epoch = int(int64(raw))
		case ckptMetrics:
			m, err := parseStruct(val)
			if err != nil {
				return errors.Wrap(err, "metrics")
			}
			c.Metrics = make(map[string]float64, len(m))
			for k, v := range m {
				if f, ok := v.(float64); ok {
					c.Metrics[k] = f
				}
			}
		case ckptScaler:
			s := &ScalerState{}
			err := tensor.Fields(val, func(num protowire.Number, _ protowire.Type, _ []byte, raw uint64) error {
				switch num {
				case 1:
					s.Scale = math.Float64frombits(raw)
				case 2:
					s.GoodSteps = int(int64(raw))
				case 3:
					s.OverflowCount = int(int64(raw))
				case 4:
					s.MinScale = math.Float64frombits(raw)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "scaler state")
			}
			c.ScalerState = s
		case ckptScheduler:
			s := &SchedulerState{}
			err := tensor.Fields(val, func(num protowire.Number, _ protowire.Type, val []byte, raw uint64) error {
				switch num {
				case 1:
					s.Name = string(val)
				case 2:
					s.Step = int(int64(raw))
				case 3:
					s.BaseLR = math.Float64frombits(raw)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "scheduler state")
			}
			c.SchedulerState = s
		case ckptMetadata:
			err := tensor.Fields(val, func(num protowire.Number, _ protowire.Type, val []byte, raw uint64) error {
				switch num {
				case 1:
					c.Metadata.RunID = string(val)
				case 2:
					c.Metadata.Version = string(val)
				case 3:
					c.Metadata.Framework = string(val)
				case 4:
					c.Metadata.CreatedAt = time.Unix(0, int64(raw))
				case 5:
					c.Metadata.Description = string(val)
				}
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "metadata")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parseWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := tensor.Fields(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		var err error
		switch num {
		case 1:
			w.Name = string(val)
		case 2:
			w.Shape, err = tensor.ParseInts(val)
		case 3:
			w.Data, err = tensor.ParseDoubles(val)
		}
		return err
	})
	return w, err
}

// MarshalOptimizerState encodes an Optimizer message. It is also the
// payload used to broadcast optimizer state between workers.
func MarshalOptimizerState(o *OptimizerState) ([]byte, error) {
	m := appendString(nil, 1, o.Type)
	if len(o.Parameters) > 0 {
		var err error
		if m, err = appendStruct(m, 2, o.Parameters); err != nil {
			return nil, errors.Wrap(err, "optimizer parameters")
		}
	}
	for _, st := range o.StateData {
		var sm []byte
		sm = appendString(sm, 1, st.Name)
		sm = tensor.AppendInts(sm, 2, st.Shape)
		sm = tensor.AppendDoubles(sm, 3, st.Data)
		sm = appendString(sm, 4, st.StateType)
		m = appendMessage(m, 3, sm)
	}
	return m, nil
}

// UnmarshalOptimizerState decodes an Optimizer message.
func UnmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]interface{}{}}
	err := tensor.Fields(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		switch num {
		case 1:
			o.Type = string(val)
		case 2:
			m, err := parseStruct(val)
			if err != nil {
				return err
			}
			o.Parameters = m
		case 3:
			var st OptimizerTensor
			err := tensor.Fields(val, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
				var err error
				switch num {
				case 1:
					st.Name = string(val)
				case 2:
					st.Shape, err = tensor.ParseInts(val)
				case 3:
					st.Data, err = tensor.ParseDoubles(val)
				case 4:
					st.StateType = string(val)
				}
				return err
			})
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, st)
		}
		return nil
	})
	return o, err
}
