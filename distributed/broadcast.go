package distributed

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/tensor"
)

// BroadcastParameters overwrites every parameter with root's values so
// that all workers start from identical weights.
func BroadcastParameters(ctx context.Context, comm collective.Collective, params []*tensor.Parameter, root int) error {
	for _, p := range params {
		name := fmt.Sprintf("param.%s", p.Name)
		if err := collective.BroadcastFloats(ctx, comm, name, p.Data, root); err != nil {
			return errors.WithMessagef(err, "broadcasting parameter %s", p.Name)
		}
	}
	return nil
}

// ErrRootState is returned on the receiving workers when the root could
// not produce its optimizer state.
var ErrRootState = errors.New("root failed to share optimizer state")

// Broadcast payloads lead with a status byte.
const (
	stateOK byte = iota
	stateFailed
)

// BroadcastOptimizerState replaces the optimizer state on every worker with
// root's state, including the learning rate and moment buffers. The root
// joins the broadcast even when it fails, so the other workers return
// ErrRootState instead of waiting.
func BroadcastOptimizerState(ctx context.Context, comm collective.Collective, opt optimizer.Optimizer, root int) error {
	var (
		payload []byte
		rootErr error
	)
	if comm.Rank() == root {
		payload, rootErr = marshalState(opt)
		if rootErr != nil {
			payload = append([]byte{stateFailed}, rootErr.Error()...)
		} else {
			payload = append([]byte{stateOK}, payload...)
		}
	}

	payload, err := comm.Broadcast(ctx, "optimizer_state", payload, root)
	if err != nil {
		return err
	}
	if comm.Rank() == root {
		return rootErr
	}

	if len(payload) == 0 {
		return errors.Wrap(ErrRootState, "empty payload")
	}
	if payload[0] != stateOK {
		return errors.Wrapf(ErrRootState, "rank %d: %s", root, payload[1:])
	}
	state, err := checkpoints.UnmarshalOptimizerState(payload[1:])
	if err != nil {
		return errors.WithMessage(err, "decoding broadcast optimizer state")
	}
	return opt.LoadState(state)
}

func marshalState(opt optimizer.Optimizer) ([]byte, error) {
	state, err := opt.GetState()
	if err != nil {
		return nil, errors.WithMessage(err, "extracting optimizer state")
	}
	return checkpoints.MarshalOptimizerState(state)
}
