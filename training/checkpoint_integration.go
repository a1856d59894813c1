package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-disttrain/checkpoints"
	"github.com/tsawler/go-disttrain/collective"
	"github.com/tsawler/go-disttrain/log"
	"github.com/tsawler/go-disttrain/optimizer"
	"github.com/tsawler/go-disttrain/precision"
	"github.com/tsawler/go-disttrain/tensor"
)

// TrainingState is everything a checkpoint captures. Iteration counts the
// optimizer steps completed; Scaler and Scheduler are optional.
type TrainingState struct {
	Iteration int
	Epoch     int
	Params    []*tensor.Parameter
	Optimizer optimizer.Optimizer
	Scaler    *precision.Scaler
	Scheduler *ScheduleStepper
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Directory string                       // empty disables saving
	Format    checkpoints.CheckpointFormat // JSON or Proto
	KeepLast  int                          // periodic checkpoints to keep (0 = unlimited)
}

// RestoreOptions selects which parts of a checkpoint are ignored.
type RestoreOptions struct {
	ResetOptimizer bool
	ResetLR        bool
}

// ErrCheckpointWrite is returned on every worker when the coordinating
// worker failed to write a checkpoint.
var ErrCheckpointWrite = errors.New("checkpoint write failed")

// CheckpointStore saves and restores TrainingState. Only the coordinating
// worker writes; every worker takes part in the barrier that follows a
// save.
type CheckpointStore struct {
	config CheckpointConfig
	comm   collective.Collective
	saver  *checkpoints.CheckpointSaver
	logger *log.Logger
	runID  string
	saved  []string // periodic checkpoints, oldest first
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(comm collective.Collective, config CheckpointConfig, logger *log.Logger) *CheckpointStore {
	return &CheckpointStore{
		config: config,
		comm:   comm,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger.Named("checkpoints"),
		runID:  checkpoints.NewRunID(),
	}
}

// Enabled reports whether saves write files.
func (s *CheckpointStore) Enabled() bool {
	return s.config.Directory != ""
}

// Path returns the file for a save point: model_<iteration>.pth for
// periodic saves and model_<suffix>.pth for named ones.
func (s *CheckpointStore) Path(iteration int, suffix string) string {
	if suffix == "" {
		suffix = strconv.Itoa(iteration)
	}
	return filepath.Join(s.config.Directory, fmt.Sprintf("model_%s.pth", suffix))
}

// Save snapshots state. An empty suffix is a periodic save keyed by the
// iteration. It returns the written path on the coordinating worker and
// "" elsewhere.
func (s *CheckpointStore) Save(ctx context.Context, state *TrainingState, suffix string, metrics map[string]float64) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	var (
		path    string
		saveErr error
	)
	if collective.IsCoordinator(s.comm) {
		path = s.Path(state.Iteration, suffix)
		saveErr = s.write(state, path, suffix, metrics)
	}

	// the gather doubles as the barrier and carries the coordinator's
	// outcome, so a failed write stops every worker
	var status []byte
	if saveErr != nil {
		status = []byte(saveErr.Error())
	}
	name := fmt.Sprintf("checkpoint.%d.%s", state.Iteration, suffix)
	statuses, err := s.comm.AllGather(ctx, name, status)
	if err != nil {
		return "", errors.WithMessage(err, "checkpoint barrier")
	}
	if saveErr != nil {
		return "", saveErr
	}
	for rank, msg := range statuses {
		if len(msg) > 0 {
			return "", errors.Wrapf(ErrCheckpointWrite, "rank %d: %s", rank, msg)
		}
	}
	if path != "" {
		s.logger.Infof("Model was saved to %s", path)
	}
	return path, nil
}

func (s *CheckpointStore) write(state *TrainingState, path, suffix string, metrics map[string]float64) error {
	ckpt, err := s.snapshot(state, metrics)
	if err != nil {
		return err
	}
	if suffix != "" {
		ckpt.Metadata.Description = suffix
	}
	if err := os.MkdirAll(s.config.Directory, 0o755); err != nil {
		return errors.Wrap(err, "creating checkpoint directory")
	}
	if err := s.saver.SaveCheckpoint(ckpt, path); err != nil {
		return err
	}
	if suffix == "" {
		s.saved = append(s.saved, path)
		s.prune()
	}
	return nil
}

func (s *CheckpointStore) snapshot(state *TrainingState, metrics map[string]float64) (*checkpoints.Checkpoint, error) {
	ckpt := &checkpoints.Checkpoint{
		ModelState: checkpoints.ExtractWeights(state.Params),
		Iteration:  state.Iteration,
		Epoch:      state.Epoch,
		Metrics:    metrics,
		Metadata:   checkpoints.CheckpointMetadata{RunID: s.runID},
	}
	if state.Optimizer != nil {
		opt, err := state.Optimizer.GetState()
		if err != nil {
			return nil, errors.WithMessage(err, "getting optimizer state")
		}
		ckpt.OptimizerState = opt
	}
	if state.Scaler != nil {
		ckpt.ScalerState = state.Scaler.State()
	}
	if state.Scheduler != nil {
		ckpt.SchedulerState = state.Scheduler.State()
	}
	return ckpt, nil
}

// prune removes the oldest periodic checkpoints beyond KeepLast.
func (s *CheckpointStore) prune() {
	if s.config.KeepLast <= 0 {
		return
	}
	for len(s.saved) > s.config.KeepLast {
		old := s.saved[0]
		s.saved = s.saved[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			s.logger.Warnf("failed to remove old checkpoint %s: %v", old, err)
		}
	}
}

// Restore loads path into state. Model parameters load partially: names
// the checkpoint lacks keep their current values and names the model lacks
// are ignored. Optimizer and schedule state are skipped when reset, and
// any section the checkpoint does not hold is left as initialized.
// state.Iteration is set to the checkpointed iteration, so training
// continues with the one after it.
func (s *CheckpointStore) Restore(path string, state *TrainingState, opts RestoreOptions) (*checkpoints.Checkpoint, error) {
	ckpt, err := s.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %s", path)
	}

	missing, unexpected := checkpoints.LoadModelState(state.Params, ckpt.ModelState)
	if len(missing) != 0 {
		s.logger.Infof("%v were not loaded from checkpoint! These parameters were randomly initialized.", missing)
	}
	if len(unexpected) != 0 {
		s.logger.Infof("%v were found in checkpoint, but model is not expecting them!", unexpected)
	}

	if ckpt.OptimizerState != nil && state.Optimizer != nil && !opts.ResetOptimizer {
		s.logger.Infof("Loading optimizer state_dict from the checkpoint.")
		if err := state.Optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return nil, errors.WithMessage(err, "restoring optimizer state")
		}
	}
	if state.Scheduler != nil {
		switch {
		case ckpt.SchedulerState != nil && !opts.ResetLR:
			s.logger.Infof("Loading lr_scheduler state_dict from the checkpoint.")
			if err := state.Scheduler.LoadState(ckpt.SchedulerState); err != nil {
				return nil, errors.WithMessage(err, "restoring lr scheduler state")
			}
		default:
			// the restored optimizer carries the checkpointed rate
			state.Scheduler.apply()
		}
	}
	if ckpt.ScalerState != nil && state.Scaler != nil {
		if err := state.Scaler.LoadState(ckpt.ScalerState); err != nil {
			return nil, errors.WithMessage(err, "restoring loss scaler state")
		}
	}

	state.Iteration = ckpt.Iteration
	state.Epoch = ckpt.Epoch

	s.logger.Infof("Model was loaded from: %s", path)
	s.logger.Infof("Start iteration = %d", ckpt.Iteration+1)
	if state.Scheduler != nil && opts.ResetLR {
		s.logger.Warnf("lr_scheduler is not loaded from the checkpoint. New lr_scheduler is used with starting step 0. Current iteration number is ignored.")
	}
	if opts.ResetOptimizer {
		s.logger.Warnf("Optimizer is not loaded from the checkpoint. New optimizer is created.")
	}
	return ckpt, nil
}
