package arena

import (
	"errors"
	"fmt"

	"github.com/atmx/arena-engine/internal/model"
)

// ErrIllegalTransition is returned when a run attempts a transition the
// lifecycle does not allow.
var ErrIllegalTransition = errors.New("arena: illegal run state transition")

// transitions lists the successor of each non-terminal state. Any
// non-terminal state may also move to FAILED.
var transitions = map[model.RunState]model.RunState{
	model.StatePending:        model.StateDataFetched,
	model.StateDataFetched:    model.StateStrategistDone,
	model.StateStrategistDone: model.StateRiskDone,
	model.StateRiskDone:       model.StateExecuted,
	model.StateExecuted:       model.StateRecorded,
}

// failStage is the stage a run is in when it fails from a given state.
var failStage = map[model.RunState]model.Stage{
	model.StatePending:        model.StageData,
	model.StateDataFetched:    model.StageStrategist,
	model.StateStrategistDone: model.StageRiskGuard,
	model.StateRiskDone:       model.StageExecution,
	model.StateExecuted:       model.StagePersistence,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to model.RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == model.StateFailed {
		return true
	}
	return transitions[from] == to
}

// StageOf returns the stage that fails when a run in state s fails.
func StageOf(s model.RunState) model.Stage {
	return failStage[s]
}

// advance moves run to the next state.
func advance(run *model.RunLog, to model.RunState) error {
	if !CanTransition(run.State, to) || to == model.StateFailed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, run.State, to)
	}
	run.State = to
	return nil
}

// fail moves run to FAILED, recording the stage implied by its current state.
func fail(run *model.RunLog, reason string) error {
	if !CanTransition(run.State, model.StateFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, run.State, model.StateFailed)
	}
	run.FailedStage = StageOf(run.State)
	run.FailureReason = reason
	run.Errors = append(run.Errors, reason)
	run.State = model.StateFailed
	return nil
}
