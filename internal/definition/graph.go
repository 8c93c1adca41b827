package definition

import "github.com/pitabwire/reviewflow/model"

// Successor is the outcome of resolving an action at a stage.
type Successor struct {
	// Stage is the stage the instance is in after the action. For terminal
	// and stay actions it is the current stage.
	Stage    model.StageDefinition
	Terminal bool
	Stay     bool
}

// FirstStage returns the stage with the lowest order.
func FirstStage(def model.WorkflowDefinition) (model.StageDefinition, error) {
	if len(def.Stages) == 0 {
		return model.StageDefinition{}, model.NewMalformedDefinitionError(def.ID, "no stages defined")
	}
	first := def.Stages[0]
	for _, s := range def.Stages[1:] {
		if s.Order < first.Order {
			first = s
		}
	}
	return first, nil
}

// NextStage resolves where actionID leads from currentStageID. It never
// picks between duplicate action definitions.
func NextStage(def model.WorkflowDefinition, currentStageID, actionID string) (Successor, error) {
	current, ok := def.Stage(currentStageID)
	if !ok {
		return Successor{}, model.NewUnknownStageError(def.ID, currentStageID)
	}

	action, err := findAction(current, actionID)
	if err != nil {
		return Successor{}, err
	}

	switch action.EffectiveKind() {
	case model.ActionKindStay:
		return Successor{Stage: current, Stay: true}, nil

	case model.ActionKindReturn:
		if action.Target == "" {
			return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "return action has no target")
		}
		target, ok := def.Stage(action.Target)
		if !ok {
			return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "target stage "+action.Target+" does not exist")
		}
		if target.Order >= current.Order {
			return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "return target is not an earlier stage")
		}
		return Successor{Stage: target}, nil

	case model.ActionKindAdvance:
		if action.Target != "" {
			target, ok := def.Stage(action.Target)
			if !ok {
				return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "target stage "+action.Target+" does not exist")
			}
			if target.Order <= current.Order {
				return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "advance target is not a later stage")
			}
			return Successor{Stage: target}, nil
		}
		next, ok := stageAfter(def, current.Order)
		if !ok {
			return Successor{Stage: current, Terminal: true}, nil
		}
		return Successor{Stage: next}, nil

	default:
		return Successor{}, model.NewNoSuchTransitionError(current.ID, actionID, "unknown action kind "+action.Kind)
	}
}

// FindAction returns the single action with actionID at stage.
func FindAction(stage model.StageDefinition, actionID string) (model.ActionDefinition, error) {
	return findAction(stage, actionID)
}

func findAction(stage model.StageDefinition, actionID string) (model.ActionDefinition, error) {
	var (
		found model.ActionDefinition
		n     int
	)
	for _, a := range stage.AllowedActions {
		if a.ID == actionID {
			found = a
			n++
		}
	}
	switch n {
	case 0:
		return model.ActionDefinition{}, model.NewNoSuchTransitionError(stage.ID, actionID, "action not defined at stage")
	case 1:
		return found, nil
	default:
		return model.ActionDefinition{}, model.NewAmbiguousTransitionError(stage.ID, actionID)
	}
}

// stageAfter returns the stage with the smallest order greater than order.
func stageAfter(def model.WorkflowDefinition, order int) (model.StageDefinition, bool) {
	var (
		next  model.StageDefinition
		found bool
	)
	for _, s := range def.Stages {
		if s.Order > order && (!found || s.Order < next.Order) {
			next = s
			found = true
		}
	}
	return next, found
}
