package definition

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/reviewflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation codes.
const (
	CodeRequired            = "REQUIRED"
	CodeDuplicate           = "DUPLICATE"
	CodeInvalidFormat       = "INVALID_FORMAT"
	CodeInvalidOrder        = "INVALID_ORDER"
	CodeRefNotFound         = "REF_NOT_FOUND"
	CodeInvalidEnum         = "INVALID_ENUM"
	CodeAmbiguousTransition = "AMBIGUOUS_TRANSITION"
	CodeNoOutgoingAction    = "NO_OUTGOING_ACTION"
	CodeReserved            = "RESERVED"
)

// stageIDPattern is the single canonical stage ID scheme. Instances store
// stage IDs verbatim, so nothing normalizes them on read.
var stageIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

var validActionKinds = map[string]bool{
	"":                      true,
	model.ActionKindAdvance: true,
	model.ActionKindReturn:  true,
	model.ActionKindStay:    true,
}

// ValidStageID reports whether id follows the canonical stage ID scheme.
func ValidStageID(id string) bool {
	return stageIDPattern.MatchString(id)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including ID uniqueness across files.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if first, dup := seen[def.ID]; dup && def.ID != "" {
			errs = append(errs, VError{Path: prefix + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("workflow %q is also defined in %s", def.ID, first)})
		}
		seen[def.ID] = prefix
		errs = append(errs, v.ValidateWorkflow(prefix, def)...)
	}
	return errs
}

// ValidateWorkflow checks a single definition.
func (v *Validator) ValidateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}
	if w.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: CodeRequired, Message: "version is required"})
	}
	if len(w.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: CodeRequired, Message: "at least one stage is required"})
		return errs
	}

	stages := make(map[string]model.StageDefinition, len(w.Stages))
	for i, s := range w.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		switch {
		case s.ID == "":
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "stage id is required"})
		case !ValidStageID(s.ID):
			errs = append(errs, VError{Path: sp + ".id", Code: CodeInvalidFormat, Message: fmt.Sprintf("stage id %q must match %s", s.ID, stageIDPattern)})
		}
		if _, dup := stages[s.ID]; dup && s.ID != "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("stage %q is defined twice", s.ID)})
		}
		stages[s.ID] = s

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: CodeRequired, Message: "stage name is required"})
		}
		if len(s.RequiredRoles) == 0 {
			errs = append(errs, VError{Path: sp + ".requiredRoles", Code: CodeRequired, Message: "at least one required role is needed"})
		}
		if i > 0 && s.Order <= w.Stages[i-1].Order {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    CodeInvalidOrder,
				Message: fmt.Sprintf("order %d must be greater than the previous stage's order %d", s.Order, w.Stages[i-1].Order),
			})
		}
	}

	last := len(w.Stages) - 1
	for i, s := range w.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		errs = append(errs, v.validateActions(sp, s, stages, i == last)...)
	}

	return errs
}

func (v *Validator) validateActions(prefix string, s model.StageDefinition, stages map[string]model.StageDefinition, terminal bool) []VError {
	var errs []VError

	actionIDs := make(map[string]bool)
	outgoing, completing := 0, 0

	for j, a := range s.AllowedActions {
		ap := fmt.Sprintf("%s.allowedActions[%d]", prefix, j)

		if a.ID == "" {
			errs = append(errs, VError{Path: ap + ".id", Code: CodeRequired, Message: "action id is required"})
			continue
		}
		if a.ID == model.ActionReset {
			errs = append(errs, VError{Path: ap + ".id", Code: CodeReserved, Message: "action id \"reset\" is reserved"})
		}
		if actionIDs[a.ID] {
			errs = append(errs, VError{Path: ap + ".id", Code: CodeAmbiguousTransition, Message: fmt.Sprintf("action %q is defined more than once at stage %q", a.ID, s.ID)})
		}
		actionIDs[a.ID] = true

		if !validActionKinds[a.Kind] {
			errs = append(errs, VError{Path: ap + ".kind", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid action kind %q", a.Kind)})
			continue
		}

		kind := a.EffectiveKind()
		if kind != model.ActionKindStay {
			outgoing++
		}
		if kind == model.ActionKindAdvance && a.Target == "" && terminal {
			completing++
		}

		if a.Target == "" {
			if kind == model.ActionKindReturn {
				errs = append(errs, VError{Path: ap + ".target", Code: CodeRequired, Message: "return actions need a target stage"})
			}
			continue
		}
		target, ok := stages[a.Target]
		if !ok {
			errs = append(errs, VError{Path: ap + ".target", Code: CodeRefNotFound, Message: fmt.Sprintf("stage %q not found", a.Target)})
			continue
		}
		switch kind {
		case model.ActionKindAdvance:
			if target.Order <= s.Order {
				errs = append(errs, VError{Path: ap + ".target", Code: CodeInvalidOrder, Message: fmt.Sprintf("advance target %q is not a later stage", a.Target)})
			}
		case model.ActionKindReturn:
			if target.Order >= s.Order {
				errs = append(errs, VError{Path: ap + ".target", Code: CodeInvalidOrder, Message: fmt.Sprintf("return target %q is not an earlier stage", a.Target)})
			}
		case model.ActionKindStay:
			errs = append(errs, VError{Path: ap + ".target", Code: CodeInvalidEnum, Message: "stay actions cannot have a target"})
		}
	}

	if outgoing == 0 {
		errs = append(errs, VError{Path: prefix + ".allowedActions", Code: CodeNoOutgoingAction, Message: fmt.Sprintf("stage %q has no outgoing action", s.ID)})
	} else if terminal && completing == 0 {
		errs = append(errs, VError{Path: prefix + ".allowedActions", Code: CodeNoOutgoingAction, Message: fmt.Sprintf("final stage %q has no completing action", s.ID)})
	}

	return errs
}
