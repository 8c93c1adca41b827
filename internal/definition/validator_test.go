package definition

import (
	"testing"

	"github.com/pitabwire/reviewflow/model"
)

func validWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:      "simple-review",
		Name:    "Simple Review",
		Version: "1.0.0",
		Stages: []model.StageDefinition{
			{
				ID: "draft", Name: "Draft", Order: 1, RequiredRoles: []string{"Author"},
				AllowedActions: []model.ActionDefinition{{ID: "submit"}, {ID: "save_draft", Kind: model.ActionKindStay}},
			},
			{
				ID: "review", Name: "Review", Order: 2, RequiredRoles: []string{"Reviewer"},
				AllowedActions: []model.ActionDefinition{{ID: "approve"}, {ID: "request_changes", Kind: model.ActionKindReturn, Target: "draft"}},
			},
			{
				ID: "published", Name: "Published", Order: 3, RequiredRoles: []string{"Publisher"},
				AllowedActions: []model.ActionDefinition{{ID: "finalize"}},
			},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator()
	if errs := v.Validate([]model.WorkflowDefinition{validWorkflow()}); len(errs) != 0 {
		t.Errorf("Validate() returned %d errors: %v", len(errs), errs)
	}
}

func TestValidator_fixtures_are_valid(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatal(err)
	}
	if errs := NewValidator().Validate(defs); len(errs) != 0 {
		t.Errorf("Validate(fixtures) returned %v", errs)
	}
}

func TestValidator_rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *model.WorkflowDefinition)
		code   string
	}{
		{"missing id", func(w *model.WorkflowDefinition) { w.ID = "" }, CodeRequired},
		{"missing version", func(w *model.WorkflowDefinition) { w.Version = "" }, CodeRequired},
		{"no stages", func(w *model.WorkflowDefinition) { w.Stages = nil }, CodeRequired},
		{"non canonical stage id", func(w *model.WorkflowDefinition) { w.Stages[0].ID = "1" }, CodeInvalidFormat},
		{"upper case stage id", func(w *model.WorkflowDefinition) { w.Stages[0].ID = "Stage1" }, CodeInvalidFormat},
		{"duplicate stage id", func(w *model.WorkflowDefinition) { w.Stages[1].ID = "draft" }, CodeDuplicate},
		{"duplicate order", func(w *model.WorkflowDefinition) { w.Stages[1].Order = 1 }, CodeInvalidOrder},
		{"decreasing order", func(w *model.WorkflowDefinition) { w.Stages[2].Order = 0 }, CodeInvalidOrder},
		{"no roles", func(w *model.WorkflowDefinition) { w.Stages[1].RequiredRoles = nil }, CodeRequired},
		{"duplicate action", func(w *model.WorkflowDefinition) {
			w.Stages[1].AllowedActions = append(w.Stages[1].AllowedActions, model.ActionDefinition{ID: "approve", Target: "published"})
		}, CodeAmbiguousTransition},
		{"reserved action", func(w *model.WorkflowDefinition) {
			w.Stages[0].AllowedActions = append(w.Stages[0].AllowedActions, model.ActionDefinition{ID: "reset"})
		}, CodeReserved},
		{"bad kind", func(w *model.WorkflowDefinition) { w.Stages[0].AllowedActions[0].Kind = "teleport" }, CodeInvalidEnum},
		{"missing target", func(w *model.WorkflowDefinition) { w.Stages[0].AllowedActions[0].Target = "nowhere" }, CodeRefNotFound},
		{"advance backwards", func(w *model.WorkflowDefinition) { w.Stages[1].AllowedActions[0].Target = "draft" }, CodeInvalidOrder},
		{"return forwards", func(w *model.WorkflowDefinition) { w.Stages[1].AllowedActions[1].Target = "published" }, CodeInvalidOrder},
		{"return without target", func(w *model.WorkflowDefinition) { w.Stages[1].AllowedActions[1].Target = "" }, CodeRequired},
		{"stay only stage", func(w *model.WorkflowDefinition) {
			w.Stages[0].AllowedActions = []model.ActionDefinition{{ID: "save_draft", Kind: model.ActionKindStay}}
		}, CodeNoOutgoingAction},
		{"final stage cannot complete", func(w *model.WorkflowDefinition) {
			w.Stages[2].AllowedActions = []model.ActionDefinition{{ID: "bounce", Kind: model.ActionKindReturn, Target: "review"}}
		}, CodeNoOutgoingAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(&w)
			errs := NewValidator().Validate([]model.WorkflowDefinition{w})
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_duplicate_workflow_ids(t *testing.T) {
	a, b := validWorkflow(), validWorkflow()
	a.SourceFile, b.SourceFile = "a.json", "b.json"
	errs := NewValidator().Validate([]model.WorkflowDefinition{a, b})
	if !hasCode(errs, CodeDuplicate) {
		t.Errorf("Validate() = %v, want DUPLICATE", errs)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "wf.stages[0].id", Code: CodeRequired, Message: "stage id is required"}
	if got := e.Error(); got != "wf.stages[0].id: stage id is required" {
		t.Errorf("Error() = %q", got)
	}
}
