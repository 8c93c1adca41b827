package model

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Action kinds.
const (
	ActionKindAdvance = "advance"
	ActionKindReturn  = "return"
	ActionKindStay    = "stay"
)

// WorkflowDefinition is an immutable, versioned stage graph loaded from
// configuration. Stages are listed in ascending order.
type WorkflowDefinition struct {
	ID              string            `yaml:"id"              json:"id"`
	Name            string            `yaml:"name"            json:"name"`
	Version         string            `yaml:"version"         json:"version"`
	Description     string            `yaml:"description"     json:"description,omitempty"`
	CompletedStatus string            `yaml:"completedStatus" json:"completedStatus,omitempty"`
	Stages          []StageDefinition `yaml:"stages"          json:"stages"`

	// Populated by the loader.
	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// Stage returns the stage with the given id.
func (d *WorkflowDefinition) Stage(id string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// StageDefinition is a named point in a workflow.
type StageDefinition struct {
	ID             string             `yaml:"id"             json:"id"`
	Name           string             `yaml:"name"           json:"name"`
	Order          int                `yaml:"order"          json:"order"`
	RequiredRoles  []string           `yaml:"requiredRoles"  json:"requiredRoles"`
	AllowedActions []ActionDefinition `yaml:"allowedActions" json:"allowedActions"`
}

// ActionDefinition is a legal action at a stage. In configuration an action
// may be written as a bare string, which sets only its ID.
type ActionDefinition struct {
	ID             string   `yaml:"id"             json:"id"`
	Label          string   `yaml:"label"          json:"label,omitempty"`
	Kind           string   `yaml:"kind"           json:"kind,omitempty"`
	Target         string   `yaml:"target"         json:"target,omitempty"`
	Roles          []string `yaml:"roles"          json:"roles,omitempty"`
	RequireComment bool     `yaml:"requireComment" json:"requireComment,omitempty"`
}

// EffectiveKind returns the action kind, defaulting to advance.
func (a ActionDefinition) EffectiveKind() string {
	if a.Kind == "" {
		return ActionKindAdvance
	}
	return a.Kind
}

// EffectiveRoles returns the roles allowed to perform the action: its own
// override when present, otherwise the stage's required roles.
func (a ActionDefinition) EffectiveRoles(stage StageDefinition) []string {
	if len(a.Roles) > 0 {
		return a.Roles
	}
	return stage.RequiredRoles
}

type actionAlias ActionDefinition

// UnmarshalJSON accepts either "submit" or {"id": "submit", ...}.
func (a *ActionDefinition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*a = ActionDefinition{ID: id}
		return nil
	}
	var alias actionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*a = ActionDefinition(alias)
	return nil
}

// UnmarshalYAML accepts either a scalar action id or a mapping.
func (a *ActionDefinition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = ActionDefinition{ID: node.Value}
		return nil
	}
	var alias actionAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}
	*a = ActionDefinition(alias)
	return nil
}
