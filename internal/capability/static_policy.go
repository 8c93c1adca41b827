package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/reviewflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML file mapping roles
// to capability strings. Admin roles are granted workflow:* regardless of
// what the file says.
type StaticPolicyEvaluator struct {
	path       string
	adminRoles []string

	mu     sync.RWMutex
	policy policyFile
}

var _ model.PolicyEvaluator = (*StaticPolicyEvaluator)(nil)

// NewStaticPolicyEvaluator creates an evaluator that loads policies from
// path. An empty path yields a policy made only of adminRoles.
func NewStaticPolicyEvaluator(path string, adminRoles ...string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path, adminRoles: adminRoles}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the capabilities granted to role.
func (e *StaticPolicyEvaluator) ResolveCapabilities(role string) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, c := range e.policy.Roles[role] {
		caps[c] = true
	}
	for _, admin := range e.adminRoles {
		if admin == role {
			caps[model.CapWorkflowAll] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk. On failure the previous policy
// stays in effect.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
