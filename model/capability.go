package model

import "strings"

// Workflow capabilities checked by the lifecycle manager.
const (
	CapWorkflowReset     = "workflow:reset"
	CapWorkflowReconcile = "workflow:reconcile"
	CapWorkflowAdmin     = "workflow:admin"
	CapWorkflowAll       = "workflow:*"
)

// CapabilitySet is a set of capabilities granted to a role. Each key is a
// capability string (e.g. "workflow:reset") and may include wildcards
// (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"          matches anything
//	"workflow:*" matches "workflow:reset"
//	"workflow"   does NOT match "workflow:reset"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1] // "workflow:*" → "workflow:"
	return strings.HasPrefix(cap, prefix)
}

// PolicyEvaluator resolves the capabilities granted to a role.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the role.
	ResolveCapabilities(role string) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
