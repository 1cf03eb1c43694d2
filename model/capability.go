package model

import "strings"

// CapabilitySet is the set of permissions granted to a user. Keys are
// permission strings such as "template.create" and may end in a wildcard
// segment ("template.*", "*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact permission or a wildcard
// that matches it. An empty permission is always granted.
func (cs CapabilitySet) Has(permission string) bool {
	if permission == "" || cs[permission] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, permission) {
			return true
		}
	}
	return false
}

// HasAll returns true if every permission is granted.
func (cs CapabilitySet) HasAll(permissions ...string) bool {
	for _, p := range permissions {
		if !cs.Has(p) {
			return false
		}
	}
	return true
}

// HasAny returns true if at least one permission is granted.
func (cs CapabilitySet) HasAny(permissions ...string) bool {
	for _, p := range permissions {
		if cs.Has(p) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern matches permission. Both "." and ":"
// separate segments:
//
//	"*"              matches anything
//	"template.*"     matches "template.create"
//	"template:*"     matches "template:create"
//	"template"       does NOT match "template.create"
func matchWildcard(pattern, permission string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") && !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(permission, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the permission set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a subject's roles to permissions.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	Sync() error
}
