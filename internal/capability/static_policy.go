package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Tripsy/dashboard/model"
)

// policyFile is the on-disk policy:
//
//	roles:
//	  viewer: [users.find]
//	  support: [users.update]
//	inherits:
//	  support: [viewer]
type policyFile struct {
	Roles    map[string][]string `yaml:"roles"`
	Inherits map[string][]string `yaml:"inherits"`
}

// StaticPolicyEvaluator grants permissions such as "users.create" or
// "users.*" to roles listed in a YAML file. A role also holds the
// permissions of the roles it inherits, transitively.
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	grant map[string][]string
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of the permissions granted to the
// context's roles. Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, perm := range e.grant[role] {
			caps[perm] = true
		}
	}
	return caps, nil
}

// HealthCheck fails when the policy defines no roles.
func (e *StaticPolicyEvaluator) HealthCheck(context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.grant) == 0 {
		return errors.New("capability: policy defines no roles")
	}
	return nil
}

// Sync reloads the policy file. On error the previous policy stays in
// effect.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}
	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	grant, err := compile(p)
	if err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.grant = grant
	e.mu.Unlock()
	return nil
}

// compile flattens inheritance into one sorted permission list per role.
func compile(p policyFile) (map[string][]string, error) {
	var errs []error
	for role, perms := range p.Roles {
		for _, perm := range perms {
			if err := checkPermission(perm); err != nil {
				errs = append(errs, fmt.Errorf("role %q: %w", role, err))
			}
		}
	}
	for role, parents := range p.Inherits {
		if _, ok := p.Roles[role]; !ok {
			errs = append(errs, fmt.Errorf("inherits: unknown role %q", role))
		}
		for _, parent := range parents {
			if _, ok := p.Roles[parent]; !ok {
				errs = append(errs, fmt.Errorf("role %q inherits unknown role %q", role, parent))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	grant := make(map[string][]string, len(p.Roles))
	for role := range p.Roles {
		perms, err := collect(p, role, nil)
		if err != nil {
			return nil, err
		}
		slices.Sort(perms)
		grant[role] = slices.Compact(perms)
	}
	return grant, nil
}

func collect(p policyFile, role string, path []string) ([]string, error) {
	if slices.Contains(path, role) {
		return nil, fmt.Errorf("inheritance cycle: %s", strings.Join(append(path, role), " -> "))
	}
	path = append(path, role)
	perms := slices.Clone(p.Roles[role])
	for _, parent := range p.Inherits[role] {
		inherited, err := collect(p, parent, path)
		if err != nil {
			return nil, err
		}
		perms = append(perms, inherited...)
	}
	return perms, nil
}

// checkPermission accepts "*" and dot or colon separated segments where
// only the last segment may be "*".
func checkPermission(perm string) error {
	if perm == "*" {
		return nil
	}
	if perm == "" || strings.ContainsAny(perm, " \t") {
		return fmt.Errorf("invalid permission %q", perm)
	}
	segments := strings.FieldsFunc(perm, func(r rune) bool { return r == '.' || r == ':' })
	if len(segments) < 2 || strings.Count(perm, ".")+strings.Count(perm, ":") != len(segments)-1 {
		return fmt.Errorf("invalid permission %q: want <data-source>.<action>", perm)
	}
	for _, s := range segments[:len(segments)-1] {
		if strings.Contains(s, "*") {
			return fmt.Errorf("invalid permission %q: wildcard must be the last segment", perm)
		}
	}
	if last := segments[len(segments)-1]; last != "*" && strings.Contains(last, "*") {
		return fmt.Errorf("invalid permission %q: partial wildcard", perm)
	}
	return nil
}
