package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tripsy/dashboard/model"
)

const testPolicy = `roles:
  user_viewer:
    - users.find
  user_manager:
    - users.find
    - users.create
    - users.update
  admin:
    - users.*
    - templates.*
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	return path
}

func newEvaluator(t *testing.T) *StaticPolicyEvaluator {
	t.Helper()
	e, err := NewStaticPolicyEvaluator(writePolicy(t, testPolicy))
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	return e
}

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", Roles: roles}
}

// --- StaticPolicyEvaluator tests ---

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e := newEvaluator(t)

	caps, err := e.ResolveCapabilities(testRctx("user_viewer"))
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	if !caps.Has("users.find") {
		t.Error("user_viewer should have users.find")
	}
	if caps.Has("users.create") {
		t.Error("user_viewer should not have users.create")
	}
}

func TestStaticPolicyEvaluator_MultipleRoles(t *testing.T) {
	e := newEvaluator(t)
	caps, _ := e.ResolveCapabilities(testRctx("user_viewer", "user_manager"))

	if !caps.HasAll("users.find", "users.create", "users.update") {
		t.Errorf("combined roles caps = %v", caps)
	}
}

func TestStaticPolicyEvaluator_Wildcard(t *testing.T) {
	e := newEvaluator(t)
	caps, _ := e.ResolveCapabilities(testRctx("admin"))

	if !caps.Has("users.delete") {
		t.Error("admin with users.* should match users.delete")
	}
	if !caps.Has("templates.restore") {
		t.Error("admin with templates.* should match templates.restore")
	}
	if caps.Has("invoices.find") {
		t.Error("admin should not match invoices.find")
	}
}

func TestStaticPolicyEvaluator_UnknownRole(t *testing.T) {
	e := newEvaluator(t)
	caps, _ := e.ResolveCapabilities(testRctx("nonexistent"))

	if len(caps) != 0 {
		t.Errorf("unknown role should return empty capabilities, got %v", caps)
	}
}

func TestStaticPolicyEvaluator_Inherits(t *testing.T) {
	e, err := NewStaticPolicyEvaluator(writePolicy(t, `roles:
  viewer: [users.find]
  support: [users.update]
  lead: ["templates.*"]
inherits:
  support: [viewer]
  lead: [support]
`))
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	caps, _ := e.ResolveCapabilities(testRctx("lead"))
	if !caps.HasAll("users.find", "users.update", "templates.create") {
		t.Errorf("lead caps = %v, want inherited users.find and users.update", caps)
	}
	if caps, _ := e.ResolveCapabilities(testRctx("viewer")); caps.Has("users.update") {
		t.Error("inheritance must not flow from child to parent")
	}
}

func TestStaticPolicyEvaluator_InvalidPolicy(t *testing.T) {
	tests := map[string]string{
		"cycle":              "roles:\n  a: [users.find]\n  b: [users.find]\ninherits:\n  a: [b]\n  b: [a]\n",
		"unknown parent":     "roles:\n  a: [users.find]\ninherits:\n  a: [ghost]\n",
		"unknown child":      "roles:\n  a: [users.find]\ninherits:\n  ghost: [a]\n",
		"single segment":     "roles:\n  a: [users]\n",
		"inner wildcard":     "roles:\n  a: [\"*.find\"]\n",
		"partial wildcard":   "roles:\n  a: [\"users.f*\"]\n",
		"empty segment":      "roles:\n  a: [users..find]\n",
		"embedded space":     "roles:\n  a: [\"users. find\"]\n",
		"empty permission":   "roles:\n  a: [\"\"]\n",
	}
	for name, policy := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewStaticPolicyEvaluator(writePolicy(t, policy)); err == nil {
				t.Errorf("expected error for policy:\n%s", policy)
			}
		})
	}

	valid := "roles:\n  a: [\"*\", \"users.*\", \"mail:queue:*\", users.find]\n"
	if _, err := NewStaticPolicyEvaluator(writePolicy(t, valid)); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}
}

func TestStaticPolicyEvaluator_Sync(t *testing.T) {
	path := writePolicy(t, testPolicy)
	e, err := NewStaticPolicyEvaluator(path)
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("roles:\n  user_viewer: [users.delete]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	caps, _ := e.ResolveCapabilities(testRctx("user_viewer"))
	if !caps.Has("users.delete") || caps.Has("users.find") {
		t.Errorf("caps after Sync = %v, want only users.delete", caps)
	}

	if err := os.WriteFile(path, []byte("roles:\n  user_viewer: [users]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err == nil {
		t.Fatal("Sync() with an invalid permission should fail")
	}
	if caps, _ := e.ResolveCapabilities(testRctx("user_viewer")); !caps.Has("users.delete") {
		t.Errorf("caps after failed Sync = %v, want previous policy kept", caps)
	}
}

func TestStaticPolicyEvaluator_HealthCheck(t *testing.T) {
	if err := newEvaluator(t).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	empty, err := NewStaticPolicyEvaluator(writePolicy(t, "roles: {}\n"))
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	if err := empty.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on empty policy should return error")
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Fatal("expected error for missing policy file")
	}
	if _, err := NewStaticPolicyEvaluator(writePolicy(t, "roles: [")); err == nil {
		t.Fatal("expected error for malformed policy file")
	}
}

// --- Resolver tests ---

type countingObserver struct{ hits, misses int }

func (o *countingObserver) CacheHit()  { o.hits++ }
func (o *countingObserver) CacheMiss() { o.misses++ }

func TestResolver_Resolve_and_Cache(t *testing.T) {
	obs := &countingObserver{}
	r := NewResolver(newEvaluator(t), 5*time.Minute, WithCacheObserver(obs))
	rctx := testRctx("user_viewer")

	for range 2 {
		caps, err := r.Resolve(rctx)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !caps.Has("users.find") {
			t.Error("should have users.find")
		}
	}

	if obs.misses != 1 || obs.hits != 1 {
		t.Errorf("misses = %d hits = %d, want 1 and 1", obs.misses, obs.hits)
	}
}

func TestResolver_RoleChangeMissesCache(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(*model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)

	r.Resolve(testRctx("a", "b"))
	r.Resolve(testRctx("b", "a"))
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1 (role order must not matter)", callCount)
	}

	r.Resolve(testRctx("a"))
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 after role change", callCount)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(*model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{"users.find": true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx()

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("other-user")
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after invalidating another subject, want 1", callCount)
	}

	r.Invalidate("user-1")
	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(*model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	rctx := testRctx()
	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}

func (m *mockEvaluator) Sync() error { return nil }
