package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

type mockHealthChecker struct {
	err   error
	delay time.Duration
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	time.Sleep(m.delay)
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady(t *testing.T) {
	loaded := func() bool { return true }
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "only required check",
			checks:     ReadinessChecks{DataSourcesLoaded: loaded},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"data_sources": "ok"},
		},
		{
			name:       "no data sources",
			checks:     ReadinessChecks{DataSourcesLoaded: func() bool { return false }},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"data_sources": "error"},
		},
		{
			name:       "nil loaded func",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"data_sources": "error"},
		},
		{
			name: "all optional checks healthy",
			checks: ReadinessChecks{
				DataSourcesLoaded: loaded,
				PersistenceStore:  &mockHealthChecker{},
				PolicyEngine:      &mockHealthChecker{},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"data_sources": "ok", "persistence": "ok", "policy_engine": "ok"},
		},
		{
			name: "persistence down",
			checks: ReadinessChecks{
				DataSourcesLoaded: loaded,
				PersistenceStore:  &mockHealthChecker{err: errors.New("connection refused")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"data_sources": "ok", "persistence": "error"},
		},
		{
			name: "policy engine down",
			checks: ReadinessChecks{
				DataSourcesLoaded: loaded,
				PolicyEngine:      HealthCheckFunc(func(context.Context) error { return errors.New("policy sync failed") }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"data_sources": "ok", "policy_engine": "error"},
		},
		{
			name: "open backend breaker degrades",
			checks: ReadinessChecks{
				DataSourcesLoaded: loaded,
				Backends: map[string]HealthChecker{
					"users-svc": &mockHealthChecker{err: errors.New("circuit breaker open")},
					"mail-svc":  &mockHealthChecker{},
				},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"data_sources": "ok", "backend:users-svc": "degraded", "backend:mail-svc": "ok"},
		},
		{
			name: "required failure outranks degraded",
			checks: ReadinessChecks{
				DataSourcesLoaded: loaded,
				PersistenceStore:  &mockHealthChecker{err: errors.New("connection refused")},
				Backends:          map[string]HealthChecker{"users-svc": &mockHealthChecker{err: errors.New("circuit breaker open")}},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"data_sources": "ok", "persistence": "error", "backend:users-svc": "degraded"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %d entries", resp.Checks, len(tt.wantChecks))
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name].Status; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestHandleReady_errorMessageAndLatency(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DataSourcesLoaded: func() bool { return true },
		PersistenceStore:  &mockHealthChecker{err: errors.New("redis: nil"), delay: 5 * time.Millisecond},
	})

	got := resp.Checks["persistence"]
	if got.Error != "redis: nil" {
		t.Errorf("error = %q, want redis: nil", got.Error)
	}
	if got.LatencyMs < 5 {
		t.Errorf("latency = %d ms, want >= 5", got.LatencyMs)
	}
}
