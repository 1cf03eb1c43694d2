package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// Required: at least one data source is registered.
	DataSourcesLoaded func() bool

	// Optional checks, only run if non-nil.
	PersistenceStore HealthChecker
	PolicyEngine     HealthChecker

	// Backends are advisory: a failing backend marks the instance degraded
	// but keeps it ready, since other data sources still serve.
	Backends map[string]HealthChecker
}

const checkTimeout = 2 * time.Second

// Check statuses.
const (
	checkOK       = "ok"
	checkError    = "error"
	checkDegraded = "degraded"
)

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult)
		var mu sync.Mutex
		var wg sync.WaitGroup

		run := func(name string, checker HealthChecker, advisory bool) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := runCheck(r.Context(), checker)
				if advisory && result.Status == checkError {
					result.Status = checkDegraded
				}
				mu.Lock()
				results[name] = result
				mu.Unlock()
			}()
		}

		run("data_sources", HealthCheckFunc(func(context.Context) error {
			if checks.DataSourcesLoaded != nil && checks.DataSourcesLoaded() {
				return nil
			}
			return errNoDataSources
		}), false)
		if checks.PersistenceStore != nil {
			run("persistence", checks.PersistenceStore, false)
		}
		if checks.PolicyEngine != nil {
			run("policy_engine", checks.PolicyEngine, false)
		}
		for id, checker := range checks.Backends {
			run("backend:"+id, checker, true)
		}

		wg.Wait()

		status := "ready"
		httpStatus := http.StatusOK
		for _, result := range results {
			switch result.Status {
			case checkError:
				status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
			case checkDegraded:
				if status == "ready" {
					status = "degraded"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: status,
			Checks: results,
		})
	}
}

type readinessError string

func (e readinessError) Error() string { return string(e) }

const errNoDataSources = readinessError("no data sources registered")

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{
			Status:    checkError,
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}
	return CheckResult{
		Status:    checkOK,
		LatencyMs: latency,
	}
}
