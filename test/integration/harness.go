// Package integration provides a reusable test harness for end-to-end
// testing of the dashboard server. It starts the fully wired application
// against a mock users service, the in-memory table persister and a test
// JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tripsy/dashboard/internal/app"
	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/observability"
)

// usersService is the service ID the users definition is bound to.
const usersService = "users-svc"

// TestHarness encapsulates a fully wired dashboard with a mock backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// App is exposed for scenarios that inspect internal state.
	App     *app.App
	Metrics *observability.Metrics
	Backend *MockBackend
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	handlerTimeout time.Duration
	serviceTimeout time.Duration
	retry          config.RetryConfig
	breaker        config.CircuitBreakerConfig
	corsOrigins    []string
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithPolicyFile sets the static policy file. A relative path is resolved
// from the testdata directory.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithServiceTimeout sets the users service request timeout.
func WithServiceTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.serviceTimeout = d }
}

// WithRetry sets the users service retry policy.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = r }
}

// WithCircuitBreaker sets the users service circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins ...string) HarnessOption {
	return func(c *harnessConfig) { c.corsOrigins = origins }
}

// NewTestHarness starts a dashboard server for the duration of the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{"definitions"},
		policyFile:     "policies.yaml",
		handlerTimeout: 10 * time.Second,
		serviceTimeout: 5 * time.Second,
		retry: config.RetryConfig{
			MaxAttempts:    1,
			BackoffInitial: 10 * time.Millisecond,
		},
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	issuer := newTokenIssuer(t)
	backend := newMockBackend(t, usersService)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = hc.corsOrigins
	cfg.Identity.Algorithms = []string{"RS256"}
	cfg.Identity.SecretEnv = ""
	cfg.Identity.PublicKeyFile = issuer.PublicKeyFile()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Definitions.Directories = make([]string, len(hc.definitionDirs))
	for i, dir := range hc.definitionDirs {
		cfg.Definitions.Directories[i] = resolveTestdata(dir)
	}
	cfg.Capability.StaticPolicyFile = resolveTestdata(hc.policyFile)
	cfg.Services = map[string]config.ServiceConfig{
		usersService: {
			BaseURL:        backend.URL(),
			Timeout:        hc.serviceTimeout,
			Retry:          hc.retry,
			CircuitBreaker: hc.breaker,
		},
	}
	// Validation runs only when a test flushes or submits.
	cfg.Engine.ValidationDebounce = time.Hour
	cfg.Persistence.Driver = config.DriverMemory

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	a, err := app.New(context.Background(), cfg, app.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	server := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})

	return &TestHarness{
		t:       t,
		server:  server,
		issuer:  issuer,
		App:     a,
		Metrics: metrics,
		Backend: backend,
	}
}

// URL returns the base URL of the dashboard server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// Token returns a valid bearer token for claims.
func (h *TestHarness) Token(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// ExpiredToken returns an expired bearer token for claims.
func (h *TestHarness) ExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// ForeignToken returns a token signed by an untrusted key.
func (h *TestHarness) ForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// GET sends an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil, nil)
}

// POST sends an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, token, body, nil)
}

// PUT sends an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, token, body, nil)
}

// PATCH sends an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, path, token, body, nil)
}

// DELETE sends an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodDelete, path, token, nil, nil)
}

// Do sends a request with optional bearer token, JSON body and headers.
func (h *TestHarness) Do(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the response status and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the response status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the response status and error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body errorResponse
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	} `json:"error"`
}

// --- Default test claims ---

// AdminClaims returns claims of a user allowed every users permission.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@dashboard.example.com",
		Roles:     []string{"user_admin"},
	}
}

// SupportClaims returns claims of a user who may create and update users.
func SupportClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-support",
		Email:     "support@dashboard.example.com",
		Roles:     []string{"user_support"},
	}
}

// ViewerClaims returns claims of a user without users permissions.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		Email:     "viewer@dashboard.example.com",
		Roles:     []string{"viewer"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func resolveTestdata(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(testdataDir(), path)
}

// UserFixture returns a user entity as the users service lists it.
func UserFixture(id int, name, status string) map[string]any {
	return map[string]any{
		"id":     id,
		"name":   name,
		"email":  fmt.Sprintf("%s@example.com", name),
		"status": status,
	}
}

// UserPageFixture returns a find response with the given users.
func UserPageFixture(users []map[string]any, total int) map[string]any {
	return map[string]any{
		"entries":    users,
		"pagination": map[string]any{"total": total, "page": 1, "limit": 25},
	}
}
