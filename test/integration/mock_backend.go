package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Operation names of the users service routes.
const (
	opListUsers   = "listUsers"
	opCreateUser  = "createUser"
	opUpdateUser  = "updateUser"
	opEnableUsers = "enableUsers"
	opDeleteUsers = "deleteUsers"
)

// usersRoutes maps each users service operation to its ServeMux pattern.
var usersRoutes = map[string]string{
	opListUsers:   "GET /users",
	opCreateUser:  "POST /users",
	opUpdateUser:  "PUT /users/{id}",
	opEnableUsers: "POST /users/enable",
	opDeleteUsers: "DELETE /users/bulk",
}

// sampleUsers is the page listUsers answers with when nothing is scripted.
var sampleUsers = map[string]any{
	"entries": []map[string]any{
		{"id": 1, "name": "Ann", "email": "ann@example.com", "status": "active"},
		{"id": 2, "name": "Bob", "email": "bob@example.com", "status": "disabled"},
	},
	"pagination": map[string]any{"total": 2, "page": 1, "limit": 25},
}

// MockBackend is an HTTP test server simulating the users service. Responses
// are scripted per operation, and every request is recorded for assertions.
type MockBackend struct {
	t         *testing.T
	serviceID string
	server    *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	PathID      string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock scripts the responses of one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// newMockBackend starts a mock of the service serviceID.
func newMockBackend(t *testing.T, serviceID string) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		serviceID:    serviceID,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, pattern := range usersRoutes {
		mux.HandleFunc(pattern, mb.handleOperation(opID))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": fmt.Sprintf("mock: no operation registered for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// OnOperation returns a builder scripting the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a response with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError queues an error response in the service error shape.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"code": code, "message": message})
}

// RespondWithDelay queues a response sent after delay.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			PathID:      r.PathValue("id"),
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			rec.RawBody = body
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.nextResponse(opID)
		if resp == nil {
			resp = defaultResponse(opID, rec)
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			_ = json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// defaultResponse answers operations nothing was scripted for the way a
// healthy users service would.
func defaultResponse(opID string, rec *RecordedRequest) *mockResponse {
	switch opID {
	case opListUsers:
		return &mockResponse{status: http.StatusOK, body: sampleUsers}
	case opCreateUser:
		created := map[string]any{"id": 100}
		for k, v := range rec.Body {
			created[k] = v
		}
		return &mockResponse{status: http.StatusCreated, body: created}
	default:
		return &mockResponse{status: http.StatusOK, body: map[string]any{"success": true}}
	}
}

func (mb *MockBackend) nextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// The last response repeats.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies the operation was called expectedCount times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := mb.CallCount(operationID); actual != expectedCount {
		t.Errorf("mock %s: operation %q called %d times, want %d", mb.serviceID, operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// CallCount returns how many requests the operation received.
func (mb *MockBackend) CallCount(operationID string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.receivedByOp[operationID])
}

// LastRequest returns the last request received for the operation, or nil.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears recorded requests and scripted responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.operations = make(map[string]*operationConfig)
	mb.receivedByOp = make(map[string][]*RecordedRequest)
}
