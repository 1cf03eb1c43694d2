// Package backend is a REST client for the services data sources are bound
// to, and the binding that turns a definition's backend section into
// data-source functions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Observer receives client telemetry. All methods must be cheap.
type Observer interface {
	Request(serviceID, operation string, status int, duration time.Duration)
	Retry(serviceID string)
	BreakerState(serviceID string, state BreakerState)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithObserver registers an Observer.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client calls one backend service with a circuit breaker and retries for
// idempotent requests.
type Client struct {
	serviceID string
	baseURL   string
	retry     config.RetryConfig
	http      *http.Client
	breaker   *Breaker
	observer  Observer
	logger    *zap.Logger
}

// NewClient creates a Client for the service configured by cfg.
func NewClient(serviceID string, cfg config.ServiceConfig, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		serviceID: serviceID,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		retry:     cfg.Retry,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cb := cfg.CircuitBreaker
	c.breaker = NewBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		OpenTimeout:        cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
	}, func(s BreakerState) {
		c.logger.Warn("circuit breaker state changed", zap.String("service", serviceID), zap.Stringer("state", s))
		if c.observer != nil {
			c.observer.BreakerState(serviceID, s)
		}
	})
	return c
}

// NewClients creates one Client per configured service.
func NewClients(services map[string]config.ServiceConfig, opts ...ClientOption) map[string]*Client {
	clients := make(map[string]*Client, len(services))
	for id, cfg := range services {
		clients[id] = NewClient(id, cfg, opts...)
	}
	return clients
}

// ServiceID returns the configured service id.
func (c *Client) ServiceID() string { return c.serviceID }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// HealthCheck reports ErrBreakerOpen while the service's breaker is open.
// It does not call the service.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Do sends a JSON request and decodes a 2xx JSON response into out, which
// may be nil. Non-2xx responses are returned as *model.ErrorEnvelope.
// operation labels the request in telemetry.
func (c *Client) Do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("backend: marshal body: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	status, respBody, err := c.doWithRetry(ctx, operation, method, reqURL, payload)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return envelopeFromResponse(status, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, operation, method, reqURL string, payload []byte) (int, []byte, error) {
	attempts := c.retry.MaxAttempts
	if attempts < 1 || !isIdempotent(method) {
		attempts = 1
	}

	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if c.observer != nil {
				c.observer.Retry(c.serviceID)
			}
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff(c.retry, attempt)):
			}
		}

		status, body, err = c.doOnce(ctx, operation, method, reqURL, payload)
		if err != nil {
			var env *model.ErrorEnvelope
			if errors.As(err, &env) && env.Code != model.ErrBackendUnavailable {
				return 0, nil, err
			}
			if errors.Is(err, ErrBreakerOpen) {
				return 0, nil, model.NewBackendUnavailableError()
			}
			c.logger.Debug("retrying backend request", zap.String("service", c.serviceID), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if !isRetryableStatus(status) {
			return status, body, nil
		}
		c.logger.Debug("retrying backend request", zap.String("service", c.serviceID), zap.Int("attempt", attempt+1), zap.Int("status", status))
	}
	if err != nil {
		if errors.Is(err, ErrBreakerOpen) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		return 0, nil, err
	}
	return status, body, nil
}

func (c *Client) doOnce(ctx context.Context, operation, method, reqURL string, payload []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: build request: %w", err)
	}
	setHeaders(ctx, req, payload != nil)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		c.observe(operation, 0, start)
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return 0, nil, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return 0, nil, model.NewBackendUnavailableError()
		default:
			return 0, nil, fmt.Errorf("backend: %s %s: %w", method, reqURL, err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.observe(operation, resp.StatusCode, start)
	if err != nil {
		c.breaker.Failure()
		return 0, nil, fmt.Errorf("backend: read response: %w", err)
	}

	// 4xx responses are the caller's problem, not the service's.
	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
	case resp.StatusCode < 400:
		c.breaker.Success()
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) observe(operation string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.Request(c.serviceID, operation, status, time.Since(start))
	}
}

func setHeaders(ctx context.Context, req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		setHeader(req.Header, "X-Correlation-Id", rctx.CorrelationID)
		setHeader(req.Header, "X-Request-Subject", rctx.SubjectID)
		setHeader(req.Header, "Accept-Language", rctx.Locale)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// setHeader sets a header with CR and LF stripped from the value.
func setHeader(h http.Header, key, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	if value != "" {
		h.Set(key, value)
	}
}

// errorBody is the error shape services are expected to answer with.
type errorBody struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Details []model.FieldError `json:"details"`
	Errors  model.FieldErrors  `json:"errors"`
}

func envelopeFromResponse(status int, body []byte) *model.ErrorEnvelope {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	var env *model.ErrorEnvelope
	switch {
	case status == http.StatusNotFound:
		env = model.NewNotFoundError("The requested entry was not found")
	case status == http.StatusConflict:
		env = model.NewConflictError("The entry was changed by someone else")
	case status == http.StatusForbidden:
		env = model.NewForbiddenError("You are not allowed to do this")
	case status == http.StatusUnauthorized:
		env = model.NewUnauthorizedError("Authentication with the service failed")
	case status == http.StatusUnprocessableEntity || len(eb.Errors) > 0:
		env = model.NewValidationError(model.ValidationDetails(eb.Errors))
	case status >= 500:
		env = model.NewBackendUnavailableError()
	default:
		env = model.NewBadRequestError("The service rejected the request")
	}
	if eb.Message != "" && status < 500 {
		env.Message = eb.Message
	}
	if len(eb.Details) > 0 {
		env.Details = eb.Details
	}
	return env
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial, mult, maxDelay := cfg.BackoffInitial, cfg.BackoffMultiplier, cfg.BackoffMax
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if mult <= 0 {
		mult = 2
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
