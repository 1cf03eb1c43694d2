// Package transport contains the HTTP router, middleware chain, and all
// request handlers of the dashboard API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/table"
	"github.com/Tripsy/dashboard/model"
)

// maxBodyBytes caps the size of request bodies.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrMissingCapability:  http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Engine errors are translated first; anything unrecognised becomes a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

func envelopeFor(err error) *model.ErrorEnvelope {
	if ee, ok := model.AsDomainError(err); ok {
		return ee
	}

	var mce *model.MissingCapabilityError
	switch {
	case errors.As(err, &mce):
		return &model.ErrorEnvelope{Code: model.ErrMissingCapability, Message: mce.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError()
	case errors.Is(err, table.ErrInvalidPatch):
		return model.NewBadRequestError("Rows must be positive and first must not be negative")
	case errors.Is(err, table.ErrUnknownAction):
		return model.NewBadRequestError(err.Error())
	case errors.Is(err, table.ErrNoActionEntry):
		return model.NewConflictError("Select an entry before opening this action")
	case errors.Is(err, action.ErrNoTarget):
		return model.NewBadRequestError("No eligible entries selected for this action")
	default:
		return model.NewInternalError()
	}
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError(fmt.Sprintf("Invalid JSON body: %v", err))
	}
	return nil
}
