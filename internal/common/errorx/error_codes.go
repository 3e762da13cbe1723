package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryUnavailable    ErrorCategory = "unavailable"
	CategoryInternal       ErrorCategory = "internal"
)

// APIError is the error body returned by the HTTP API and inside websocket
// error envelopes.
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"category"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// WithDetail returns a copy of e carrying the detail. The shared values
// below are never modified.
func (e *APIError) WithDetail(key string, value any) *APIError {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any)
	}
	cp.Details[key] = value
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

var (
	// Validation Errors (E1000-E1999)
	ErrInvalidInput = &APIError{
		Code:       "E1001",
		Message:    "Invalid input provided",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
	}
	ErrInvalidEvent = &APIError{
		Code:       "E1002",
		Message:    "Event is missing a type or tenant, or has an unknown priority",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
	}
	ErrMessageTooLarge = &APIError{
		Code:       "E1003",
		Message:    "Message exceeds the maximum size",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
	ErrEventExpired = &APIError{
		Code:       "E1004",
		Message:    "Event already expired",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
	}
	ErrInvalidRoom = &APIError{
		Code:       "E1005",
		Message:    "Invalid room definition",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
	}
	ErrInvalidHierarchy = &APIError{
		Code:       "E1006",
		Message:    "Parent room belongs to another tenant",
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
	}

	// Authentication Errors (E2000-E2999)
	ErrUnauthorized = &APIError{
		Code:       "E2001",
		Message:    "Authentication required",
		Category:   CategoryAuthentication,
		HTTPStatus: http.StatusUnauthorized,
	}
	ErrTokenExpired = &APIError{
		Code:       "E2002",
		Message:    "Authentication token has expired",
		Category:   CategoryAuthentication,
		HTTPStatus: http.StatusUnauthorized,
	}

	// Authorization Errors (E3000-E3999)
	ErrForbidden = &APIError{
		Code:       "E3001",
		Message:    "Access denied",
		Category:   CategoryAuthorization,
		HTTPStatus: http.StatusForbidden,
	}
	ErrDenied = &APIError{
		Code:       "E3002",
		Message:    "Room join denied",
		Category:   CategoryAuthorization,
		HTTPStatus: http.StatusForbidden,
	}
	ErrInsufficientRole = &APIError{
		Code:       "E3003",
		Message:    "Insufficient room role for this action",
		Category:   CategoryAuthorization,
		HTTPStatus: http.StatusForbidden,
	}
	ErrNotAMember = &APIError{
		Code:       "E3004",
		Message:    "Connection is not a member of the room",
		Category:   CategoryAuthorization,
		HTTPStatus: http.StatusForbidden,
	}

	// Not Found Errors (E4000-E4999)
	ErrRoomNotFound = &APIError{
		Code:       "E4001",
		Message:    "Room not found",
		Category:   CategoryNotFound,
		HTTPStatus: http.StatusNotFound,
	}
	ErrUnknownConnection = &APIError{
		Code:       "E4002",
		Message:    "Unknown connection",
		Category:   CategoryNotFound,
		HTTPStatus: http.StatusNotFound,
	}
	ErrUnknownSubscription = &APIError{
		Code:       "E4003",
		Message:    "Unknown subscription",
		Category:   CategoryNotFound,
		HTTPStatus: http.StatusNotFound,
	}
	ErrEndpointNotFound = &APIError{
		Code:       "E4004",
		Message:    "API endpoint not found",
		Category:   CategoryNotFound,
		HTTPStatus: http.StatusNotFound,
	}

	// Conflict and Capacity Errors (E6000-E6999)
	ErrInvalidTransition = &APIError{
		Code:       "E6001",
		Message:    "Connection state does not allow this operation",
		Category:   CategoryConflict,
		HTTPStatus: http.StatusConflict,
	}
	ErrRateLimited = &APIError{
		Code:       "E6002",
		Message:    "Rate limit exceeded",
		Category:   CategoryRateLimit,
		HTTPStatus: http.StatusTooManyRequests,
	}
	ErrQueueFull = &APIError{
		Code:       "E6003",
		Message:    "Outbound queue is full",
		Category:   CategoryRateLimit,
		HTTPStatus: http.StatusTooManyRequests,
	}

	// Availability Errors (E7000-E7999)
	ErrCapacityExceeded = &APIError{
		Code:       "E7001",
		Message:    "Connection capacity exceeded",
		Category:   CategoryUnavailable,
		HTTPStatus: http.StatusServiceUnavailable,
	}
	ErrShuttingDown = &APIError{
		Code:       "E7002",
		Message:    "Hub is shutting down",
		Category:   CategoryUnavailable,
		HTTPStatus: http.StatusServiceUnavailable,
	}
	ErrClusterUnavailable = &APIError{
		Code:       "E7003",
		Message:    "Cluster backend unavailable",
		Category:   CategoryUnavailable,
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// Internal Errors (E5000-E5999)
	ErrInternal = &APIError{
		Code:       "E5001",
		Message:    "Internal server error occurred",
		Category:   CategoryInternal,
		HTTPStatus: http.StatusInternalServerError,
	}
)

// sentinels maps domain errors to their API form. Order matters where one
// sentinel wraps another.
var sentinels = []struct {
	err error
	api *APIError
}{
	{auth.ErrExpiredToken, ErrTokenExpired},
	{auth.ErrInvalidToken, ErrUnauthorized},
	{auth.ErrInvalidAlgorithm, ErrUnauthorized},
	{auth.ErrMissingToken, ErrUnauthorized},
	{auth.ErrMissingIdentity, ErrUnauthorized},
	{cnst.ErrUnauthenticated, ErrUnauthorized},
	{cnst.ErrForbidden, ErrForbidden},
	{cnst.ErrDenied, ErrDenied},
	{cnst.ErrInsufficientRole, ErrInsufficientRole},
	{cnst.ErrNotAMember, ErrNotAMember},
	{cnst.ErrInvalidEvent, ErrInvalidEvent},
	{cnst.ErrMessageTooLarge, ErrMessageTooLarge},
	{cnst.ErrEventExpired, ErrEventExpired},
	{cnst.ErrInvalidRoom, ErrInvalidRoom},
	{cnst.ErrInvalidHierarchy, ErrInvalidHierarchy},
	{cnst.ErrRoomNotFound, ErrRoomNotFound},
	{cnst.ErrUnknownConnection, ErrUnknownConnection},
	{cnst.ErrUnknownSubscription, ErrUnknownSubscription},
	{cnst.ErrInvalidTransition, ErrInvalidTransition},
	{cnst.ErrRateLimited, ErrRateLimited},
	{cnst.ErrQueueFull, ErrQueueFull},
	{cnst.ErrCapacityExceeded, ErrCapacityExceeded},
	{cnst.ErrShuttingDown, ErrShuttingDown},
	{cnst.ErrClusterUnavailable, ErrClusterUnavailable},
}

// denyReasoner is implemented by room policy refusals
type denyReasoner interface {
	DenyReason() string
}

// FromError converts any error to an APIError. Unknown errors become
// ErrInternal without leaking their text.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, s := range sentinels {
		if !errors.Is(err, s.err) {
			continue
		}
		out := s.api.WithMessage(err.Error())
		var dr denyReasoner
		if errors.As(err, &dr) {
			out = out.WithDetail("reason", dr.DenyReason())
		}
		return out
	}
	return ErrInternal
}
