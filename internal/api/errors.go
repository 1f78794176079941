package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
	"github.com/kenneth/hsm-signing-gateway/internal/signing"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// KMS error codes that map to a specific status.
var (
	throttlingCodes = map[string]bool{
		"ThrottlingException":      true,
		"LimitExceededException":   true,
		"RequestLimitExceeded":     true,
		"TooManyRequestsException": true,
	}
	accessDeniedCodes = map[string]bool{
		"AccessDeniedException":       true,
		"AccessDenied":                true,
		"UnrecognizedClientException": true,
		"InvalidSignatureException":   true,
	}
)

// TranslateError maps signing errors to API errors.
func TranslateError(err error, requestID string) *APIError {
	if err == nil {
		return nil
	}

	var (
		unknown     *signing.UnknownProviderError
		unsupported *hsm.UnsupportedTypeError
		dependency  *hsm.DependencyError
		apiErr      smithy.APIError
	)

	out := &APIError{RequestID: requestID, Message: err.Error()}
	switch {
	case errors.As(err, &unknown):
		out.Code, out.HTTPStatus = "ProviderNotFound", http.StatusNotFound
	case hsm.IsConfigError(err):
		out.Code, out.HTTPStatus = "InvalidProviderConfig", http.StatusBadRequest
	case errors.As(err, &unsupported):
		out.Code, out.HTTPStatus = "UnsupportedProviderType", http.StatusInternalServerError
	case errors.As(err, &dependency):
		out.Code, out.HTTPStatus = "MissingDependency", http.StatusInternalServerError
	case errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()]:
		out.Code, out.HTTPStatus = apiErr.ErrorCode(), http.StatusTooManyRequests
		out.Message = apiErr.ErrorMessage()
	case errors.As(err, &apiErr) && accessDeniedCodes[apiErr.ErrorCode()]:
		out.Code, out.HTTPStatus = apiErr.ErrorCode(), http.StatusForbidden
		out.Message = apiErr.ErrorMessage()
	case errors.As(err, &apiErr):
		out.Code, out.HTTPStatus = apiErr.ErrorCode(), http.StatusBadGateway
		out.Message = apiErr.ErrorMessage()
	case errors.Is(err, context.DeadlineExceeded):
		out.Code, out.HTTPStatus = "Timeout", http.StatusGatewayTimeout
	default:
		out.Code, out.HTTPStatus = "SigningFailed", http.StatusBadGateway
	}
	return out
}

// Predefined request errors.
var (
	ErrInvalidBody = &APIError{
		Code:       "InvalidRequest",
		Message:    "request body must be a JSON object",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingDataHash = &APIError{
		Code:       "InvalidRequest",
		Message:    "dataHash is required",
		HTTPStatus: http.StatusBadRequest,
	}
)
