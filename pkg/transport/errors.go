package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/toolmux/pkg/api"
)

var statusByType = map[api.ErrorType]int{
	api.ErrorTypeInvalidRequest:  http.StatusBadRequest,
	api.ErrorTypeUnauthorized:    http.StatusUnauthorized,
	api.ErrorTypeForbidden:       http.StatusForbidden,
	api.ErrorTypeNotFound:        http.StatusNotFound,
	api.ErrorTypeConflict:        http.StatusConflict,
	api.ErrorTypeTooManyRequests: http.StatusTooManyRequests,
	api.ErrorTypeUnavailable:     http.StatusServiceUnavailable,
	api.ErrorTypeTimeout:         http.StatusGatewayTimeout,
}

// HTTPStatusFromError returns the status code for err's type. Unknown types
// and server errors map to 500.
func HTTPStatusFromError(err *api.APIError) int {
	if status, ok := statusByType[err.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse writes {"error": apiErr} with an explicit status.
// The adapter uses it for 413 and 415, which have no error type of their own.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes apiErr with the status derived from its type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
