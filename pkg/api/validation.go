package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxArgumentsSize int
	MaxTimeout       time.Duration
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxArgumentsSize: 1024 * 1024, // 1MB
		MaxTimeout:       10 * time.Minute,
	}
}

// ValidateInvocationRequest checks the shape of an InvocationRequest before it
// is handed to the dispatcher. Schema validation against the tool's input
// schema happens later, in the dispatcher.
func ValidateInvocationRequest(req *InvocationRequest, cfg ValidationConfig) *APIError {
	if req.Tool == "" {
		return NewInvalidRequestError("tool", "tool is required")
	}

	if req.CorrelationID != "" && !ValidCallerCorrelationID(req.CorrelationID) {
		return NewInvalidRequestError("correlation_id",
			"correlation_id must be at most 128 characters of letters, digits, '_', '-', '.' or ':'")
	}

	if cfg.MaxArgumentsSize > 0 && len(req.Arguments) > cfg.MaxArgumentsSize {
		return NewInvalidRequestError("arguments",
			fmt.Sprintf("arguments exceed maximum size of %d bytes", cfg.MaxArgumentsSize))
	}

	if len(bytes.TrimSpace(req.Arguments)) > 0 {
		var v any
		if err := json.Unmarshal(req.Arguments, &v); err != nil {
			return NewInvalidRequestError("arguments", "arguments must be valid JSON")
		}
		if _, ok := v.(map[string]any); !ok {
			return NewInvalidRequestError("arguments", "arguments must be a JSON object")
		}
	}

	if !req.Deadline.IsZero() && cfg.MaxTimeout > 0 && time.Until(req.Deadline) > cfg.MaxTimeout {
		return NewInvalidRequestError("deadline",
			fmt.Sprintf("deadline exceeds maximum of %s", cfg.MaxTimeout))
	}

	return nil
}
