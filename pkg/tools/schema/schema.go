// Package schema validates invocation arguments against a tool's input
// schema before anything is sent to a tool server.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rhuss/toolmux/pkg/api"
)

// Validator checks argument payloads. Compiled schemas are cached by content
// hash, so re-discovering an unchanged tool does not recompile its schema.
// A Validator is safe for concurrent use.
type Validator struct {
	mu    sync.RWMutex
	cache map[[sha256.Size]byte]*jsonschema.Resolved
}

// NewValidator creates a Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[[sha256.Size]byte]*jsonschema.Resolved)}
}

// Validate checks args against desc.InputSchema. Empty args are treated as
// an empty object. A descriptor without a schema accepts any object.
// Mismatches are returned as api.FailureInvalidArguments failures.
func (v *Validator) Validate(desc api.ToolDescriptor, args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return api.NewFailure(api.FailureInvalidArguments, "arguments for %q are not valid JSON: %v", desc.Name, err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return api.NewFailure(api.FailureInvalidArguments, "arguments for %q must be a JSON object", desc.Name)
	}

	if len(bytes.TrimSpace(desc.InputSchema)) == 0 {
		return nil
	}

	resolved, err := v.compile(desc.InputSchema)
	if err != nil {
		// The server advertised a schema we cannot use. Treat it as the
		// server's fault rather than the caller's.
		return api.WrapFailure(api.FailureProtocolViolation,
			fmt.Errorf("input schema of %q on %q: %w", desc.Name, desc.Server, err))
	}

	if err := resolved.Validate(instance); err != nil {
		return api.NewFailure(api.FailureInvalidArguments, "arguments for %q do not match its input schema: %v", desc.Name, err)
	}
	return nil
}

// Len returns the number of cached compiled schemas.
func (v *Validator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

func (v *Validator) compile(raw json.RawMessage) (*jsonschema.Resolved, error) {
	key := sha256.Sum256(raw)

	v.mu.RLock()
	r, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return r, nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	r, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = r
	v.mu.Unlock()
	return r, nil
}
