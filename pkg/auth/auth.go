package auth

import (
	"context"
	"errors"
	"net/http"
	"path"
)

// Decision is the vote of an Authenticator.
type Decision int

const (
	// Yes means credentials are valid. The chain stops and the identity is used.
	Yes Decision = iota

	// No means credentials are present but invalid. The chain stops and the
	// request is rejected.
	No

	// Abstain means the authenticator does not handle these credentials.
	Abstain
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "abstain"
	}
}

// Result carries the outcome of an authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // set only when Decision == Yes
	Err      error     // set only when Decision == No
}

// Identity is an authenticated caller.
type Identity struct {
	// Subject uniquely names the caller. It must not be empty.
	Subject string

	// Tier selects the rate limit applied to the caller.
	Tier string

	// Tools restricts which tools the caller may invoke. Entries are
	// path.Match patterns such as "query" or "kb_*". Empty allows all.
	Tools []string

	// Metadata carries authenticator-specific data. The key "tenant_id"
	// scopes the invocation journal.
	Metadata map[string]string
}

// TenantID returns the tenant from metadata, or "".
func (id *Identity) TenantID() string {
	if id == nil || id.Metadata == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

// AllowsTool reports whether the identity may invoke the named tool.
func (id *Identity) AllowsTool(name string) bool {
	if id == nil || len(id.Tools) == 0 {
		return true
	}
	for _, pattern := range id.Tools {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Anonymous is the identity granted when every authenticator abstains and
// the chain defaults to Yes.
var Anonymous = Identity{Subject: "anonymous", Tier: "default"}

// Chain evaluates authenticators left to right.
type Chain struct {
	Authenticators []Authenticator

	// Default is used when all authenticators abstain. Yes admits the
	// caller as Anonymous.
	Default Decision
}

// Authenticate returns the first Yes or No vote, or the default.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.Default == Yes {
		id := Anonymous
		return Result{Decision: Yes, Identity: &id}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}
