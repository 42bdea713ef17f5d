// Package noop admits every caller as the anonymous identity. It is meant
// for local development.
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/toolmux/pkg/auth"
)

// Authenticator always votes Yes.
type Authenticator struct{}

func (Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	id := auth.Anonymous
	return auth.Result{Decision: auth.Yes, Identity: &id}
}
