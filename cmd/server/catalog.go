package main

import (
	"context"
	"fmt"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/bridge"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/transport"
)

// sessionLister is the part of the supervisor the catalog needs.
type sessionLister interface {
	Sessions() []api.SessionInfo
	Refresh(ctx context.Context, name string) error
}

// catalog serves the gateway's tool and session listings. Tools come from
// the bridge, so the allow list applies; every listing starts a new bridge
// turn and reflects the registry at request time.
type catalog struct {
	bridge   *bridge.Bridge
	sessions sessionLister
}

var _ transport.Catalog = (*catalog)(nil)

func (c *catalog) Tools() []api.ToolDefinition {
	c.bridge.BeginTurn()
	return c.bridge.Tools()
}

func (c *catalog) Sessions() []api.SessionInfo { return c.sessions.Sessions() }

func (c *catalog) Refresh(ctx context.Context, name string) error {
	return c.sessions.Refresh(ctx, name)
}

// exposedOnly rejects invocations of tools outside allow, matching what the
// bridge hides from GET /v1/tools.
func exposedOnly(allow tools.AllowList) transport.Middleware {
	return func(next transport.InvocationHandler) transport.InvocationHandler {
		return transport.InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w transport.ResultWriter) error {
			if !allow.Allows(req.Tool) {
				return api.NewNotFoundError(fmt.Sprintf("tool %q is not exposed by this gateway", req.Tool))
			}
			return next.Invoke(ctx, req, w)
		})
	}
}
