// Package auth authenticates callers of the gateway and limits what they
// may do.
//
// Authenticators vote Yes, No, or Abstain on each request. A Chain asks
// them in order and falls back to a default decision when all abstain.
// Middleware runs the chain for every HTTP request outside the bypass
// list, applies the per-identity rate limit, and stores the identity and
// its tenant in the request context. ToolGuard then restricts invocations
// to the tools an identity is scoped to.
package auth
