package transport

// Middleware decorates an InvocationHandler. Authentication, logging and
// tool guards are all middleware.
type Middleware func(InvocationHandler) InvocationHandler

// Chain folds middlewares into one. The first one sees the invocation first:
// Chain(a, b)(h) behaves as a(b(h)). A nil entry is skipped.
func Chain(middlewares ...Middleware) Middleware {
	return func(h InvocationHandler) InvocationHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			if mw := middlewares[i]; mw != nil {
				h = mw(h)
			}
		}
		return h
	}
}
