package dispatch

import "github.com/rhuss/toolmux/pkg/api"

// Collect drains ch. It returns the partial results in order and the
// terminal result. If ch closes without a terminal result, the returned
// terminal is a cancelled failure.
func Collect(ch <-chan api.InvocationResult) (partials []api.InvocationResult, terminal api.InvocationResult) {
	for r := range ch {
		if r.Terminal() {
			terminal = r
			continue
		}
		partials = append(partials, r)
	}
	if !terminal.Terminal() {
		terminal = api.Failed("", api.NewFailure(api.FailureCancelled, "result stream ended without a terminal result"))
	}
	return partials, terminal
}
