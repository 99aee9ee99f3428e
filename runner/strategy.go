package runner

import "github.com/deskrun/orchestrator/plan"

// withCoordinateFallback returns a copy of call with its element selector
// arguments removed and coordinate arguments substituted, for use after an
// element-based attempt fails. If call carries no coordinate fallback
// (no "fallback_x"/"fallback_y" args), ok is false and call is returned
// unmodified.
func withCoordinateFallback(call plan.ToolCall) (plan.ToolCall, bool) {
	x, hasX := call.Args["fallback_x"]
	y, hasY := call.Args["fallback_y"]
	if !hasX || !hasY {
		return call, false
	}

	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}
	delete(args, "selector")
	delete(args, "fallback_x")
	delete(args, "fallback_y")
	args["x"] = x
	args["y"] = y

	return plan.ToolCall{Tool: call.Tool, Args: args, Description: call.Description}, true
}

// isElementBased reports whether call targets an element by selector, as
// opposed to already being a raw coordinate action.
func isElementBased(call plan.ToolCall) bool {
	_, ok := call.Args["selector"]
	return ok
}
