package runner

import (
	"context"

	"github.com/deskrun/orchestrator/plan"
)

// ResultObserver is an Observer that trusts the executor's own Succeeded
// flag and performs no independent verification. It is the default when a
// deployment has no richer verification signal (accessibility tree diff,
// screenshot comparison) available.
type ResultObserver struct{}

// Verify implements Observer.
func (ResultObserver) Verify(_ context.Context, _ plan.ToolCall, result plan.Result) (bool, error) {
	return result.Succeeded, nil
}
