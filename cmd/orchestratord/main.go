// Command orchestratord wires the orchestration core's components together
// and runs a single demonstration instruction to completion. It is not a
// transport server: production deployments embed the manager package behind
// whatever RPC surface they already run.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/deskrun/orchestrator/config"
	"github.com/deskrun/orchestrator/eventbus"
	"github.com/deskrun/orchestrator/history"
	"github.com/deskrun/orchestrator/manager"
	"github.com/deskrun/orchestrator/plan"
	"github.com/deskrun/orchestrator/plancache"
	"github.com/deskrun/orchestrator/runner"
	"github.com/deskrun/orchestrator/telemetry"
)

// stubPlanner returns a fixed two-step plan for any instruction. Real
// deployments provide a Planner backed by a model client.
type stubPlanner struct{}

func (stubPlanner) Plan(_ context.Context, req plan.Request) (plan.Plan, error) {
	return plan.Plan{
		Rationale: fmt.Sprintf("demo plan for %q", req.Instruction),
		Steps: []plan.ToolCall{
			{Tool: "open_application", Args: map[string]any{"name": "settings"}, Description: "open the settings application"},
			{Tool: "wait_for_window", Args: map[string]any{"title": "Settings"}, Description: "wait for the settings window to appear"},
		},
	}, nil
}

// stubExecutor reports every action as immediately successful. Real
// deployments provide an ActionExecutor backed by the desktop driver.
type stubExecutor struct{}

func (stubExecutor) Execute(_ context.Context, call plan.ToolCall) (plan.Result, error) {
	return plan.Result{Succeeded: true, Elapsed: 10 * time.Millisecond}, nil
}

func main() {
	ctx := context.Background()
	cfg := config.Default()

	// 1) Telemetry: noop by default; swap in telemetry.NewClueLogger() and
	// friends once an OTEL SDK is configured.
	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()
	tracer := telemetry.NewNoopTracer()

	// 2) Plan cache, event bus, and history store.
	cache, err := plancache.New(cfg.MaxCacheSize, cfg.CacheTTL, cfg.SimThreshold)
	if err != nil {
		fmt.Fprintln(os.Stderr, "plan cache:", err)
		os.Exit(1)
	}
	bus := eventbus.New(cfg.SubBuf, cfg.TGrace)
	hist, err := history.OpenFileStore("orchestrator-history.jsonl")
	if err != nil {
		fmt.Fprintln(os.Stderr, "history store:", err)
		os.Exit(1)
	}
	defer hist.Close()

	// 3) Runner, bound to a stub planner/executor for this demonstration.
	r := runner.New(cfg, runner.Deps{
		Planner:  stubPlanner{},
		Executor: stubExecutor{},
		Observer: runner.ResultObserver{},
		Cache:    cache,
		History:  hist,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Policy:   runner.FailFast,
	})

	// 4) Session manager.
	mgr := manager.New(cfg, manager.Deps{Bus: bus, History: hist, Runner: r, Logger: logger, Metrics: metrics})
	defer mgr.Close()

	// 5) Submit one instruction and watch it to completion.
	id, err := mgr.Start(ctx, "open the settings app and wait for it to load")
	if err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	fmt.Println("session:", id)

	subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sub, err := mgr.Subscribe(subCtx, id, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}
	for evt := range sub.Events {
		fmt.Printf("seq=%d kind=%s state=%s\n", evt.Sequence, evt.Kind, evt.SessionState)
		if evt.SessionState.Terminal() {
			break
		}
	}
}
