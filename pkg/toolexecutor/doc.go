// Package toolexecutor registers and executes structured tools for agents.
//
// Invariants:
// - Tool names are unique; Register never overwrites.
// - Reload swaps one entry atomically; executions already running keep the
//   definition they resolved at start.
// - Parameters are schema-validated before execution.
// - Every execution produces a models.ToolResult with DurationMs set, even
//   when the tool is unknown, denied, times out or panics.
// - A timed-out handler is cancelled and waited for up to a grace period;
//   InFlight reports handlers that have not returned yet.
//
// Usage:
//
//	reg := toolexecutor.New(toolexecutor.Config{Logger: logger})
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]any) (any, error) { return params["text"], nil },
//	})
//	result := reg.Execute(ctx, "echo", map[string]any{"text": "hi"})
package toolexecutor
