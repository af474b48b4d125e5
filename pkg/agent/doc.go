// Package agent runs conversation turns: it assembles context, calls the
// model, executes requested tools and streams events to the caller.
//
// Invariants:
// - At most one turn per conversation runs at a time; turns queue per
//   conversation lane through commandqueue.
// - Every tool_result event follows the tool_start of the same call.
// - A turn ends with done unless its context was cancelled.
//
// Usage:
//
//	orch, _ := agent.NewOrchestrator(agent.Config{...})
//	events, _ := orch.Stream(ctx, "list my files", "")
//	for ev := range events {
//		fmt.Println(ev.Type, ev.Content)
//	}
package agent
