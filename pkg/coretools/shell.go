package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/deskflow/pkg/sandbox"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// ShellTool builds a shell tool definition under the given name.
func ShellTool(name, description string, opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
			{Name: "working_dir", Type: "string", Description: "Directory to run the command in"},
		},
		Handler: shellHandler(opts),
		Timeout: opts.Timeout,
		Version: "1.0.0",
		Source:  "builtin",
	}
}

func shellHandler(opts Options) toolexecutor.ToolHandler {
	policy := opts.policy()
	logger := opts.Logger.With().Str("component", "shell_tool").Logger()

	return func(ctx context.Context, params map[string]any) (any, error) {
		command := strings.TrimSpace(stringParam(params, "command"))
		if err := policy.Check(command); err != nil {
			return nil, err
		}

		req := sandbox.ExecuteRequest{
			WorkingDir: workingDir(ctx, stringParam(params, "working_dir"), opts.Guard),
			Timeout:    opts.Timeout,
		}
		logger.Debug().Str("command", command).Str("dir", req.WorkingDir).Msg("Running shell command")

		res, err := opts.Sandbox.ExecuteShell(ctx, command, req)
		return processResult(res, err)
	}
}

// processResult maps a sandbox result onto tool output. A non-zero exit is a
// failure that still carries the output.
func processResult(res sandbox.ExecuteResult, err error) (any, error) {
	output := formatProcessOutput(res)
	metadata := map[string]any{
		"exit_code":        res.ExitCode,
		"stdout_truncated": res.StdoutTruncated,
		"stderr_truncated": res.StderrTruncated,
	}

	if err != nil {
		if errors.Is(err, sandbox.ErrExecutionTimeout) {
			return nil, &toolexecutor.ToolError{Message: err.Error(), Output: output, Metadata: metadata}
		}
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("failed to start command: %w", res.Error)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("command exited with code %d", res.ExitCode)
		if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
			msg += ": " + stderr
		}
		return nil, &toolexecutor.ToolError{Message: msg, Output: output, Metadata: metadata}
	}

	return toolexecutor.Result{Output: output, Metadata: metadata}, nil
}

func formatProcessOutput(res sandbox.ExecuteResult) string {
	var b strings.Builder
	b.Write(res.Stdout)
	if res.StdoutTruncated {
		b.WriteString("\n... [stdout truncated]")
	}
	if len(res.Stderr) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.Write(res.Stderr)
		if res.StderrTruncated {
			b.WriteString("\n... [stderr truncated]")
		}
	}
	return b.String()
}
