// Package coretools provides the built-in shell, file and command tools.
// Every handler enforces the sandbox policy itself before doing any work.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/deskflow/pkg/sandbox"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// Options configures the built-in tools.
type Options struct {
	Sandbox *sandbox.HostSandbox
	Policy  *sandbox.CommandPolicy
	Guard   *sandbox.PathGuard

	// Timeout applied to shell and command tools; 0 uses the registry default.
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (o Options) validate() error {
	if o.Sandbox == nil {
		return errors.New("sandbox is required")
	}
	if o.Guard == nil {
		return errors.New("path guard is required")
	}
	return nil
}

func (o Options) policy() *sandbox.CommandPolicy {
	if o.Policy != nil {
		return o.Policy
	}
	return sandbox.NewCommandPolicy()
}

// RegisterBuiltins registers the shell and file tools.
func RegisterBuiltins(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if err := opts.validate(); err != nil {
		return err
	}

	tools := []toolexecutor.ToolDefinition{
		ShellTool("shell", "Run a shell command on the host and return its output.", opts),
		FileTool("file", "Read, write, list, search or inspect files inside the allowed directories.", opts),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// Factories returns manifest handler factories for every supported kind.
func Factories(opts Options) toolexecutor.Factories {
	return toolexecutor.Factories{
		toolexecutor.KindShell: func(m *toolexecutor.Manifest) (toolexecutor.ToolHandler, error) {
			if err := opts.validate(); err != nil {
				return nil, err
			}
			return shellHandler(opts), nil
		},
		toolexecutor.KindFile: func(m *toolexecutor.Manifest) (toolexecutor.ToolHandler, error) {
			if err := opts.validate(); err != nil {
				return nil, err
			}
			return fileHandler(opts), nil
		},
		toolexecutor.KindCommand: func(m *toolexecutor.Manifest) (toolexecutor.ToolHandler, error) {
			if err := opts.validate(); err != nil {
				return nil, err
			}
			return commandHandler(m, opts)
		},
	}
}

// workingDir picks the directory a relative path or command runs in:
// the explicit value, then the conversation's working dir, then the first root.
func workingDir(ctx context.Context, explicit string, guard *sandbox.PathGuard) string {
	if explicit != "" {
		return explicit
	}
	if ec := toolexecutor.ExecContextFromContext(ctx); ec != nil && ec.WorkingDir != "" {
		return ec.WorkingDir
	}
	if roots := guard.Roots(); len(roots) > 0 {
		return roots[0]
	}
	dir, _ := os.Getwd()
	return dir
}

// resolvePath resolves p against base and checks it against the guard.
func resolvePath(ctx context.Context, guard *sandbox.PathGuard, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: path is required", toolexecutor.ErrInvalidArguments)
	}
	if !filepath.IsAbs(p) && p != "~" && !hasHomePrefix(p) {
		p = filepath.Join(workingDir(ctx, "", guard), p)
	}
	return guard.Resolve(p)
}

func hasHomePrefix(p string) bool {
	return len(p) >= 2 && p[0] == '~' && p[1] == '/'
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
