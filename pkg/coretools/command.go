package coretools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/deskflow/pkg/sandbox"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// commandHandler runs a manifest argv template directly, without a shell.
// Each placeholder expands inside its own argv entry, so argument values
// cannot introduce new arguments.
func commandHandler(m *toolexecutor.Manifest, opts Options) (toolexecutor.ToolHandler, error) {
	spec := m.Command
	if spec == nil || len(spec.Argv) == 0 {
		return nil, fmt.Errorf("command kind requires argv")
	}

	declared := make(map[string]bool, len(m.Parameters))
	for _, p := range m.Parameters {
		declared[p.Name] = true
	}
	for _, arg := range spec.Argv {
		for _, match := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			if !declared[match[1]] {
				return nil, fmt.Errorf("argv references undeclared parameter %q", match[1])
			}
		}
	}

	policy := opts.policy()
	argvTemplate := append([]string(nil), spec.Argv...)
	env := spec.Env
	dir := spec.WorkingDir

	return func(ctx context.Context, params map[string]any) (any, error) {
		argv := expandArgv(argvTemplate, params)
		if argv[0] == "" {
			return nil, fmt.Errorf("%w: empty command", toolexecutor.ErrInvalidArguments)
		}
		if err := policy.Check(strings.Join(argv, " ")); err != nil {
			return nil, err
		}

		res, err := opts.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
			Command:    argv[0],
			Args:       argv[1:],
			Env:        env,
			WorkingDir: workingDir(ctx, dir, opts.Guard),
			Timeout:    opts.Timeout,
		})
		return processResult(res, err)
	}, nil
}

func expandArgv(template []string, params map[string]any) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(token string) string {
			name := placeholderPattern.FindStringSubmatch(token)[1]
			v, ok := params[name]
			if !ok || v == nil {
				return ""
			}
			return fmt.Sprint(v)
		})
	}
	return argv
}
