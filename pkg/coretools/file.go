package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/deskflow/pkg/toolexecutor"
)

const (
	maxReadBytes     = 100 * 1024
	maxWriteBytes    = 500 * 1024
	maxListEntries   = 200
	maxSearchMatches = 100
	maxSearchFile    = 1024 * 1024
)

// FileTool builds a file tool definition under the given name.
func FileTool(name, description string, opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "operation", Type: "string", Description: "Operation to perform", Required: true,
				Enum: []string{"read", "write", "list", "exists", "info", "search"}},
			{Name: "path", Type: "string", Description: "File or directory path", Required: true},
			{Name: "content", Type: "string", Description: "Content for write"},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite (write)"},
			{Name: "pattern", Type: "string", Description: "Text to look for (search)"},
			{Name: "limit", Type: "integer", Description: "Maximum entries or matches to return"},
		},
		Handler: fileHandler(opts),
		Version: "1.0.0",
		Source:  "builtin",
	}
}

func fileHandler(opts Options) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		// Resolve before touching the filesystem; denials perform no I/O.
		target, err := resolvePath(ctx, opts.Guard, stringParam(params, "path"))
		if err != nil {
			return nil, err
		}

		switch op := stringParam(params, "operation"); op {
		case "read":
			return readFile(target)
		case "write":
			return writeFile(target, stringParam(params, "content"), boolParam(params, "append"))
		case "list":
			return listDir(target, capLimit(intParam(params, "limit", maxListEntries), maxListEntries))
		case "exists":
			return fileExists(target)
		case "info":
			return fileInfo(target)
		case "search":
			return searchFiles(ctx, target, stringParam(params, "pattern"),
				capLimit(intParam(params, "limit", maxSearchMatches), maxSearchMatches))
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", toolexecutor.ErrInvalidArguments, op)
		}
	}
}

func capLimit(n, max int) int {
	if n <= 0 || n > max {
		return max
	}
	return n
}

func readFile(path string) (any, error) {
	data, truncated, err := readFileWithLimit(path, maxReadBytes)
	if err != nil {
		return nil, err
	}
	out := string(data)
	if truncated {
		out += fmt.Sprintf("\n... [file truncated at %d bytes]", maxReadBytes)
	}
	return toolexecutor.Result{
		Output:   out,
		Metadata: map[string]any{"path": path, "bytes": len(data), "truncated": truncated},
	}, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func writeFile(path, content string, appendMode bool) (any, error) {
	if len(content) > maxWriteBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", toolexecutor.ErrInvalidArguments, maxWriteBytes)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	flag := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return toolexecutor.Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{"path": path, "bytes": len(content), "append": appendMode},
	}, nil
}

func listDir(path string, limit int) (any, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	shown := 0
	for _, e := range entries {
		if shown == limit {
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
		shown++
	}
	if len(entries) > shown {
		fmt.Fprintf(&b, "... and %d more\n", len(entries)-shown)
	}

	return toolexecutor.Result{
		Output:   b.String(),
		Metadata: map[string]any{"path": path, "total": len(entries), "shown": shown},
	}, nil
}

func fileExists(path string) (any, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return toolexecutor.Result{Output: "true", Metadata: map[string]any{"exists": true}}, nil
	case errors.Is(err, fs.ErrNotExist):
		return toolexecutor.Result{Output: "false", Metadata: map[string]any{"exists": false}}, nil
	default:
		return nil, err
	}
}

type fileInfoOutput struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"is_dir"`
	Mode     string    `json:"mode"`
	Modified time.Time `json:"modified"`
}

func fileInfo(path string) (any, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return fileInfoOutput{
		Path:     path,
		Size:     st.Size(),
		IsDir:    st.IsDir(),
		Mode:     st.Mode().String(),
		Modified: st.ModTime().UTC(),
	}, nil
}

// searchFiles does a case-insensitive substring search over regular files under root.
// Symlinks are not followed, so the walk cannot leave the resolved root.
func searchFiles(ctx context.Context, root, pattern string, limit int) (any, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: pattern is required for search", toolexecutor.ErrInvalidArguments)
	}
	needle := strings.ToLower(pattern)

	var matches []string
	errLimit := errors.New("limit reached")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFile {
			return nil
		}

		found, err := searchFile(path, needle, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}

	out := strings.Join(matches, "\n")
	if len(matches) == 0 {
		out = "no matches"
	}
	return toolexecutor.Result{
		Output:   out,
		Metadata: map[string]any{"matches": len(matches), "limited": len(matches) >= limit},
	}, nil
}

func searchFile(path, needle string, remaining int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() && len(found) < remaining {
		line++
		text := scanner.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return nil, nil // binary
		}
		if strings.Contains(strings.ToLower(text), needle) {
			found = append(found, fmt.Sprintf("%s:%d: %s", path, line, strings.TrimSpace(text)))
		}
	}
	return found, scanner.Err()
}
