package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/models"
	"github.com/harun/deskflow/pkg/sandbox"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultGracePeriod = 2 * time.Second
	defaultMaxOutput   = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description" yaml:"description"`
	Required    bool     `json:"required" yaml:"required"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ToolHandler is the function signature for tool execution.
// It may return a string, []byte, Result, or any JSON-encodable value.
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Version     string          `json:"version,omitempty"`
	Source      string          `json:"source,omitempty"` // "builtin" or the manifest path
}

// Config configures a Registry.
type Config struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
	AllowDowngrade bool
	Logger         zerolog.Logger
}

type entry struct {
	def        ToolDefinition
	schema     *gojsonschema.Schema
	version    *semver.Version
	generation uint64
}

type table map[string]*entry

// Registry holds tool definitions in a copy-on-write table.
// Readers load the current table without locking; writers copy it under writeMu.
type Registry struct {
	current atomic.Pointer[table]
	writeMu sync.Mutex

	generation atomic.Uint64
	inFlight   atomic.Int64

	defaultTimeout time.Duration
	gracePeriod    time.Duration
	maxOutput      int
	allowDowngrade bool
	logger         zerolog.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}

	r := &Registry{
		defaultTimeout: cfg.DefaultTimeout,
		gracePeriod:    cfg.GracePeriod,
		maxOutput:      cfg.MaxOutputBytes,
		allowDowngrade: cfg.AllowDowngrade,
		logger:         cfg.Logger.With().Str("component", "tool_registry").Logger(),
	}
	empty := table{}
	r.current.Store(&empty)
	return r
}

func (r *Registry) snapshot() table {
	return *r.current.Load()
}

// mutate copies the table, applies fn and publishes the copy.
func (r *Registry) mutate(fn func(t table) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.snapshot()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	r.current.Store(&next)
	observability.SetToolRegistrySize(len(next))
	return nil
}

func (r *Registry) build(def ToolDefinition) (*entry, error) {
	if err := validateToolDefinition(def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	schema, err := compileSchema(def)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrInvalidDefinition, err)
	}
	e := &entry{def: def, schema: schema, generation: r.generation.Add(1)}
	if def.Version != "" {
		v, err := semver.NewVersion(def.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidDefinition, def.Version, err)
		}
		e.version = v
	}
	return e, nil
}

// Register adds a tool. An existing name fails with ErrToolExists.
func (r *Registry) Register(def ToolDefinition) error {
	e, err := r.build(def)
	if err != nil {
		return err
	}

	err = r.mutate(func(t table) error {
		if _, exists := t[def.Name]; exists {
			return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
		}
		t[def.Name] = e
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info().Str("tool", def.Name).Str("version", def.Version).Msg("Tool registered")
	return nil
}

// Reload replaces an existing tool. In-flight executions of the previous
// definition run to completion unaffected.
func (r *Registry) Reload(def ToolDefinition) error {
	e, err := r.build(def)
	if err != nil {
		return err
	}

	var previous uint64
	err = r.mutate(func(t table) error {
		old, exists := t[def.Name]
		if !exists {
			return fmt.Errorf("%w: %s", ErrToolNotFound, def.Name)
		}
		if !r.allowDowngrade && old.version != nil && e.version != nil && e.version.LessThan(old.version) {
			return fmt.Errorf("%w: %s %s -> %s", ErrVersionDowngrade, def.Name, old.version, e.version)
		}
		previous = old.generation
		t[def.Name] = e
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info().
		Str("tool", def.Name).
		Str("version", def.Version).
		Uint64("previous_generation", previous).
		Uint64("generation", e.generation).
		Msg("Tool reloaded")
	return nil
}

// Upsert registers def, or reloads it when the name exists.
func (r *Registry) Upsert(def ToolDefinition) error {
	err := r.Register(def)
	if errors.Is(err, ErrToolExists) {
		return r.Reload(def)
	}
	return err
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	err := r.mutate(func(t table) error {
		if _, exists := t[name]; !exists {
			return fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		delete(t, name)
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
	return nil
}

// Lookup returns the current definition for name.
func (r *Registry) Lookup(name string) (ToolDefinition, error) {
	e, ok := r.snapshot()[name]
	if !ok {
		return ToolDefinition{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e.def, nil
}

// Generation returns the generation of the current definition, or 0.
func (r *Registry) Generation(name string) uint64 {
	if e, ok := r.snapshot()[name]; ok {
		return e.generation
	}
	return 0
}

// List returns all definitions sorted by name.
func (r *Registry) List() []ToolDefinition {
	t := r.snapshot()
	defs := make([]ToolDefinition, 0, len(t))
	for _, e := range t {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return len(r.snapshot())
}

// InFlight returns the number of handlers that have not returned yet.
func (r *Registry) InFlight() int64 {
	return r.inFlight.Load()
}

type outcome struct {
	value any
	err   error
}

// Execute runs a tool and always returns a result. Unknown tools, invalid
// arguments, security denials, timeouts and panics become failed results.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) models.ToolResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "toolexecutor", "tool.execute", attribute.String("tool.name", name))
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	result := r.execute(ctx, name, params, logger)
	result.ToolName = name
	result.DurationMs = time.Since(start).Milliseconds()

	observability.RecordToolExecution(name, time.Since(start), result.Success)
	if denied, _ := result.Metadata["denied"].(bool); !denied {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		observability.RecordToolAudit(ctx, name, tracing.GetConversationID(ctx), status, map[string]any{
			"tool_call_id": tracing.GetToolCallID(ctx),
			"duration_ms":  result.DurationMs,
		})
	}
	span.SetAttributes(attribute.Bool("tool.success", result.Success))
	var spanErr error
	if !result.Success {
		spanErr = errors.New(result.Error)
	}
	tracing.EndSpan(span, spanErr)
	return result
}

func (r *Registry) execute(ctx context.Context, name string, params map[string]any, logger zerolog.Logger) models.ToolResult {
	// Resolve once; a concurrent Reload does not affect this call.
	e, ok := r.snapshot()[name]
	if !ok {
		logger.Warn().Msg("Tool not found")
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := validateParameters(e.schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return models.ToolResult{Success: false, Error: fmt.Sprintf("%v: %v", ErrInvalidArguments, err)}
	}

	timeout := e.def.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	observability.SetToolsInFlight(r.inFlight.Add(1))
	go func() {
		defer func() {
			observability.SetToolsInFlight(r.inFlight.Add(-1))
		}()
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		value, err := e.def.Handler(execCtx, params)
		done <- outcome{value: value, err: err}
	}()

	logger.Debug().Uint64("generation", e.generation).Dur("timeout", timeout).Msg("Executing tool")

	select {
	case out := <-done:
		return r.buildResult(ctx, name, out, logger)
	case <-execCtx.Done():
	}

	cancel()
	grace := time.NewTimer(r.gracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Warn().Dur("grace", r.gracePeriod).Msg("Tool handler still running after cancellation")
	}

	if ctx.Err() != nil {
		logger.Info().Msg("Tool execution cancelled")
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool '%s' cancelled", name)}
	}

	logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
	return models.ToolResult{
		Success:  false,
		Error:    fmt.Sprintf("tool '%s' timed out after %v", name, timeout),
		Metadata: map[string]any{"timeout": true},
	}
}

func (r *Registry) buildResult(ctx context.Context, name string, out outcome, logger zerolog.Logger) models.ToolResult {
	if out.err != nil {
		res := models.ToolResult{Success: false, Error: out.err.Error()}

		var toolErr *ToolError
		if errors.As(out.err, &toolErr) {
			res.Output, res.Truncated = truncateOutput(toolErr.Output, r.maxOutput)
			res.Metadata = toolErr.Metadata
		}

		if errors.Is(out.err, sandbox.ErrCommandDenied) || errors.Is(out.err, sandbox.ErrFilesystemAccessDenied) {
			res.Error = "denied: " + out.err.Error()
			if res.Metadata == nil {
				res.Metadata = map[string]any{}
			}
			res.Metadata["denied"] = true
			observability.RecordDenial(ctx, name, out.err.Error())
			logger.Warn().Err(out.err).Msg("Tool execution denied")
			return res
		}

		logger.Error().Err(out.err).Msg("Tool execution failed")
		return res
	}

	text, metadata, err := formatOutput(out.value)
	if err != nil {
		logger.Error().Err(err).Msg("Tool output could not be encoded")
		return models.ToolResult{Success: false, Error: fmt.Sprintf("encode output: %v", err)}
	}

	output, truncated := truncateOutput(text, r.maxOutput)
	if truncated {
		logger.Warn().Int("original", len(text)).Int("limit", r.maxOutput).Msg("Output truncated")
	}

	logger.Debug().Bool("truncated", truncated).Msg("Tool execution completed")
	return models.ToolResult{
		Success:   true,
		Output:    output,
		Truncated: truncated,
		Metadata:  metadata,
	}
}
