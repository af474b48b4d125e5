package toolexecutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Manifest kinds understood by the built-in factories.
const (
	KindShell   = "shell"
	KindFile    = "file"
	KindCommand = "command"
)

// Manifest is the declarative description of a tool, loaded from YAML or JSON.
type Manifest struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Version     string          `yaml:"version" json:"version"`
	Kind        string          `yaml:"kind" json:"kind"`
	Timeout     string          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Parameters  []ToolParameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Command     *CommandSpec    `yaml:"command,omitempty" json:"command,omitempty"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-" json:"-"`
}

// CommandSpec describes a command-kind tool. Argv entries may contain
// {{param}} placeholders that are replaced by argument values; no shell is involved.
type CommandSpec struct {
	Argv       []string          `yaml:"argv" json:"argv"`
	WorkingDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// HandlerFactory builds the handler for a manifest of one kind.
type HandlerFactory func(m *Manifest) (ToolHandler, error)

// Factories maps manifest kinds to handler factories.
type Factories map[string]HandlerFactory

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ParseManifest reads and validates a manifest file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filepath.Base(path), err)
	}
	m.Path = path

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

// Validate checks required fields, the semver version and the timeout.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Description == "" {
		return errors.New("description is required")
	}
	if m.Version == "" {
		return errors.New("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", m.Version, err)
	}
	switch m.Kind {
	case KindShell, KindFile:
	case KindCommand:
		if m.Command == nil || len(m.Command.Argv) == 0 {
			return errors.New("command kind requires command.argv")
		}
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if _, err := m.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// TimeoutDuration parses Timeout. Empty means the registry default.
func (m *Manifest) TimeoutDuration() (time.Duration, error) {
	if m.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", m.Timeout)
	}
	return d, nil
}

// Definition builds a ToolDefinition using the factory for the manifest kind.
func (m *Manifest) Definition(factories Factories) (ToolDefinition, error) {
	factory, ok := factories[m.Kind]
	if !ok {
		return ToolDefinition{}, fmt.Errorf("no handler factory for kind %q", m.Kind)
	}
	handler, err := factory(m)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("build %s handler: %w", m.Name, err)
	}
	timeout, _ := m.TimeoutDuration()

	return ToolDefinition{
		Name:        m.Name,
		Description: m.Description,
		Parameters:  m.Parameters,
		Handler:     handler,
		Timeout:     timeout,
		Version:     m.Version,
		Source:      m.Path,
	}, nil
}

// LoadManifests parses every manifest in dir (non-recursive), in name order.
// Invalid files are reported in errs and skipped. A missing dir yields nothing.
func LoadManifests(dir string, factories Factories) (defs []ToolDefinition, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("failed to read manifest dir: %w", err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsManifestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		m, err := ParseManifest(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		def, err := m.Definition(factories)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}

// LoadManifestDir loads manifests from dir into the registry, registering new
// names and reloading existing ones. It returns how many tools were applied.
func (r *Registry) LoadManifestDir(dir string, factories Factories) (int, []error) {
	defs, errs := LoadManifests(dir, factories)
	applied := 0
	for _, def := range defs {
		if err := r.Upsert(def); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	for _, err := range errs {
		r.logger.Warn().Err(err).Str("dir", dir).Msg("Skipping tool manifest")
	}
	return applied, errs
}
