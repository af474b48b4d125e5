package sandbox

import (
	"time"
)

// Config defines sandbox configuration
type Config struct {
	// ResourceLimits defines execution constraints
	ResourceLimits ResourceLimits `json:"resource_limits"`

	// FilesystemAccess restricts working directories
	FilesystemAccess FilesystemAccess `json:"filesystem_access"`

	// Shell is the interpreter used by ExecuteShell
	Shell string `json:"shell"`

	// BaseEnv replaces the minimal default environment when set
	BaseEnv map[string]string `json:"base_env"`
}

// ResourceLimits defines resource constraints for sandboxed execution
type ResourceLimits struct {
	// Timeout limits execution time when the request sets none
	Timeout time.Duration `json:"timeout"`

	// MaxStdoutBytes caps captured stdout; 0 means unlimited
	MaxStdoutBytes int `json:"max_stdout_bytes"`

	// MaxStderrBytes caps captured stderr; 0 means unlimited
	MaxStderrBytes int `json:"max_stderr_bytes"`
}

// FilesystemAccess defines filesystem access rules
type FilesystemAccess struct {
	// AllowedPaths lists roots a working directory must be inside; empty allows all
	AllowedPaths []string `json:"allowed_paths"`
}

// ExecuteRequest represents a sandbox execution request
type ExecuteRequest struct {
	// Command is the command to execute
	Command string `json:"command"`

	// Args are the command arguments
	Args []string `json:"args"`

	// Env are extra environment variables
	Env map[string]string `json:"env"`

	// WorkingDir is the working directory
	WorkingDir string `json:"working_dir"`

	// Stdin is the standard input
	Stdin []byte `json:"stdin"`

	// Timeout overrides the configured timeout
	Timeout time.Duration `json:"timeout"`
}

// ExecuteResult represents the result of a sandbox execution
type ExecuteResult struct {
	Stdout          []byte        `json:"stdout"`
	Stderr          []byte        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated"`
	StderrTruncated bool          `json:"stderr_truncated"`
	ExitCode        int           `json:"exit_code"`
	Duration        time.Duration `json:"duration"`
	Error           error         `json:"error,omitempty"`
}

// DefaultConfig returns the limits used by the shell tool.
func DefaultConfig() Config {
	return Config{
		ResourceLimits: ResourceLimits{
			Timeout:        30 * time.Second,
			MaxStdoutBytes: 10000,
			MaxStderrBytes: 5000,
		},
		Shell: "/bin/sh",
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if cfg.ResourceLimits.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if cfg.ResourceLimits.MaxStdoutBytes < 0 || cfg.ResourceLimits.MaxStderrBytes < 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}
