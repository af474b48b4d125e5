package sandbox

import "errors"

var (
	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrInvalidOutputLimit is returned when an output cap is negative
	ErrInvalidOutputLimit = errors.New("invalid output limit (must be >= 0)")

	// ErrSandboxNotRunning is returned when the sandbox is not running
	ErrSandboxNotRunning = errors.New("sandbox is not running")

	// ErrSandboxAlreadyRunning is returned when the sandbox is already running
	ErrSandboxAlreadyRunning = errors.New("sandbox is already running")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrCommandDenied is returned when a command matches the blocklist
	ErrCommandDenied = errors.New("command denied")

	// ErrFilesystemAccessDenied is returned when a path falls outside every allowed root
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrNoAllowedRoots is returned when a path guard is built without roots
	ErrNoAllowedRoots = errors.New("at least one allowed root is required")
)
