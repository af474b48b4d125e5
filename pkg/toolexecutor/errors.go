package toolexecutor

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned for operations on an unregistered name
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolExists is returned when registering a name that is already taken
	ErrToolExists = errors.New("tool already registered")

	// ErrToolTimeout is returned when a handler exceeds its timeout
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrInvalidArguments is returned when arguments fail schema validation
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrInvalidDefinition is returned for malformed tool definitions
	ErrInvalidDefinition = errors.New("invalid tool definition")

	// ErrVersionDowngrade is returned when a reload would lower the version
	ErrVersionDowngrade = errors.New("tool version downgrade")
)

// ToolError is a handler failure that still carries output for the model.
type ToolError struct {
	Message  string
	Output   string
	Metadata map[string]any
}

func (e *ToolError) Error() string {
	return e.Message
}

// NewToolError builds a ToolError with formatted message.
func NewToolError(output string, format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...), Output: output}
}

// Result lets a handler return text output together with metadata.
type Result struct {
	Output   string
	Metadata map[string]any
}
