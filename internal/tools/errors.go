// This file defines sentinel error types for tool dispatch.
package tools

import "fmt"

// ErrUnknownTool is returned when a model-requested call names a tool
// that is not in the registry. It is fed back to the model as a
// synthetic result, never treated as fatal to the turn.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}
