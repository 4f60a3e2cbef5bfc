// Package llm provides the model-provider client and the streaming
// event decoder. The decoder translates the provider's wire format into
// the internal event algebra; nothing outside this package parses
// provider bytes.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one entry of the conversation sent to the provider.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant declarations
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result pairing
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec describes a capability advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage is the provider's token accounting for one turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one outbound provider call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
	// ForceTool pins the model to a single named tool for this call.
	ForceTool string
}

// Turn is the accumulated outcome of one provider call: the full text,
// every completed tool call, and token usage.
type Turn struct {
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// EventKind identifies the type of a decoder event.
type EventKind int

const (
	// EventText is an incremental fragment of the assistant's answer.
	EventText EventKind = iota

	// EventToolStart fires when the model opens a tool invocation.
	EventToolStart

	// EventToolArgDelta is a fragment of a tool invocation's argument
	// payload. Most consumers ignore these; the complete arguments
	// arrive on EventToolComplete.
	EventToolArgDelta

	// EventToolComplete fires when a tool invocation's arguments have
	// been fully received and parsed.
	EventToolComplete

	// EventUsage reports token counts for the turn. Emitted once per
	// provider response.
	EventUsage

	// EventDone signals the end of the stream.
	EventDone

	// EventError reports a failure. When ToolID is set the error is
	// scoped to that one invocation and the stream continues; when
	// ToolID is empty the stream is over.
	EventError
)

// Event is one semantic event decoded from the provider stream.
type Event struct {
	Kind EventKind

	// Text is set for EventText and EventToolArgDelta.
	Text string

	// ToolID and ToolName identify the invocation for EventToolStart,
	// EventToolArgDelta, EventToolComplete, and tool-scoped EventError.
	ToolID   string
	ToolName string

	// Args is set for EventToolComplete. Never nil: an invocation with
	// no arguments decodes to an empty map.
	Args map[string]any

	// Usage is set for EventUsage.
	Usage Usage

	// Err is set for EventError.
	Err string
}
