package agent

// EventType identifies a caller-facing event. This is the only contract
// the web/UI layer depends on.
type EventType string

const (
	// EventText is an incremental fragment of the assistant's answer,
	// forwarded in stream order before the turn finishes.
	EventText EventType = "text"
	// EventToolStart announces a tool invocation the model has opened.
	EventToolStart EventType = "tool_start"
	// EventToolResult carries the human-formatted outcome of a dispatch.
	EventToolResult EventType = "tool_result"
	// EventPendingAction announces a gated call parked for approval.
	EventPendingAction EventType = "pending_action"
	// EventDone is the terminal event of a successful invocation.
	EventDone EventType = "done"
	// EventError is the terminal event of a failed invocation.
	EventError EventType = "error"
)

// Event is one item of the caller-facing stream. Exactly one of
// EventDone or EventError ends every invocation.
type Event struct {
	Type EventType `json:"type"`

	// RunID identifies the invocation for audit lookups. Set on
	// EventDone.
	RunID string `json:"run_id,omitempty"`

	// Text is set for EventText.
	Text string `json:"text,omitempty"`

	// ToolName is set for EventToolStart, EventToolResult, and
	// EventPendingAction.
	ToolName string `json:"tool_name,omitempty"`
	// Result is set for EventToolResult.
	Result string `json:"result,omitempty"`

	// PendingID and ConfirmText are set for EventPendingAction.
	PendingID   string `json:"pending_id,omitempty"`
	ConfirmText string `json:"confirm_text,omitempty"`

	// Token totals and cost, summed across all turns. Set for EventDone.
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	// SoftError is set on EventDone when the invocation stopped at the
	// continuation cap with work remaining.
	SoftError string `json:"soft_error,omitempty"`

	// Message is set for EventError.
	Message string `json:"message,omitempty"`
}
