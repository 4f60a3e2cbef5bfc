package llm

import "context"

// Client is the provider contract consumed by the conversation loop.
//
// Stream opens one provider turn and returns the decoded event sequence.
// Complete is the blocking variant for background agents that do not
// need partial output: it returns the accumulated text and completed
// tool calls in one shot.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	Complete(ctx context.Context, req Request) (*Turn, error)
}
