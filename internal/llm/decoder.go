package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SSE event shapes for the Anthropic Messages streaming protocol.

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	Message      *wireResponse `json:"message,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
	Error        *wireError    `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Decode consumes a provider SSE body and produces the event algebra on
// the returned channel. The sequence is finite and non-restartable:
// create a fresh decode per request, including per continuation turn.
//
// The channel is closed after the terminal event (EventDone, or a
// stream-scoped EventError). body is closed when decoding finishes or
// ctx is cancelled, whichever comes first.
func Decode(ctx context.Context, body io.ReadCloser) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer body.Close()

		// Close the body when the context is cancelled so the scanner
		// unblocks mid-read. The watcher goroutine exits via done.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				body.Close()
			case <-done:
			}
		}()

		emit := func(e Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		// Large responses can carry long argument payload lines.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		// Per-invocation accumulator. Exists only between a tool's
		// content_block_start and its content_block_stop.
		var (
			toolID   string
			toolName string
			argBuf   strings.Builder
			thinking bool
			usage    Usage
			sawUsage bool
			doneSent bool
		)

		for scanner.Scan() {
			line := scanner.Text()

			// SSE format: "event: <type>" followed by "data: <json>".
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				break
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue // malformed protocol line, not a stream failure
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
					usage.OutputTokens = ev.Message.Usage.OutputTokens
				}

			case "content_block_start":
				if ev.ContentBlock == nil {
					continue
				}
				switch ev.ContentBlock.Type {
				case "tool_use":
					toolID = ev.ContentBlock.ID
					toolName = ev.ContentBlock.Name
					argBuf.Reset()
					if !emit(Event{Kind: EventToolStart, ToolID: toolID, ToolName: toolName}) {
						return
					}
				case "thinking", "redacted_thinking":
					// Reasoning fragments are consumed and discarded,
					// never surfaced as answer text.
					thinking = true
				}

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if thinking {
						continue
					}
					if !emit(Event{Kind: EventText, Text: ev.Delta.Text}) {
						return
					}
				case "thinking_delta", "signature_delta":
					// Discard.
				case "input_json_delta":
					argBuf.WriteString(ev.Delta.PartialJSON)
					if !emit(Event{Kind: EventToolArgDelta, ToolID: toolID, ToolName: toolName, Text: ev.Delta.PartialJSON}) {
						return
					}
				}

			case "content_block_stop":
				if thinking {
					thinking = false
					continue
				}
				if toolID == "" {
					continue
				}
				args, err := parseArgs(argBuf.String())
				if err != nil {
					// Scoped to this one invocation; the rest of the
					// stream keeps flowing.
					if !emit(Event{
						Kind:     EventError,
						ToolID:   toolID,
						ToolName: toolName,
						Err:      fmt.Sprintf("decode tool arguments: %v", err),
					}) {
						return
					}
				} else if !emit(Event{Kind: EventToolComplete, ToolID: toolID, ToolName: toolName, Args: args}) {
					return
				}
				toolID, toolName = "", ""
				argBuf.Reset()

			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				if !sawUsage {
					sawUsage = true
					if !emit(Event{Kind: EventUsage, Usage: usage}) {
						return
					}
				}
				doneSent = true
				emit(Event{Kind: EventDone})
				return

			case "error":
				msg := "provider stream error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				emit(Event{Kind: EventError, Err: msg})
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(Event{Kind: EventError, Err: fmt.Sprintf("read stream: %v", err)})
			return
		}
		if ctx.Err() != nil {
			return
		}

		// Transport closed without an explicit terminal marker: the
		// sequence is still finite.
		if !sawUsage {
			if !emit(Event{Kind: EventUsage, Usage: usage}) {
				return
			}
		}
		if !doneSent {
			emit(Event{Kind: EventDone})
		}
	}()
	return out
}

// parseArgs decodes an accumulated argument buffer. An empty buffer is
// "no arguments", not an error.
func parseArgs(buf string) (map[string]any, error) {
	if strings.TrimSpace(buf) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(buf), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
