package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crewline/crewline/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Responses can take significant time before headers arrive
	// (thinking, long prompts), so the transport gets a generous
	// response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// No global timeout: streaming responses can be long-lived.
			// Rely on ctx deadlines/cancellation for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// SetBaseURL overrides the API endpoint (tests, proxies).
func (c *AnthropicClient) SetBaseURL(u string) { c.baseURL = u }

// Wire request/response types.

type wireRequest struct {
	Model      string         `json:"model"`
	Messages   []wireMessage  `json:"messages"`
	System     string         `json:"system,omitempty"`
	MaxTokens  int            `json:"max_tokens"`
	Stream     bool           `json:"stream,omitempty"`
	Tools      []wireTool     `json:"tools,omitempty"`
	ToolChoice map[string]any `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type wireTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type wireResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream opens a streaming provider turn. The returned channel is the
// decoded event sequence; it is closed after the terminal event.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	resp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return Decode(ctx, resp.Body), nil
}

// Complete performs a blocking, non-streaming provider turn.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Turn, error) {
	resp, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	turn := turnFromWire(&wr)
	c.logger.Debug("response received",
		"model", turn.Model,
		"input_tokens", turn.Usage.InputTokens,
		"output_tokens", turn.Usage.OutputTokens,
		"tool_calls", len(turn.ToolCalls),
	)
	return turn, nil
}

func (c *AnthropicClient) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	wr := wireRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.Messages),
		System:    req.System,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		Tools:     convertTools(req.Tools),
	}
	if wr.MaxTokens <= 0 {
		wr.MaxTokens = 4096
	}
	if req.ForceTool != "" {
		wr.ToolChoice = map[string]any{"type": "tool", "name": req.ForceTool}
	}

	jsonData, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wr.Messages),
		"tools", len(wr.Tools),
		"stream", stream,
		"forced_tool", req.ForceTool,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}

// Ping verifies the API key with a minimal request. Anthropic has no
// dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context, model string) error {
	wr := wireRequest{
		Model:     model,
		Messages:  []wireMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	jsonData, err := json.Marshal(wr)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

// convertMessages converts internal messages to wire format. System
// messages are dropped here; the system prompt travels on the request.
func convertMessages(messages []Message) []wireMessage {
	var result []wireMessage
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				result = append(result, wireMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			// Assistant message with tool declarations → content blocks.
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Name,
					Input: args,
				})
			}
			result = append(result, wireMessage{Role: "assistant", Content: blocks})

		case "tool":
			// Consecutive tool results coalesce into one user turn: the
			// provider expects a single message answering all of the
			// assistant's declarations.
			var blocks []contentBlock
			for ; i < len(messages) && messages[i].Role == "tool"; i++ {
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: messages[i].ToolCallID,
					Content:   messages[i].Content,
				})
			}
			i--
			result = append(result, wireMessage{Role: "user", Content: blocks})

		case "user":
			result = append(result, wireMessage{Role: "user", Content: msg.Content})
		}
	}
	return result
}

func convertTools(tools []ToolSpec) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		schema := any(t.InputSchema)
		if t.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}

// turnFromWire converts a non-streaming response to a Turn.
func turnFromWire(wr *wireResponse) *Turn {
	var text strings.Builder
	var calls []ToolCall

	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok || args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	return &Turn{
		Model:      wr.Model,
		Text:       text.String(),
		ToolCalls:  calls,
		StopReason: wr.StopReason,
		Usage: Usage{
			InputTokens:  wr.Usage.InputTokens,
			OutputTokens: wr.Usage.OutputTokens,
		},
	}
}
