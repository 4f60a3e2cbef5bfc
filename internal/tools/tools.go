// Package tools defines the capability contract and the registry the
// conversation loop dispatches against. Adding a capability is adding a
// registry entry; the loop never changes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crewline/crewline/internal/llm"
)

// ExecContext carries read-only invocation metadata into tool
// executions. Tools must not mutate it.
type ExecContext struct {
	RunID     string
	AgentID   string
	SessionID string
	UserID    string
	Model     string
	DryRun    bool
}

// CooldownPolicy blocks repeat execution of an action within a window.
// Zero values mean no cooldown on that axis.
type CooldownPolicy struct {
	PerUser time.Duration
	Global  time.Duration
}

// RateLimit caps executions per rolling hour. Zero means unlimited.
type RateLimit struct {
	MaxPerHour int
}

// Tool is the fixed capability interface.
type Tool interface {
	// Name is the registry key and the name advertised to the model.
	Name() string
	// Description tells the model when to use the capability.
	Description() string
	// Parameters is the JSON schema for the argument map.
	Parameters() map[string]any
	// Validate checks an argument map before execution or confirmation.
	Validate(args map[string]any) error
	// Execute runs the capability. Errors are reported back to the
	// model as data, never propagated past the dispatch boundary.
	Execute(ctx context.Context, ec ExecContext, args map[string]any) (string, error)
	// RequiresConfirmation gates execution behind human approval.
	RequiresConfirmation() bool
}

// Confirmer is implemented by gated tools that produce a human-readable
// confirmation prompt from the argument map.
type Confirmer interface {
	ConfirmationMessage(args map[string]any) string
}

// ResultFormatter is implemented by tools whose raw result needs
// shaping before human display.
type ResultFormatter interface {
	FormatResult(result string) string
}

// Throttled is implemented by tools with a cooldown policy. Cooldowns
// apply to scheduled/background runs only, never to interactively
// confirmed chat turns.
type Throttled interface {
	Cooldown() CooldownPolicy
}

// RateLimited is implemented by tools with an hourly execution cap.
type RateLimited interface {
	RateLimit() RateLimit
}

// Registry holds the available capabilities.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A duplicate name replaces the prior entry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, or nil when absent.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the capability catalogue advertised to the model.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return specs
}

// FilteredCopy returns a registry containing only the named tools.
// Unknown names are ignored.
func (r *Registry) FilteredCopy(names []string) *Registry {
	out := NewRegistry()
	for _, name := range names {
		if t := r.tools[name]; t != nil {
			out.Register(t)
		}
	}
	return out
}

// validate is the shared validator instance for argument structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeArgs converts a raw argument map into a typed argument struct
// and runs struct validation. The round-trip through JSON applies the
// same coercions the wire format would.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	if err := validate.Struct(&out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}
