package tools

import (
	"context"
	"fmt"
	"time"
)

// Messenger is the outbound team-messaging back-end (SMS/push fan-out
// lives outside this core).
type Messenger interface {
	// SendTeamMessage delivers body to every member of teamID and
	// returns the recipient count.
	SendTeamMessage(ctx context.Context, teamID, body string) (int, error)
}

// SendTeamMessageTool broadcasts a message to a team. Outbound messages
// reach real phones, so the tool is confirmation-gated and carries a
// per-user cooldown for background runs.
type SendTeamMessageTool struct {
	Messenger Messenger
}

type sendTeamMessageArgs struct {
	TeamID string `json:"team_id" validate:"required"`
	Body   string `json:"body" validate:"required,max=640"`
}

func (t *SendTeamMessageTool) Name() string { return "send_team_message" }

func (t *SendTeamMessageTool) Description() string {
	return "Send a message to every member of a team. Requires confirmation before anything is delivered."
}

func (t *SendTeamMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"team_id": map[string]any{
				"type":        "string",
				"description": "The team to message",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "The message text (max 640 characters)",
			},
		},
		"required": []string{"team_id", "body"},
	}
}

func (t *SendTeamMessageTool) Validate(args map[string]any) error {
	_, err := DecodeArgs[sendTeamMessageArgs](args)
	return err
}

func (t *SendTeamMessageTool) RequiresConfirmation() bool { return true }

func (t *SendTeamMessageTool) ConfirmationMessage(args map[string]any) string {
	a, err := DecodeArgs[sendTeamMessageArgs](args)
	if err != nil {
		return "Send a team message (details unavailable)"
	}
	body := a.Body
	if len(body) > 120 {
		body = body[:120] + "..."
	}
	return fmt.Sprintf("Send to team %s: %q?", a.TeamID, body)
}

func (t *SendTeamMessageTool) Cooldown() CooldownPolicy {
	return CooldownPolicy{PerUser: 10 * time.Minute}
}

func (t *SendTeamMessageTool) Execute(ctx context.Context, ec ExecContext, args map[string]any) (string, error) {
	a, err := DecodeArgs[sendTeamMessageArgs](args)
	if err != nil {
		return "", err
	}
	if ec.DryRun {
		return fmt.Sprintf("[dry-run] would message team %s", a.TeamID), nil
	}
	n, err := t.Messenger.SendTeamMessage(ctx, a.TeamID, a.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Message delivered to %d member(s) of team %s.", n, a.TeamID), nil
}

// FormatResult trims delivery detail for human display.
func (t *SendTeamMessageTool) FormatResult(result string) string {
	return "✉ " + result
}
