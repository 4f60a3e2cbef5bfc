package tools

import (
	"context"
	"fmt"
	"time"
)

// PointsLedger is the recognition-points back-end.
type PointsLedger interface {
	// AwardPoints credits points to an employee and returns the new
	// balance.
	AwardPoints(ctx context.Context, employeeID string, points int, reason string) (int, error)
}

// AwardPointsTool grants recognition points. Not confirmation-gated,
// but throttled: a global cooldown plus an hourly cap keep background
// agents from draining the points budget.
type AwardPointsTool struct {
	Ledger PointsLedger
}

type awardPointsArgs struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	Points     int    `json:"points" validate:"required,gt=0,lte=100"`
	Reason     string `json:"reason" validate:"required,max=200"`
}

func (t *AwardPointsTool) Name() string { return "award_points" }

func (t *AwardPointsTool) Description() string {
	return "Award recognition points to an employee for good work. Points are capped at 100 per award."
}

func (t *AwardPointsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"employee_id": map[string]any{
				"type":        "string",
				"description": "The employee receiving the points",
			},
			"points": map[string]any{
				"type":        "integer",
				"description": "Number of points to award (1-100)",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Short reason shown to the employee",
			},
		},
		"required": []string{"employee_id", "points", "reason"},
	}
}

func (t *AwardPointsTool) Validate(args map[string]any) error {
	_, err := DecodeArgs[awardPointsArgs](args)
	return err
}

func (t *AwardPointsTool) RequiresConfirmation() bool { return false }

func (t *AwardPointsTool) Cooldown() CooldownPolicy {
	return CooldownPolicy{Global: 1 * time.Minute}
}

func (t *AwardPointsTool) RateLimit() RateLimit {
	return RateLimit{MaxPerHour: 20}
}

func (t *AwardPointsTool) Execute(ctx context.Context, ec ExecContext, args map[string]any) (string, error) {
	a, err := DecodeArgs[awardPointsArgs](args)
	if err != nil {
		return "", err
	}
	if ec.DryRun {
		return fmt.Sprintf("[dry-run] would award %d points to %s", a.Points, a.EmployeeID), nil
	}
	balance, err := t.Ledger.AwardPoints(ctx, a.EmployeeID, a.Points, a.Reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Awarded %d points to %s (new balance: %d).", a.Points, a.EmployeeID, balance), nil
}
