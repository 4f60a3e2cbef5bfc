package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Shift is a single roster entry as exposed to the model.
type Shift struct {
	ID         string
	TeamID     string
	EmployeeID string // empty when unassigned
	Start      time.Time
	End        time.Time
	Role       string
}

// RosterService is the scheduling back-end consumed by the roster
// tools. The business implementation lives outside this core.
type RosterService interface {
	ListShifts(ctx context.Context, teamID, date string) ([]Shift, error)
	AssignShift(ctx context.Context, shiftID, employeeID string) error
}

// ListShiftsTool exposes read-only roster lookup.
type ListShiftsTool struct {
	Roster RosterService
}

type listShiftsArgs struct {
	TeamID string `json:"team_id" validate:"required"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

func (t *ListShiftsTool) Name() string { return "list_shifts" }

func (t *ListShiftsTool) Description() string {
	return "List the shifts scheduled for a team on a given date, including who is assigned and which slots are open."
}

func (t *ListShiftsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"team_id": map[string]any{
				"type":        "string",
				"description": "The team whose roster to list",
			},
			"date": map[string]any{
				"type":        "string",
				"description": "The date to list, formatted YYYY-MM-DD",
			},
		},
		"required": []string{"team_id", "date"},
	}
}

func (t *ListShiftsTool) Validate(args map[string]any) error {
	_, err := DecodeArgs[listShiftsArgs](args)
	return err
}

func (t *ListShiftsTool) RequiresConfirmation() bool { return false }

func (t *ListShiftsTool) Execute(ctx context.Context, ec ExecContext, args map[string]any) (string, error) {
	a, err := DecodeArgs[listShiftsArgs](args)
	if err != nil {
		return "", err
	}

	shifts, err := t.Roster.ListShifts(ctx, a.TeamID, a.Date)
	if err != nil {
		return "", err
	}
	if len(shifts) == 0 {
		return fmt.Sprintf("No shifts scheduled for team %s on %s.", a.TeamID, a.Date), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d shift(s) for team %s on %s:\n", len(shifts), a.TeamID, a.Date)
	for _, s := range shifts {
		who := "unassigned"
		if s.EmployeeID != "" {
			who = s.EmployeeID
		}
		fmt.Fprintf(&sb, "- %s: %s–%s %s (%s)\n",
			s.ID, s.Start.Format("15:04"), s.End.Format("15:04"), s.Role, who)
	}
	return sb.String(), nil
}

// AssignShiftTool assigns an employee to an open shift. Assignment
// changes someone's working hours, so it is confirmation-gated.
type AssignShiftTool struct {
	Roster RosterService
}

type assignShiftArgs struct {
	ShiftID    string `json:"shift_id" validate:"required"`
	EmployeeID string `json:"employee_id" validate:"required"`
}

func (t *AssignShiftTool) Name() string { return "assign_shift" }

func (t *AssignShiftTool) Description() string {
	return "Assign an employee to a shift. Requires manager confirmation before taking effect."
}

func (t *AssignShiftTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"shift_id": map[string]any{
				"type":        "string",
				"description": "The shift to assign",
			},
			"employee_id": map[string]any{
				"type":        "string",
				"description": "The employee to assign to the shift",
			},
		},
		"required": []string{"shift_id", "employee_id"},
	}
}

func (t *AssignShiftTool) Validate(args map[string]any) error {
	_, err := DecodeArgs[assignShiftArgs](args)
	return err
}

func (t *AssignShiftTool) RequiresConfirmation() bool { return true }

func (t *AssignShiftTool) ConfirmationMessage(args map[string]any) string {
	a, err := DecodeArgs[assignShiftArgs](args)
	if err != nil {
		return "Assign a shift (details unavailable)"
	}
	return fmt.Sprintf("Assign employee %s to shift %s?", a.EmployeeID, a.ShiftID)
}

func (t *AssignShiftTool) Execute(ctx context.Context, ec ExecContext, args map[string]any) (string, error) {
	a, err := DecodeArgs[assignShiftArgs](args)
	if err != nil {
		return "", err
	}
	if ec.DryRun {
		return fmt.Sprintf("[dry-run] would assign %s to shift %s", a.EmployeeID, a.ShiftID), nil
	}
	if err := t.Roster.AssignShift(ctx, a.ShiftID, a.EmployeeID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Assigned %s to shift %s.", a.EmployeeID, a.ShiftID), nil
}
