// Package workforce provides in-memory reference implementations of the
// business back-ends the tools dispatch against. The real scheduling,
// messaging, and points services live in the main application; these
// implementations back standalone deployments and tests.
package workforce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/tools"
)

// MemoryRoster is a thread-safe in-memory roster.
type MemoryRoster struct {
	mu     sync.Mutex
	shifts map[string]tools.Shift
}

// NewMemoryRoster creates an empty roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{shifts: make(map[string]tools.Shift)}
}

// AddShift seeds a shift entry.
func (r *MemoryRoster) AddShift(s tools.Shift) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shifts[s.ID] = s
}

// ListShifts returns the team's shifts on the given YYYY-MM-DD date.
func (r *MemoryRoster) ListShifts(ctx context.Context, teamID, date string) ([]tools.Shift, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tools.Shift
	for _, s := range r.shifts {
		if s.TeamID == teamID && sameDay(s.Start, day) {
			out = append(out, s)
		}
	}
	return out, nil
}

// AssignShift sets the shift's employee. Assigning an already-assigned
// shift is an error so an approval executed late cannot silently
// overwrite a newer assignment.
func (r *MemoryRoster) AssignShift(ctx context.Context, shiftID, employeeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shifts[shiftID]
	if !ok {
		return fmt.Errorf("shift %s not found", shiftID)
	}
	if s.EmployeeID != "" && s.EmployeeID != employeeID {
		return fmt.Errorf("shift %s is already assigned to %s", shiftID, s.EmployeeID)
	}
	s.EmployeeID = employeeID
	r.shifts[shiftID] = s
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// MemoryMessenger records outbound team messages instead of delivering
// them. Team sizes are seeded with SetTeamSize.
type MemoryMessenger struct {
	mu        sync.Mutex
	teamSizes map[string]int
	Sent      []SentMessage
}

// SentMessage is one recorded broadcast.
type SentMessage struct {
	TeamID string
	Body   string
	At     time.Time
}

// NewMemoryMessenger creates an empty messenger.
func NewMemoryMessenger() *MemoryMessenger {
	return &MemoryMessenger{teamSizes: make(map[string]int)}
}

// SetTeamSize seeds the member count reported for a team.
func (m *MemoryMessenger) SetTeamSize(teamID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teamSizes[teamID] = n
}

// SendTeamMessage records the broadcast and returns the team size.
func (m *MemoryMessenger) SendTeamMessage(ctx context.Context, teamID, body string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.teamSizes[teamID]
	if !ok {
		return 0, fmt.Errorf("team %s not found", teamID)
	}
	m.Sent = append(m.Sent, SentMessage{TeamID: teamID, Body: body, At: time.Now()})
	return n, nil
}

// MemoryLedger is a thread-safe in-memory points ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int)}
}

// AwardPoints credits points and returns the new balance.
func (l *MemoryLedger) AwardPoints(ctx context.Context, employeeID string, points int, reason string) (int, error) {
	if points <= 0 {
		return 0, fmt.Errorf("points must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[employeeID] += points
	return l.balances[employeeID], nil
}

// Balance reports an employee's current balance.
func (l *MemoryLedger) Balance(employeeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[employeeID]
}
