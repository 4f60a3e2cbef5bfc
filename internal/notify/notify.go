// Package notify delivers approval requests to humans over out-of-band
// channels (MQTT, e-mail). Delivery is best-effort: a failed
// notification is logged and dropped, never surfaced to the loop.
package notify

import (
	"context"

	"github.com/crewline/crewline/internal/session"
)

// Channel is one delivery mechanism for approval requests.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string
	// Notify delivers one approval request.
	Notify(ctx context.Context, pa *session.PendingAction) error
}

// Multi fans a pending action out to every configured channel. It
// implements the confirmation gate's notifier contract.
type Multi struct {
	channels []Channel
	logger   logger
}

type logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// NewMulti creates a fan-out notifier over the given channels.
func NewMulti(log logger, channels ...Channel) *Multi {
	return &Multi{channels: channels, logger: log}
}

// PendingActionCreated delivers the approval request on every channel.
func (m *Multi) PendingActionCreated(ctx context.Context, pa *session.PendingAction) {
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, pa); err != nil {
			m.logger.Warn("notification failed",
				"channel", ch.Name(), "pending_id", pa.ID, "error", err)
			continue
		}
		m.logger.Info("approval request sent",
			"channel", ch.Name(), "pending_id", pa.ID)
	}
}
