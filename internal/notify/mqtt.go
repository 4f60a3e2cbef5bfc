package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/session"
)

// MQTTChannel publishes approval requests to a broker topic so ops
// dashboards and automations can react to them. It also maintains a
// retained availability topic with a will message.
type MQTTChannel struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTChannel creates the channel but does not connect. Call
// [MQTTChannel.Start] to establish the connection.
func NewMQTTChannel(cfg config.MQTTConfig, logger *slog.Logger) *MQTTChannel {
	return &MQTTChannel{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and returns once the connection manager
// is running. autopaho reconnects in the background on failures.
func (c *MQTTChannel) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := c.cfg.Topic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				c.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "crewline-notify",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes the offline marker and disconnects.
func (c *MQTTChannel) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.Topic + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt offline publish failed", "error", err)
	}
	return c.cm.Disconnect(ctx)
}

// Name implements Channel.
func (c *MQTTChannel) Name() string { return "mqtt" }

// Notify publishes the approval request as JSON on the pending topic.
func (c *MQTTChannel) Notify(ctx context.Context, pa *session.PendingAction) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt channel not started")
	}

	payload, err := json.Marshal(map[string]any{
		"pending_id":   pa.ID,
		"session_id":   pa.SessionID,
		"tool":         pa.ToolName,
		"confirm_text": pa.ConfirmText,
		"expires_at":   pa.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal pending payload: %w", err)
	}

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.Topic + "/pending",
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish pending action: %w", err)
	}
	return nil
}
