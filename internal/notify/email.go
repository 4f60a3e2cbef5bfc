package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/session"
)

// smtpDialTimeout is the maximum time to establish an SMTP connection.
const smtpDialTimeout = 30 * time.Second

// EmailChannel sends approval requests as multipart e-mails with an
// approval link. Each send opens and closes its own SMTP connection.
type EmailChannel struct {
	cfg config.EmailNotifyConfig
	// approvalBaseURL is the externally reachable prefix for approval
	// links; the pending id is appended.
	approvalBaseURL string
	logger          *slog.Logger
}

// NewEmailChannel creates the approval e-mail channel.
func NewEmailChannel(cfg config.EmailNotifyConfig, approvalBaseURL string, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:             cfg,
		approvalBaseURL: strings.TrimRight(approvalBaseURL, "/"),
		logger:          logger.With("component", "email"),
	}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

// Notify composes and sends one approval request to every approver.
func (c *EmailChannel) Notify(ctx context.Context, pa *session.PendingAction) error {
	msg, err := c.compose(pa)
	if err != nil {
		return fmt.Errorf("compose approval mail: %w", err)
	}
	return c.send(ctx, msg)
}

// compose builds the RFC 5322 message. The markdown body is rendered to
// both text/plain and text/html parts in a multipart/alternative
// structure.
func (c *EmailChannel) compose(pa *session.PendingAction) ([]byte, error) {
	body := c.approvalBody(pa)

	var buf bytes.Buffer
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(fmt.Sprintf("Approval needed: %s", pa.ToolName))

	from, err := mail.ParseAddress(c.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", c.cfg.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	toAddrs := make([]*mail.Address, 0, len(c.cfg.To))
	for _, a := range c.cfg.To {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse to address %q: %w", a, err)
		}
		toAddrs = append(toAddrs, parsed)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return nil, fmt.Errorf("write plain text: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(body), &rendered); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, rendered.String())

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, html); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *EmailChannel) approvalBody(pa *session.PendingAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Approval needed\n\n%s\n\n", pa.ConfirmText)
	fmt.Fprintf(&b, "- **Tool**: `%s`\n", pa.ToolName)
	fmt.Fprintf(&b, "- **Session**: %s\n", pa.SessionID)
	fmt.Fprintf(&b, "- **Expires**: %s\n\n", pa.ExpiresAt.Format(time.RFC1123))
	if c.approvalBaseURL != "" {
		fmt.Fprintf(&b, "[Approve or reject](%s/%s)\n", c.approvalBaseURL, pa.ID)
	} else {
		fmt.Fprintf(&b, "Pending action id: %s\n", pa.ID)
	}
	return b.String()
}

// send connects, authenticates, and delivers the message. Connections
// are ephemeral.
func (c *EmailChannel) send(ctx context.Context, msg []byte) error {
	host, _, err := net.SplitHostPort(c.cfg.SMTPAddr)
	if err != nil {
		return fmt.Errorf("parse smtp address %q: %w", c.cfg.SMTPAddr, err)
	}

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if !c.cfg.StartTLS {
		// Implicit TLS (port 465): connect over TLS from the start.
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", c.cfg.SMTPAddr, &tls.Config{ServerName: host})
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", c.cfg.SMTPAddr, dialErr)
		}
		client, err = smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", c.cfg.SMTPAddr, err)
		}
	} else {
		// STARTTLS (port 587): connect plain, then upgrade.
		conn, dialErr := dialer.DialContext(ctx, "tcp", c.cfg.SMTPAddr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", c.cfg.SMTPAddr, dialErr)
		}
		client, err = smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", c.cfg.SMTPAddr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if c.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(bareAddress(c.cfg.From)); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range c.cfg.To {
		if err := client.Rcpt(bareAddress(rcpt)); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// bareAddress extracts the address from "Name <addr>" or returns the
// input unchanged.
func bareAddress(s string) string {
	if i := strings.LastIndexByte(s, '<'); i >= 0 && strings.HasSuffix(s, ">") {
		return s[i+1 : len(s)-1]
	}
	return s
}
