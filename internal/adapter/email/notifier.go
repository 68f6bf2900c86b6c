// Package email delivers confirmation links and failure notices over SMTP.
package email

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
)

const providerName = "email"

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier sends plain-text notifications via SMTP.
type Notifier struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a new email notifier.
func NewNotifier(cfg SMTPConfig) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// Name returns the provider identifier.
func (n *Notifier) Name() string { return providerName }

// Capabilities reports that replies stay on the mail thread.
func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{Threads: true}
}

// Send mails the notification to its recipient.
func (n *Notifier) Send(ctx context.Context, msg notifier.Notification) error {
	if n.cfg.Host == "" || n.cfg.From == "" {
		return notifier.ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", msg.To, err)
	}

	var auth smtp.Auth
	if n.cfg.Password != "" {
		user := n.cfg.Username
		if user == "" {
			user = n.cfg.From
		}
		auth = smtp.PlainAuth("", user, n.cfg.Password, n.cfg.Host)
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, auth, n.cfg.From, []string{to.Address}, n.compose(to, msg)); err != nil {
		return fmt.Errorf("email: send to %s: %w", to.Address, err)
	}
	return nil
}

// compose renders an RFC 5322 message. Links are listed one per line so
// that every mail client shows them as clickable URLs.
func (n *Notifier) compose(to *mail.Address, msg notifier.Notification) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", n.cfg.From)
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Title))
	header("Date", n.now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	if msg.ThreadID != "" {
		header("X-Thread-ID", msg.ThreadID)
	}
	if msg.Source != "" {
		header("X-Notification-Source", msg.Source)
	}
	b.WriteString("\r\n")

	b.WriteString(normalizeNewlines(msg.Message))
	b.WriteString("\r\n")
	if len(msg.Links) > 0 {
		b.WriteString("\r\n")
		for _, l := range msg.Links {
			b.WriteString(l.Label)
			b.WriteString(":\r\n")
			b.WriteString(l.URL)
			b.WriteString("\r\n\r\n")
		}
	}
	return []byte(b.String())
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
