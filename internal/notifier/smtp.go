package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// Sender delivers one rendered email. The production implementation speaks
// SMTP; tests swap in a recorder.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

type smtpSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns a Sender that submits through the configured relay.
func NewSMTPSender(cfg SMTPConfig) Sender {
	return &smtpSender{cfg: cfg}
}

func (s *smtpSender) Send(ctx context.Context, e Email) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	msg := renderMessage(s.cfg.From, e)

	// smtp.SendMail has no context support; run it aside and honor
	// cancellation by abandoning the attempt.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.cfg.addr(), auth, s.cfg.From, []string{e.To}, msg)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func renderMessage(from string, e Email) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", e.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(e.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(e.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF so message content can never inject headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}
