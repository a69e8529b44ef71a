package alertdispatch

import (
	"context"
	"fmt"
	"net/smtp"
	"time"
)

// EmailSender delivers alerts via SMTP, using PLAIN auth only when
// credentials are configured.
type EmailSender struct {
	host string
	port int
	from string
	user string
	pass string
}

// NewEmailSender creates an EmailSender. user/pass may be empty, in which
// case mail is sent unauthenticated (e.g. to a local relay).
func NewEmailSender(host string, port int, from, user, pass string) *EmailSender {
	return &EmailSender{host: host, port: port, from: from, user: user, pass: pass}
}

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	subject := fmt.Sprintf("[cost-watchdog] %s: %s", n.Severity, n.Title)
	body := fmt.Sprintf("Severity: %s\nAlert ID: %s\nTime: %s\n\n%s",
		n.Severity, n.AlertID, time.Now().Format(time.RFC3339), n.Message)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.from, n.Recipient, subject, body)

	var auth smtp.Auth
	if s.user != "" && s.pass != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := smtp.SendMail(addr, auth, s.from, []string{n.Recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("sending email to %s: %w", n.Recipient, err)
	}
	return nil
}
