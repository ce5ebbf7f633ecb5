package delivery

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/mail.v2"
)

// EmailSender sends reminders over SMTP.
type EmailSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

func (s *EmailSender) message(msg Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", msg.Body)
	return m
}

// Send delivers synchronously. The dialer timeout, taken from the context
// deadline, bounds every network operation, so nothing is still sending once
// Send has returned.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return Permanent(fmt.Errorf("email: empty recipient"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("email: %w", err)
	}

	d := mail.NewDialer(s.host, s.port, s.username, s.password)
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("email: %w", context.DeadlineExceeded)
		}
		d.Timeout = left
	}

	if err := d.DialAndSend(s.message(msg)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}
