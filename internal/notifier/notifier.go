// Package notifier is the fatal-error reporting plugin: it registers an
// OnFatalError handler that emails crashes to an operator. Local dev logs
// instead of sending.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/quernworks/quern/internal/hooks"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs instead of sending — used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("fatal-error email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender delivers through the Resend API — used in staging/production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// Register wires the sender into the registry's fatal-error point. A send
// failure only logs: the notifier must never add its own crash on top of
// the one being reported.
func Register(registry *hooks.Registry, sender Sender, to string, logger *slog.Logger) {
	if to == "" {
		return
	}
	hostname, _ := os.Hostname()

	registry.OnFatalError(func(fatalErr error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		subject := fmt.Sprintf("[quern] fatal error on %s", hostname)
		body := fmt.Sprintf(
			"<p>A worker component crashed and will not restart on its own.</p>"+
				"<p><b>Host:</b> %s (pid %d)</p>"+
				"<p><b>Time:</b> %s</p>"+
				"<p><b>Error:</b> %s</p>",
			hostname, os.Getpid(), time.Now().Format(time.RFC3339), fatalErr)

		if err := sender.Send(ctx, to, subject, body); err != nil {
			logger.Error("deliver fatal-error notification", "error", err, "fatal", fatalErr)
		}
	})
}
