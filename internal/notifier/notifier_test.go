package notifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/quernworks/quern/internal/hooks"
)

type captureSender struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	err      error
}

func (s *captureSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subjects = append(s.subjects, subject)
	s.bodies = append(s.bodies, body)
	return nil
}

func TestRegister_SendsOnFatalError(t *testing.T) {
	registry := hooks.New(slog.Default())
	sender := &captureSender{}
	Register(registry, sender, "ops@example.com", slog.Default())

	registry.RunOnFatalError(errors.New("listener exceeded 150 consecutive errors"))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.bodies) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sender.bodies))
	}
	if !strings.Contains(sender.bodies[0], "listener exceeded 150 consecutive errors") {
		t.Errorf("body %q does not carry the error", sender.bodies[0])
	}
}

func TestRegister_NoRecipientMeansNoHandler(t *testing.T) {
	registry := hooks.New(slog.Default())
	sender := &captureSender{}
	Register(registry, sender, "", slog.Default())

	registry.RunOnFatalError(errors.New("boom"))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.bodies) != 0 {
		t.Errorf("sent %d emails with no recipient configured, want 0", len(sender.bodies))
	}
}

func TestRegister_SendFailureIsSwallowed(t *testing.T) {
	registry := hooks.New(slog.Default())
	sender := &captureSender{err: errors.New("resend unavailable")}
	Register(registry, sender, "ops@example.com", slog.Default())

	// Must not panic or re-enter the fatal path.
	registry.RunOnFatalError(errors.New("boom"))
}
