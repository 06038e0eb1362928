package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ortsguide/server/internal/audit"
)

var (
	// ErrProviderUnavailable means no delivery provider is configured.
	ErrProviderUnavailable = errors.New("otp mail provider unavailable")
	// ErrSendFailed means the configured provider errored, timed out, or
	// returned a non-success status. Delivery failure is a value, never a
	// panic past this boundary.
	ErrSendFailed = errors.New("otp mail send failed")
)

// Mailer delivers a passcode to an email address. Implementations must be
// time-bounded: a slow provider cannot stall passcode issuance.
type Mailer interface {
	Send(ctx context.Context, email, code string, expiresIn time.Duration) error
}

// Config selects and parameterizes the delivery provider.
type Config struct {
	// Provider is "console", "resend" or "brevo". Empty means none
	// configured; sends fail with ErrProviderUnavailable.
	Provider string
	// ConsoleOnlyEmail always delivers via console regardless of provider,
	// guaranteeing deterministic non-networked behavior for a designated
	// test identity.
	ConsoleOnlyEmail string
	ResendAPIKey     string
	BrevoAPIKey      string
	From             string
	Timeout          time.Duration
}

// Selector routes sends to the configured provider, with the console-only
// override checked first.
type Selector struct {
	consoleOnly string
	console     Mailer
	provider    Mailer
}

// New builds the delivery chain from configuration.
func New(cfg Config) *Selector {
	client := &http.Client{Timeout: cfg.Timeout}

	var provider Mailer
	switch cfg.Provider {
	case "console":
		provider = Console{}
	case "resend":
		provider = &Resend{apiKey: cfg.ResendAPIKey, from: cfg.From, client: client}
	case "brevo":
		provider = &Brevo{apiKey: cfg.BrevoAPIKey, from: cfg.From, client: client}
	}

	return &Selector{
		consoleOnly: cfg.ConsoleOnlyEmail,
		console:     Console{},
		provider:    provider,
	}
}

// Send delivers the passcode: console-only override first, then the
// configured provider, else ErrProviderUnavailable.
func (s *Selector) Send(ctx context.Context, email, code string, expiresIn time.Duration) error {
	if s.consoleOnly != "" && email == s.consoleOnly {
		return s.console.Send(ctx, email, code, expiresIn)
	}
	if s.provider == nil {
		return fmt.Errorf("no OTP provider configured for %s: %w",
			audit.RedactEmail(email), ErrProviderUnavailable)
	}
	return s.provider.Send(ctx, email, code, expiresIn)
}

// truncateBody bounds provider response bodies before they reach logs.
func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
