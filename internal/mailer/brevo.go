package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ortsguide/server/internal/audit"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// Brevo delivers passcodes through the Brevo transactional email API.
type Brevo struct {
	apiKey   string
	from     string
	client   *http.Client
	endpoint string // defaults to brevoEndpoint
}

type brevoPayload struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

type brevoAddress struct {
	Email string `json:"email"`
}

func (m *Brevo) Send(ctx context.Context, email, code string, expiresIn time.Duration) error {
	payload, err := json.Marshal(brevoPayload{
		Sender:      brevoAddress{Email: m.from},
		To:          []brevoAddress{{Email: email}},
		Subject:     "Your sign-in code",
		HTMLContent: otpBodyHTML(code, expiresIn),
	})
	if err != nil {
		return fmt.Errorf("brevo payload: %w", ErrSendFailed)
	}

	endpoint := m.endpoint
	if endpoint == "" {
		endpoint = brevoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("brevo request: %w", ErrSendFailed)
	}
	req.Header.Set("api-key", m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		log.Printf("brevo send to %s failed: %v", audit.RedactEmail(email), err)
		return fmt.Errorf("brevo: %w", ErrSendFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("brevo send to %s: status %d: %s",
			audit.RedactEmail(email), resp.StatusCode, truncateBody(body))
		return fmt.Errorf("brevo status %d: %w", resp.StatusCode, ErrSendFailed)
	}
	return nil
}
