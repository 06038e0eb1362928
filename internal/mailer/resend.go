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

const resendEndpoint = "https://api.resend.com/emails"

// Resend delivers passcodes through the Resend transactional email API.
type Resend struct {
	apiKey   string
	from     string
	client   *http.Client
	endpoint string // defaults to resendEndpoint
}

type resendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *Resend) Send(ctx context.Context, email, code string, expiresIn time.Duration) error {
	payload, err := json.Marshal(resendPayload{
		From:    m.from,
		To:      []string{email},
		Subject: "Your sign-in code",
		HTML:    otpBodyHTML(code, expiresIn),
	})
	if err != nil {
		return fmt.Errorf("resend payload: %w", ErrSendFailed)
	}

	endpoint := m.endpoint
	if endpoint == "" {
		endpoint = resendEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("resend request: %w", ErrSendFailed)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		// Timeouts land here and are treated identically to any other failure.
		log.Printf("resend send to %s failed: %v", audit.RedactEmail(email), err)
		return fmt.Errorf("resend: %w", ErrSendFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("resend send to %s: status %d: %s",
			audit.RedactEmail(email), resp.StatusCode, truncateBody(body))
		return fmt.Errorf("resend status %d: %w", resp.StatusCode, ErrSendFailed)
	}
	return nil
}

func otpBodyHTML(code string, expiresIn time.Duration) string {
	return fmt.Sprintf("<p>Your sign-in code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>",
		code, int(expiresIn.Minutes()))
}
