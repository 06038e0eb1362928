package mailer

import (
	"context"
	"log"
	"time"
)

// Console writes the passcode to process output. Used in development and for
// the console-only override identity.
type Console struct{}

// Send logs the code. The recipient is intentionally unredacted here: console
// delivery only ever happens for the operator's own designated addresses.
func (Console) Send(_ context.Context, email, code string, expiresIn time.Duration) error {
	log.Printf("OTP for %s: %s (valid %d minutes)", email, code, int(expiresIn.Minutes()))
	return nil
}
