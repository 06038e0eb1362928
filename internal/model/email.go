package model

import (
	"fmt"
	"net/mail"
	"strings"
)

// NormalizeEmail lowercases and validates an email address. The normalized
// form is the identity key everywhere: roster rows, challenges, invites,
// rate-limit buckets.
func NormalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", fmt.Errorf("invalid email address")
	}
	return s, nil
}
