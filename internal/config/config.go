package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const minSigningSecretLen = 32

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	DBSSLMode   string
	Port        string

	// SigningSecret signs session tokens. Mandatory: a fallback-generated
	// secret would break session continuity across restarts.
	SigningSecret string
	// HashSalt keys the OTP code hashes and the network-key hashes that end
	// up in audit rows.
	HashSalt   string
	SessionTTL time.Duration

	// OTP delivery
	OTPProvider     string // "console", "resend" or "brevo"; empty means no provider
	OTPConsoleEmail string // this recipient is always delivered via console
	ResendAPIKey    string
	BrevoAPIKey     string
	MailFrom        string
	MailTimeout     time.Duration

	// Trusted proxy resolution
	TrustedProxyHeader string
	TrustedProxyHops   int

	Production bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:             "8080", // default port
		SessionTTL:       24 * time.Hour,
		MailTimeout:      10 * time.Second,
		TrustedProxyHops: 1,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if u, err := url.Parse(databaseURL); err == nil {
		host := u.Hostname()
		if host == "" {
			host = "localhost"
		}
		port := u.Port()
		if port == "" {
			port = "5432"
		}
		dbName := strings.TrimPrefix(u.Path, "/")
		log.Printf("DB connect: host=%s port=%s db=%s", host, port, dbName)
	}

	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		switch mode {
		case "disable", "require", "verify-ca", "verify-full":
			cfg.DBSSLMode = mode
		default:
			return nil, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full")
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	secret := os.Getenv("SIGNING_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("SIGNING_SECRET environment variable is required")
	}
	if len(secret) < minSigningSecretLen {
		return nil, fmt.Errorf("SIGNING_SECRET must be at least %d characters", minSigningSecretLen)
	}
	cfg.SigningSecret = secret

	salt := os.Getenv("HASH_SALT")
	if salt == "" {
		return nil, fmt.Errorf("HASH_SALT environment variable is required")
	}
	cfg.HashSalt = salt

	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("SESSION_TTL must be a positive duration (e.g. 24h)")
		}
		cfg.SessionTTL = d
	}

	cfg.OTPProvider = os.Getenv("OTP_PROVIDER")
	switch cfg.OTPProvider {
	case "", "console", "resend", "brevo":
	default:
		return nil, fmt.Errorf("OTP_PROVIDER must be one of console, resend, brevo")
	}
	cfg.OTPConsoleEmail = strings.ToLower(strings.TrimSpace(os.Getenv("OTP_CONSOLE_EMAIL")))
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.BrevoAPIKey = os.Getenv("BREVO_API_KEY")
	cfg.MailFrom = os.Getenv("MAIL_FROM")

	if cfg.OTPProvider == "resend" && cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY is required when OTP_PROVIDER=resend")
	}
	if cfg.OTPProvider == "brevo" && cfg.BrevoAPIKey == "" {
		return nil, fmt.Errorf("BREVO_API_KEY is required when OTP_PROVIDER=brevo")
	}

	if timeout := os.Getenv("MAIL_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("MAIL_TIMEOUT must be a positive duration (e.g. 10s)")
		}
		cfg.MailTimeout = d
	}

	cfg.TrustedProxyHeader = os.Getenv("TRUSTED_PROXY_HEADER")
	if hops := os.Getenv("TRUSTED_PROXY_HOPS"); hops != "" {
		n, err := strconv.Atoi(hops)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TRUSTED_PROXY_HOPS must be a positive integer")
		}
		cfg.TrustedProxyHops = n
	}

	cfg.Production = os.Getenv("APP_ENV") == "production"
	if cfg.Production && cfg.TrustedProxyHeader == "" {
		log.Printf("WARNING: TRUSTED_PROXY_HEADER is unset in production; network fingerprints degrade to the socket peer address")
	}

	return cfg, nil
}
