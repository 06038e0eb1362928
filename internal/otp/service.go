package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/mailer"
	"github.com/ortsguide/server/internal/model"
	"github.com/ortsguide/server/internal/netid"
	"github.com/ortsguide/server/internal/ratelimit"
	"github.com/ortsguide/server/internal/repo"
	"github.com/ortsguide/server/internal/session"
)

const (
	codeLength  = 6
	codeExpiry  = 10 * time.Minute
	maxAttempts = 5
)

var (
	// ErrNotFound means no active challenge exists for the email.
	ErrNotFound = errors.New("no active passcode challenge")
	// ErrInvalidCode means the candidate code did not match.
	ErrInvalidCode = errors.New("invalid passcode")
	// ErrTooManyAttempts means the challenge is locked until it expires or
	// a new one is requested.
	ErrTooManyAttempts = errors.New("too many passcode attempts")
	// ErrUnavailable wraps infrastructure failures (persistence, delivery):
	// retry later, as opposed to "you are wrong".
	ErrUnavailable = errors.New("passcode service unavailable")
)

// Service orchestrates passcode issuance and verification.
type Service struct {
	challenges repo.OtpRepo
	users      repo.UserRepo
	limiter    *ratelimit.Limiter
	mailer     mailer.Mailer
	codec      *session.Codec
	auditLog   *audit.Log
	hashSalt   string

	requestEmailRule ratelimit.Rule
	requestNetRule   ratelimit.Rule
	verifyNetRule    ratelimit.Rule
}

// NewService creates the OTP service with default abuse rules: 1 request
// per 10 minutes per email, 10 per 10 minutes per network key, 20 verifies
// per 10 minutes per network key. The email axis admits a single request per
// window: a second request for the same address is rejected until the window
// rolls over.
func NewService(
	challenges repo.OtpRepo,
	users repo.UserRepo,
	limiter *ratelimit.Limiter,
	m mailer.Mailer,
	codec *session.Codec,
	auditLog *audit.Log,
	hashSalt string,
) *Service {
	return &Service{
		challenges:       challenges,
		users:            users,
		limiter:          limiter,
		mailer:           m,
		codec:            codec,
		auditLog:         auditLog,
		hashSalt:         hashSalt,
		requestEmailRule: ratelimit.Rule{Window: 10 * time.Minute, Max: 1},
		requestNetRule:   ratelimit.Rule{Window: 10 * time.Minute, Max: 10},
		verifyNetRule:    ratelimit.Rule{Window: 10 * time.Minute, Max: 20},
	}
}

// Request issues a passcode for the email: rate-limited on both the email
// axis and the network axis, latest challenge wins, only the keyed hash is
// stored. The result is uniform whether or not the email belongs to a known
// account; account existence is never checked on this path.
func (s *Service) Request(ctx context.Context, email string, fp netid.Fingerprint) error {
	email, err := model.NormalizeEmail(email)
	if err != nil {
		return err
	}

	ipHash := netid.HashKey(s.hashSalt, fp.IPKey)
	subnetHash := netid.HashKey(s.hashSalt, fp.SubnetKey)

	if err := s.checkLimit(ctx, "otp_request", "email:"+email, s.requestEmailRule); err != nil {
		s.audit(ctx, audit.EventOtpRequested, email, ipHash, subnetHash, audit.OutcomeRateLimited)
		return err
	}
	if fp.Known() {
		if err := s.checkLimit(ctx, "otp_request", "net:"+ipHash, s.requestNetRule); err != nil {
			s.audit(ctx, audit.EventOtpRequested, email, ipHash, subnetHash, audit.OutcomeRateLimited)
			return err
		}
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate passcode: %w", ErrUnavailable)
	}

	if _, err := s.challenges.Replace(ctx, email, hashCodeHex(s.hashSalt, email, code), time.Now().Add(codeExpiry)); err != nil {
		return fmt.Errorf("store challenge: %w", ErrUnavailable)
	}

	if err := s.mailer.Send(ctx, email, code, codeExpiry); err != nil {
		s.audit(ctx, audit.EventOtpRequested, email, ipHash, subnetHash, audit.OutcomeSendFailed)
		return fmt.Errorf("deliver passcode: %w", ErrUnavailable)
	}

	s.audit(ctx, audit.EventOtpRequested, email, ipHash, subnetHash, audit.OutcomeOK)
	return nil
}

// Verify checks a candidate code against the active challenge. On success the
// challenge is consumed (never replayable), the user's role is resolved, and
// a session token is minted. Challenge lifecycle: pending, then exactly one
// of verified, expired or locked.
func (s *Service) Verify(ctx context.Context, email, code string, fp netid.Fingerprint) (model.Role, string, error) {
	email, err := model.NormalizeEmail(email)
	if err != nil {
		return "", "", err
	}

	ipHash := netid.HashKey(s.hashSalt, fp.IPKey)
	subnetHash := netid.HashKey(s.hashSalt, fp.SubnetKey)

	if fp.Known() {
		if err := s.checkLimit(ctx, "otp_verify", "net:"+ipHash, s.verifyNetRule); err != nil {
			s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeRateLimited)
			return "", "", err
		}
	}

	ch, err := s.challenges.GetActive(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeNotFound)
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("load challenge: %w", ErrUnavailable)
	}

	// Locked challenges reject before the candidate is even hashed.
	if ch.Attempts >= maxAttempts {
		s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeTooManyAttempts)
		return "", "", ErrTooManyAttempts
	}

	candidate := hashCode(s.hashSalt, email, code)
	if !hmac.Equal(candidate, ch.CodeHash) {
		if _, err := s.challenges.IncrementAttempts(ctx, ch.ID); err != nil {
			return "", "", fmt.Errorf("record attempt: %w", ErrUnavailable)
		}
		s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeInvalidCode)
		return "", "", ErrInvalidCode
	}

	if err := s.challenges.Consume(ctx, ch.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost the race against a concurrent verify or replacement.
			s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeNotFound)
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("consume challenge: %w", ErrUnavailable)
	}

	user, err := s.users.GetOrCreate(ctx, email)
	if err != nil {
		return "", "", fmt.Errorf("resolve user: %w", ErrUnavailable)
	}

	token, err := s.codec.Create(user.Role, session.Identity{Email: email, AuthMethod: model.AuthMethodOTP})
	if err != nil {
		return "", "", fmt.Errorf("mint session token: %w", ErrUnavailable)
	}

	s.audit(ctx, audit.EventOtpVerified, email, ipHash, subnetHash, audit.OutcomeOK)
	return user.Role, token, nil
}

func (s *Service) checkLimit(ctx context.Context, action, identity string, rule ratelimit.Rule) error {
	decision, err := s.limiter.Allow(ctx, action, identity, rule)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	if !decision.Allowed {
		return &ratelimit.LimitExceededError{Action: action, RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, eventType, email, ipHash, subnetHash, outcome string) {
	s.auditLog.Record(ctx, audit.Event{
		EventType:     eventType,
		TargetEmail:   email,
		IPKeyHash:     ipHash,
		SubnetKeyHash: subnetHash,
		Outcome:       outcome,
	})
}

// generateCode returns a fixed-length numeric code from crypto/rand.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n), nil
}

// hashCode is the keyed hash of "email|code" stored in place of the raw code.
func hashCode(salt, email, code string) []byte {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(email + "|" + code))
	return mac.Sum(nil)
}

func hashCodeHex(salt, email, code string) string {
	return hex.EncodeToString(hashCode(salt, email, code))
}
