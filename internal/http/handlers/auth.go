package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/invite"
	"github.com/ortsguide/server/internal/middleware"
	"github.com/ortsguide/server/internal/netid"
	"github.com/ortsguide/server/internal/otp"
	"github.com/ortsguide/server/internal/ratelimit"
)

// AuthHandler handles passcode and invite-activation endpoints
type AuthHandler struct {
	otpService    *otp.Service
	inviteService *invite.Service
	netCfg        netid.Config
	sessionTTL    time.Duration
	secureCookies bool
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	otpService *otp.Service,
	inviteService *invite.Service,
	netCfg netid.Config,
	sessionTTL time.Duration,
	secureCookies bool,
) *AuthHandler {
	return &AuthHandler{
		otpService:    otpService,
		inviteService: inviteService,
		netCfg:        netCfg,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
	}
}

// requestOTPRequest is the request body for POST /auth/request_otp
type requestOTPRequest struct {
	Email string `json:"email"`
}

// verifyOTPRequest is the request body for POST /auth/verify_otp
type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// verifyOTPResponse is the JSON response for verify_otp
type verifyOTPResponse struct {
	OK   bool   `json:"ok"`
	Role string `json:"role"`
}

// activateInviteRequest is the request body for POST /auth/activate_invite
type activateInviteRequest struct {
	Token string `json:"token"`
}

// HandleRequestOTP handles POST /auth/request_otp. The response is uniform
// whether or not the email belongs to a known account.
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	fp := netid.Resolve(r, h.netCfg)
	if err := h.otpService.Request(r.Context(), req.Email, fp); err != nil {
		var limited *ratelimit.LimitExceededError
		switch {
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, otp.ErrUnavailable):
			log.Printf("request_otp for %s failed: %v", audit.RedactEmail(req.Email), err)
			respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		default:
			respondWithError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleVerifyOTP handles POST /auth/verify_otp. On success the session
// token is set as the session cookie. All authentication failures collapse
// to one message so neither account existence nor challenge state leaks.
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Code) == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	fp := netid.Resolve(r, h.netCfg)
	role, token, err := h.otpService.Verify(r.Context(), req.Email, req.Code, fp)
	if err != nil {
		var limited *ratelimit.LimitExceededError
		switch {
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, otp.ErrUnavailable):
			log.Printf("verify_otp for %s failed: %v", audit.RedactEmail(req.Email), err)
			respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		default:
			respondWithError(w, http.StatusUnauthorized, "invalid or expired code")
		}
		return
	}

	middleware.SetSessionCookie(w, token, h.sessionTTL, h.secureCookies)
	respondWithJSON(w, http.StatusOK, verifyOTPResponse{OK: true, Role: string(role)})
}

// HandleActivateInvite handles POST /auth/activate_invite. Missing, spent
// and expired invites all collapse to one message.
func (h *AuthHandler) HandleActivateInvite(w http.ResponseWriter, r *http.Request) {
	var req activateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondWithError(w, http.StatusBadRequest, "token is required")
		return
	}

	role, token, err := h.inviteService.Activate(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound), errors.Is(err, invite.ErrExpired):
			respondWithError(w, http.StatusUnauthorized, "invite cannot be activated")
		case errors.Is(err, invite.ErrUnavailable):
			log.Printf("activate_invite failed: %v", err)
			respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		default:
			respondWithError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	middleware.SetSessionCookie(w, token, h.sessionTTL, h.secureCookies)
	respondWithJSON(w, http.StatusOK, verifyOTPResponse{OK: true, Role: string(role)})
}

// HandleLogout handles POST /auth/logout. Tokens are self-expiring; logout
// only clears the cookie.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.secureCookies)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the session identity.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"email":       claims.Email,
		"role":        string(claims.Role),
		"auth_method": string(claims.AuthMethod),
	})
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
