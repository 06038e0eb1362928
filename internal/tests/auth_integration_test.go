package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/config"
	"github.com/ortsguide/server/internal/db"
	"github.com/ortsguide/server/internal/directory"
	httphandler "github.com/ortsguide/server/internal/http"
	"github.com/ortsguide/server/internal/http/handlers"
	"github.com/ortsguide/server/internal/invite"
	"github.com/ortsguide/server/internal/netid"
	"github.com/ortsguide/server/internal/otp"
	"github.com/ortsguide/server/internal/ratelimit"
	"github.com/ortsguide/server/internal/repo"
	"github.com/ortsguide/server/internal/session"
)

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("SIGNING_SECRET") == "" {
		os.Setenv("SIGNING_SECRET", "test-signing-secret-at-least-32-chars")
	}
	if os.Getenv("HASH_SALT") == "" {
		os.Setenv("HASH_SALT", "test-hash-salt")
	}

	code := m.Run()
	os.Exit(code)
}

// captureMailer records the last code sent per recipient so tests can
// complete the verify step without a real delivery provider.
type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{codes: make(map[string]string)}
}

func (m *captureMailer) Send(_ context.Context, email, code string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *captureMailer) CodeFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

// testServer holds the server, DB and capture mailer for integration tests
type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
	Mailer *captureMailer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBSSLMode)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	err = RunMigrations(database)
	require.NoError(t, err, "migrations must run successfully")

	userRepo := repo.NewUserRepo(database)
	otpRepo := repo.NewOtpRepo(database)
	bucketRepo := repo.NewBucketRepo(database)
	inviteRepo := repo.NewInviteRepo(database)
	auditRepo := repo.NewAuditRepo(database)

	auditLog := audit.New(auditRepo)
	limiter := ratelimit.New(bucketRepo)
	codec := session.NewCodec(cfg.SigningSecret, cfg.SessionTTL)
	mail := newCaptureMailer()

	otpService := otp.NewService(otpRepo, userRepo, limiter, mail, codec, auditLog, cfg.HashSalt)
	inviteService := invite.NewService(inviteRepo, userRepo, codec, auditLog)
	directoryService := directory.NewService(userRepo, auditLog)

	authHandler := handlers.NewAuthHandler(otpService, inviteService, netid.Config{}, cfg.SessionTTL, false)
	adminHandler := handlers.NewAdminHandler(inviteService, directoryService, auditLog)

	router := httphandler.NewRouter(authHandler, adminHandler, codec)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database, Mailer: mail}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAll(context.Background(), s.DB), "truncate tables")
}

// ResetRateLimits clears bucket rows so a scenario can issue another request
// without waiting out the window.
func (s *testServer) ResetRateLimits(t *testing.T) {
	t.Helper()
	_, err := s.DB.Exec("DELETE FROM rate_limit_buckets")
	require.NoError(t, err, "reset rate-limit buckets")
}

// newClient returns a client with its own cookie jar, one per persona.
func (s *testServer) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

// loginAs runs the full request_otp + verify_otp flow for the email and
// leaves the session cookie in the client's jar.
func (s *testServer) loginAs(t *testing.T, client *http.Client, email string) {
	t.Helper()

	resp := postJSON(t, client, s.BaseURL()+"/auth/request_otp", map[string]string{"email": email})
	body := readBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "request_otp must return 200; body: %s", body)

	code := s.Mailer.CodeFor(email)
	require.NotEmpty(t, code, "a code must have been delivered for %s", email)

	resp = postJSON(t, client, s.BaseURL()+"/auth/verify_otp", map[string]string{"email": email, "code": code})
	body = readBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "verify_otp must return 200; body: %s", body)
}

func (s *testServer) seedUser(t *testing.T, email, role string) {
	t.Helper()
	_, err := s.DB.Exec("INSERT INTO users (email, role, is_active) VALUES ($1, $2, true)", email, role)
	require.NoError(t, err, "seed user %s", email)
}

// errorResponse matches error JSON body
type errorResponse struct {
	Error string `json:"error"`
}

func TestAuthIntegration(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ts := newTestServer(t)
	baseURL := ts.BaseURL()

	t.Run("A_HealthCheck", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET /health must return 200")
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("B_RequestOTP_CreatesChallenge", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)

		resp := postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "User@Example.com"})
		body := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request_otp must return 200; body: %s", body)

		// The challenge row stores only the keyed hash, never the code.
		var codeHash string
		var attempts int
		var consumed sql.NullTime
		err := ts.DB.QueryRow(
			"SELECT code_hash, attempts, consumed_at FROM otp_challenges WHERE email = $1", "user@example.com").
			Scan(&codeHash, &attempts, &consumed)
		require.NoError(t, err, "a challenge row must exist for the normalized email")
		assert.Equal(t, 0, attempts)
		assert.False(t, consumed.Valid, "fresh challenge must be unconsumed")

		code := ts.Mailer.CodeFor("user@example.com")
		require.Len(t, code, 6, "delivered code must be 6 digits")
		assert.NotContains(t, codeHash, code, "stored hash must not embed the code")
	})

	t.Run("B2_RequestOTP_LatestChallengeWins", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)

		resp := postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "user@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "1st request_otp; body: %s", readBody(resp))
		firstCode := ts.Mailer.CodeFor("user@example.com")
		require.NotEmpty(t, firstCode)

		ts.ResetRateLimits(t)
		resp = postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "user@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "2nd request_otp for same email; body: %s", readBody(resp))
		secondCode := ts.Mailer.CodeFor("user@example.com")
		require.NotEmpty(t, secondCode)

		if firstCode != secondCode {
			resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "user@example.com", "code": firstCode})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "superseded code must be rejected; body: %s", readBody(resp))
		}

		resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "user@example.com", "code": secondCode})
		assert.Equal(t, http.StatusOK, resp.StatusCode, "latest code must verify; body: %s", readBody(resp))
	})

	t.Run("C_VerifyOTP_GrantsSession", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)

		resp := postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "user@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request_otp; body: %s", readBody(resp))
		code := ts.Mailer.CodeFor("user@example.com")
		require.NotEmpty(t, code)

		resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "user@example.com", "code": code})
		body := readBody(resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "verify_otp; body: %s", body)
		var verifyRes struct {
			OK   bool   `json:"ok"`
			Role string `json:"role"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &verifyRes))
		assert.True(t, verifyRes.OK)
		assert.Equal(t, "visitor", verifyRes.Role, "unknown emails land as visitor")

		// Session cookie carries the identity end to end.
		respMe, err := client.Get(baseURL + "/me")
		require.NoError(t, err)
		meBody := readBody(respMe)
		assert.Equal(t, http.StatusOK, respMe.StatusCode, "GET /me with session cookie; body: %s", meBody)
		var meRes map[string]string
		require.NoError(t, json.Unmarshal([]byte(meBody), &meRes))
		assert.Equal(t, "user@example.com", meRes["email"])
		assert.Equal(t, "visitor", meRes["role"])

		// The code is single-use.
		resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "user@example.com", "code": code})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "consumed code must be rejected; body: %s", readBody(resp))
	})

	t.Run("C2_Logout_ClearsCookie", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)
		ts.loginAs(t, client, "user@example.com")

		resp := postJSON(t, client, baseURL+"/auth/logout", map[string]string{})
		require.Equal(t, http.StatusOK, resp.StatusCode, "logout; body: %s", readBody(resp))

		respMe, err := client.Get(baseURL + "/me")
		require.NoError(t, err)
		defer respMe.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, respMe.StatusCode, "GET /me after logout must return 401")
	})

	t.Run("D_WrongCode_LockoutAfterFiveAttempts", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)

		resp := postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "admin@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request_otp; body: %s", readBody(resp))
		code := ts.Mailer.CodeFor("admin@example.com")
		require.NotEmpty(t, code)

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}
		for i := 0; i < 5; i++ {
			resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "admin@example.com", "code": wrong})
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong code %d must return 401; body: %s", i+1, readBody(resp))
		}

		var attempts int
		err := ts.DB.QueryRow(
			"SELECT attempts FROM otp_challenges WHERE email = $1 AND consumed_at IS NULL", "admin@example.com").
			Scan(&attempts)
		require.NoError(t, err)
		assert.Equal(t, 5, attempts, "each wrong verify must increment attempts")

		// Locked: even the correct code is rejected now.
		resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "admin@example.com", "code": code})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "correct code after lockout must return 401; body: %s", readBody(resp))

		// A fresh request issues a new challenge with attempts reset.
		ts.ResetRateLimits(t)
		resp = postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "admin@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "fresh request_otp; body: %s", readBody(resp))
		newCode := ts.Mailer.CodeFor("admin@example.com")
		require.NotEmpty(t, newCode)

		resp = postJSON(t, client, baseURL+"/auth/verify_otp", map[string]string{"email": "admin@example.com", "code": newCode})
		assert.Equal(t, http.StatusOK, resp.StatusCode, "fresh code must verify; body: %s", readBody(resp))
	})

	t.Run("E_RequestOTP_RateLimited", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)

		resp := postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "user@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "1st request_otp; body: %s", readBody(resp))

		// The very next request for the same email inside the window trips.
		resp = postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "user@example.com"})
		body := readBody(resp)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "2nd request_otp must return 429; body: %s", body)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"), "429 must carry Retry-After")

		// Other identities stay unaffected.
		resp = postJSON(t, client, baseURL+"/auth/request_otp", map[string]string{"email": "other@example.com"})
		assert.Equal(t, http.StatusOK, resp.StatusCode, "other email must not be limited; body: %s", readBody(resp))
	})

	t.Run("F_InviteFlow", func(t *testing.T) {
		ts.Truncate(t)
		ts.seedUser(t, "admin@example.com", "admin")

		adminClient := ts.newClient(t)
		ts.loginAs(t, adminClient, "admin@example.com")

		// Admin issues an invite.
		resp := postJSON(t, adminClient, baseURL+"/admin/invites", map[string]any{
			"email": "guest@example.com",
			"role":  "whitelisted",
		})
		body := readBody(resp)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "create invite; body: %s", body)
		var inviteRes struct {
			Token  string `json:"token"`
			Email  string `json:"email"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &inviteRes))
		require.NotEmpty(t, inviteRes.Token, "create response must carry the raw token")
		firstToken := inviteRes.Token

		// A second invite for the same email replaces the first.
		resp = postJSON(t, adminClient, baseURL+"/admin/invites", map[string]any{
			"email": "guest@example.com",
			"role":  "whitelisted",
		})
		body = readBody(resp)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "replacing invite; body: %s", body)
		require.NoError(t, json.Unmarshal([]byte(body), &inviteRes))
		secondToken := inviteRes.Token
		require.NotEqual(t, firstToken, secondToken)

		// Replaced token cannot be activated.
		guestClient := ts.newClient(t)
		resp = postJSON(t, guestClient, baseURL+"/auth/activate_invite", map[string]string{"token": firstToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "replaced invite must be rejected; body: %s", readBody(resp))

		// Activating the open token grants the role and a session.
		resp = postJSON(t, guestClient, baseURL+"/auth/activate_invite", map[string]string{"token": secondToken})
		body = readBody(resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "activate invite; body: %s", body)
		var activateRes struct {
			OK   bool   `json:"ok"`
			Role string `json:"role"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &activateRes))
		assert.Equal(t, "whitelisted", activateRes.Role)

		respMe, err := guestClient.Get(baseURL + "/me")
		require.NoError(t, err)
		meBody := readBody(respMe)
		assert.Equal(t, http.StatusOK, respMe.StatusCode, "GET /me after activation; body: %s", meBody)
		var meRes map[string]string
		require.NoError(t, json.Unmarshal([]byte(meBody), &meRes))
		assert.Equal(t, "guest@example.com", meRes["email"])
		assert.Equal(t, "whitelisted", meRes["role"])

		// Single use: a second activation fails.
		resp = postJSON(t, ts.newClient(t), baseURL+"/auth/activate_invite", map[string]string{"token": secondToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "spent invite must be rejected; body: %s", readBody(resp))

		// History shows the lifecycle.
		respHist, err := adminClient.Get(baseURL + "/admin/invites")
		require.NoError(t, err)
		histBody := readBody(respHist)
		require.Equal(t, http.StatusOK, respHist.StatusCode, "list invites; body: %s", histBody)
		var hist map[string][]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(histBody), &hist))
		assert.Len(t, hist["activated"], 1)
		assert.Len(t, hist["replaced"], 1)
		assert.Empty(t, hist["open"])
	})

	t.Run("G_DirectoryAdministration", func(t *testing.T) {
		ts.Truncate(t)
		ts.seedUser(t, "admin@example.com", "admin")

		adminClient := ts.newClient(t)
		ts.loginAs(t, adminClient, "admin@example.com")

		// Bulk whitelist with a duplicate collapses after normalization.
		resp := postJSON(t, adminClient, baseURL+"/admin/users/upsert", map[string]any{
			"emails": []string{"A@example.com", "b@example.com", "a@example.com"},
			"role":   "whitelisted",
		})
		body := readBody(resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "bulk upsert; body: %s", body)
		var upsertRes map[string]int
		require.NoError(t, json.Unmarshal([]byte(body), &upsertRes))
		assert.Equal(t, 2, upsertRes["count"])

		// Role change.
		req, _ := http.NewRequest(http.MethodPut, baseURL+"/admin/users/role",
			bytes.NewReader([]byte(`{"email":"b@example.com","role":"admin"}`)))
		req.Header.Set("Content-Type", "application/json")
		respRole, err := adminClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, respRole.StatusCode, "update role; body: %s", readBody(respRole))

		// Self-modification is refused.
		req, _ = http.NewRequest(http.MethodPut, baseURL+"/admin/users/role",
			bytes.NewReader([]byte(`{"email":"Admin@example.com","role":"visitor"}`)))
		req.Header.Set("Content-Type", "application/json")
		respSelf, err := adminClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, respSelf.StatusCode, "self role change must return 403; body: %s", readBody(respSelf))

		// Delete moves the row to the deleted ledger.
		req, _ = http.NewRequest(http.MethodDelete, baseURL+"/admin/users",
			bytes.NewReader([]byte(`{"email":"a@example.com"}`)))
		req.Header.Set("Content-Type", "application/json")
		respDel, err := adminClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, respDel.StatusCode, "delete user; body: %s", readBody(respDel))

		var rosterCount, ledgerCount int
		require.NoError(t, ts.DB.QueryRow("SELECT count(*) FROM users WHERE email = 'a@example.com'").Scan(&rosterCount))
		require.NoError(t, ts.DB.QueryRow("SELECT count(*) FROM deleted_users WHERE email = 'a@example.com'").Scan(&ledgerCount))
		assert.Equal(t, 0, rosterCount, "deleted user must leave the roster")
		assert.Equal(t, 1, ledgerCount, "deleted user must appear in the ledger")

		respDeleted, err := adminClient.Get(baseURL + "/admin/users/deleted")
		require.NoError(t, err)
		deletedBody := readBody(respDeleted)
		assert.Equal(t, http.StatusOK, respDeleted.StatusCode, "list deleted; body: %s", deletedBody)
		assert.Contains(t, deletedBody, "a@example.com")

		// Deleting again is a 404.
		req, _ = http.NewRequest(http.MethodDelete, baseURL+"/admin/users",
			bytes.NewReader([]byte(`{"email":"a@example.com"}`)))
		req.Header.Set("Content-Type", "application/json")
		respDel2, err := adminClient.Do(req)
		require.NoError(t, err)
		respDelBody := readBody(respDel2)
		assert.Equal(t, http.StatusNotFound, respDel2.StatusCode, "repeat delete must return 404; body: %s", respDelBody)
		var errRes errorResponse
		require.NoError(t, json.Unmarshal([]byte(respDelBody), &errRes))
		assert.Equal(t, "user not found", errRes.Error)
	})

	t.Run("H_AdminRoutes_RequireCapability", func(t *testing.T) {
		ts.Truncate(t)
		client := ts.newClient(t)
		ts.loginAs(t, client, "visitor@example.com")

		resp := postJSON(t, client, baseURL+"/admin/invites", map[string]any{
			"email": "guest@example.com",
			"role":  "whitelisted",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "visitor must not issue invites; body: %s", readBody(resp))

		respUsers, err := client.Get(baseURL + "/admin/users")
		require.NoError(t, err)
		defer respUsers.Body.Close()
		assert.Equal(t, http.StatusForbidden, respUsers.StatusCode, "visitor must not list the roster")
	})

	t.Run("I_AuditTrail", func(t *testing.T) {
		ts.Truncate(t)
		ts.seedUser(t, "admin@example.com", "admin")
		client := ts.newClient(t)
		ts.loginAs(t, client, "admin@example.com")

		var requested, verified int
		require.NoError(t, ts.DB.QueryRow(
			"SELECT count(*) FROM security_audit_events WHERE event_type = 'otp_requested' AND outcome = 'ok'").Scan(&requested))
		require.NoError(t, ts.DB.QueryRow(
			"SELECT count(*) FROM security_audit_events WHERE event_type = 'otp_verified' AND outcome = 'ok'").Scan(&verified))
		assert.Equal(t, 1, requested, "successful request must be audited")
		assert.Equal(t, 1, verified, "successful verify must be audited")

		// The same trail is readable through the admin surface.
		respAudit, err := client.Get(baseURL + "/admin/audit")
		require.NoError(t, err)
		auditBody := readBody(respAudit)
		require.Equal(t, http.StatusOK, respAudit.StatusCode, "list audit events; body: %s", auditBody)
		var auditRes struct {
			Events []struct {
				EventType string `json:"event_type"`
				Outcome   string `json:"outcome"`
			} `json:"events"`
		}
		require.NoError(t, json.Unmarshal([]byte(auditBody), &auditRes))
		require.Len(t, auditRes.Events, 2)
		types := []string{auditRes.Events[0].EventType, auditRes.Events[1].EventType}
		assert.Contains(t, types, "otp_requested")
		assert.Contains(t, types, "otp_verified")
	})
}

// readBody reads and returns the response body (consumes it). Use for error messages only.
func readBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
