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
	"github.com/ortsguide/server/internal/directory"
	"github.com/ortsguide/server/internal/invite"
	"github.com/ortsguide/server/internal/middleware"
	"github.com/ortsguide/server/internal/model"
)

const defaultListLimit = 100

// AdminHandler handles invite issuance and roster management endpoints.
// All routes are mounted behind SessionAuth plus the matching capability.
type AdminHandler struct {
	inviteService    *invite.Service
	directoryService *directory.Service
	auditLog         *audit.Log
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(inviteService *invite.Service, directoryService *directory.Service, auditLog *audit.Log) *AdminHandler {
	return &AdminHandler{
		inviteService:    inviteService,
		directoryService: directoryService,
		auditLog:         auditLog,
	}
}

// createInviteRequest is the request body for POST /admin/invites
type createInviteRequest struct {
	Email        string `json:"email"`
	Role         string `json:"role"`
	ExpiresHours int    `json:"expires_hours"`
}

// inviteResponse is one invite in API responses. The raw token only appears
// in the create response, for the caller to embed in an activation URL.
type inviteResponse struct {
	Token     string `json:"token,omitempty"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
	CreatedBy string `json:"created_by"`
}

// HandleCreateInvite handles POST /admin/invites
func (h *AdminHandler) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	role, err := model.ParseRole(req.Role)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	inv, err := h.inviteService.Create(r.Context(), invite.CreateInput{
		Email:          req.Email,
		Role:           role,
		ExpiresIn:      time.Duration(req.ExpiresHours) * time.Hour,
		CreatedByEmail: claims.Email,
	})
	if err != nil {
		if errors.Is(err, invite.ErrUnavailable) {
			log.Printf("create invite failed: %v", err)
			respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
			return
		}
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, inviteResponse{
		Token:     inv.Token,
		Email:     inv.Email,
		Role:      string(inv.Role),
		Status:    string(inv.Status),
		ExpiresAt: inv.ExpiresAt.Format(time.RFC3339),
		CreatedBy: inv.CreatedByEmail,
	})
}

// HandleListInvites handles GET /admin/invites
func (h *AdminHandler) HandleListInvites(w http.ResponseWriter, r *http.Request) {
	history, err := h.inviteService.History(r.Context(), listLimit(r))
	if err != nil {
		log.Printf("list invites failed: %v", err)
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string][]inviteResponse{
		"open":      toInviteResponses(history.Open),
		"activated": toInviteResponses(history.Activated),
		"replaced":  toInviteResponses(history.Replaced),
		"expired":   toInviteResponses(history.Expired),
	})
}

func toInviteResponses(invites []model.InviteToken) []inviteResponse {
	out := make([]inviteResponse, 0, len(invites))
	for _, inv := range invites {
		out = append(out, inviteResponse{
			Email:     inv.Email,
			Role:      string(inv.Role),
			Status:    string(inv.Status),
			ExpiresAt: inv.ExpiresAt.Format(time.RFC3339),
			CreatedBy: inv.CreatedByEmail,
		})
	}
	return out
}

// updateRoleRequest is the request body for PUT /admin/users/role
type updateRoleRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// HandleUpdateRole handles PUT /admin/users/role
func (h *AdminHandler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	role, err := model.ParseRole(req.Role)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if isSelf(claims.Email, req.Email) {
		respondWithError(w, http.StatusForbidden, "cannot modify your own account")
		return
	}

	if err := h.directoryService.UpdateRole(r.Context(), req.Email, role, claims.Email); err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// deleteUserRequest is the request body for DELETE /admin/users
type deleteUserRequest struct {
	Email string `json:"email"`
}

// HandleDeleteUser handles DELETE /admin/users
func (h *AdminHandler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req deleteUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	if isSelf(claims.Email, req.Email) {
		respondWithError(w, http.StatusForbidden, "cannot modify your own account")
		return
	}

	if err := h.directoryService.Delete(r.Context(), req.Email, claims.Email); err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// upsertUsersRequest is the request body for POST /admin/users/upsert
type upsertUsersRequest struct {
	Emails []string `json:"emails"`
	Role   string   `json:"role"`
}

// HandleUpsertUsers handles POST /admin/users/upsert (bulk whitelist)
func (h *AdminHandler) HandleUpsertUsers(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req upsertUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	role, err := model.ParseRole(req.Role)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, e := range req.Emails {
		if isSelf(claims.Email, e) {
			respondWithError(w, http.StatusForbidden, "cannot modify your own account")
			return
		}
	}

	count, err := h.directoryService.Upsert(r.Context(), req.Emails, role, claims.Email)
	if err != nil {
		respondDirectoryError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"count": count})
}

// userResponse is one roster row in API responses
type userResponse struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// HandleListUsers handles GET /admin/users
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directoryService.List(r.Context(), listLimit(r))
	if err != nil {
		log.Printf("list users failed: %v", err)
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{
			Email:     u.Email,
			Role:      string(u.Role),
			IsActive:  u.IsActive,
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		})
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"users": out})
}

// HandleListDeletedUsers handles GET /admin/users/deleted
func (h *AdminHandler) HandleListDeletedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directoryService.ListDeleted(r.Context(), listLimit(r))
	if err != nil {
		log.Printf("list deleted users failed: %v", err)
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		return
	}

	type deletedUserResponse struct {
		Email     string `json:"email"`
		Role      string `json:"role"`
		DeletedAt string `json:"deleted_at"`
	}
	out := make([]deletedUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, deletedUserResponse{
			Email:     u.Email,
			Role:      string(u.Role),
			DeletedAt: u.DeletedAt.Format(time.RFC3339),
		})
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"users": out})
}

// auditEventResponse is one audit row in API responses. Network identities
// are already hashes; emails are raw here, this surface is admin-only.
type auditEventResponse struct {
	EventType     string            `json:"event_type"`
	ActorEmail    string            `json:"actor_email,omitempty"`
	TargetEmail   string            `json:"target_email,omitempty"`
	IPKeyHash     string            `json:"ip_key_hash,omitempty"`
	SubnetKeyHash string            `json:"subnet_key_hash,omitempty"`
	Outcome       string            `json:"outcome"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// HandleListAuditEvents handles GET /admin/audit
func (h *AdminHandler) HandleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.auditLog.Recent(r.Context(), listLimit(r))
	if err != nil {
		log.Printf("list audit events failed: %v", err)
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
		return
	}

	out := make([]auditEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEventResponse{
			EventType:     ev.EventType,
			ActorEmail:    ev.ActorEmail,
			TargetEmail:   ev.TargetEmail,
			IPKeyHash:     ev.IPKeyHash,
			SubnetKeyHash: ev.SubnetKeyHash,
			Outcome:       ev.Outcome,
			Metadata:      ev.Metadata,
			CreatedAt:     ev.CreatedAt.Format(time.RFC3339),
		})
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"events": out})
}

func respondDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, directory.ErrBatchTooLarge):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrUnavailable):
		log.Printf("directory operation failed: %v", err)
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable, try again later")
	default:
		respondWithError(w, http.StatusBadRequest, err.Error())
	}
}

func isSelf(actorEmail, targetEmail string) bool {
	normalized, err := model.NormalizeEmail(targetEmail)
	if err != nil {
		return false
	}
	return normalized == actorEmail
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}
