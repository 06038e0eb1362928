package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ortsguide/server/internal/http/handlers"
	"github.com/ortsguide/server/internal/middleware"
	"github.com/ortsguide/server/internal/session"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(authHandler *handlers.AuthHandler, adminHandler *handlers.AdminHandler, codec *session.Codec) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request_otp", authHandler.HandleRequestOTP)
		r.Post("/verify_otp", authHandler.HandleVerifyOTP)
		r.Post("/activate_invite", authHandler.HandleActivateInvite)
		r.Post("/logout", authHandler.HandleLogout)
	})

	// Protected routes (require valid session cookie)
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(codec))
		r.Get("/me", authHandler.HandleMe)

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(session.CapIssueInvites))
				r.Post("/invites", adminHandler.HandleCreateInvite)
				r.Get("/invites", adminHandler.HandleListInvites)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(session.CapManageDirectory))
				r.Put("/users/role", adminHandler.HandleUpdateRole)
				r.Delete("/users", adminHandler.HandleDeleteUser)
				r.Post("/users/upsert", adminHandler.HandleUpsertUsers)
				r.Get("/users", adminHandler.HandleListUsers)
				r.Get("/users/deleted", adminHandler.HandleListDeletedUsers)
				r.Get("/audit", adminHandler.HandleListAuditEvents)
			})
		})
	})

	return r
}
