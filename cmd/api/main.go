package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/ortsguide/server/internal/audit"
	"github.com/ortsguide/server/internal/config"
	"github.com/ortsguide/server/internal/db"
	"github.com/ortsguide/server/internal/directory"
	httphandler "github.com/ortsguide/server/internal/http"
	"github.com/ortsguide/server/internal/http/handlers"
	"github.com/ortsguide/server/internal/invite"
	"github.com/ortsguide/server/internal/mailer"
	"github.com/ortsguide/server/internal/netid"
	"github.com/ortsguide/server/internal/otp"
	"github.com/ortsguide/server/internal/ratelimit"
	"github.com/ortsguide/server/internal/repo"
	"github.com/ortsguide/server/internal/session"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// The connection pool is created once here, shared by reference across
	// requests, and closed on shutdown.
	database, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBSSLMode)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repo.NewUserRepo(database)
	otpRepo := repo.NewOtpRepo(database)
	bucketRepo := repo.NewBucketRepo(database)
	inviteRepo := repo.NewInviteRepo(database)
	auditRepo := repo.NewAuditRepo(database)

	// Services
	auditLog := audit.New(auditRepo)
	limiter := ratelimit.New(bucketRepo)
	codec := session.NewCodec(cfg.SigningSecret, cfg.SessionTTL)
	otpMailer := mailer.New(mailer.Config{
		Provider:         cfg.OTPProvider,
		ConsoleOnlyEmail: cfg.OTPConsoleEmail,
		ResendAPIKey:     cfg.ResendAPIKey,
		BrevoAPIKey:      cfg.BrevoAPIKey,
		From:             cfg.MailFrom,
		Timeout:          cfg.MailTimeout,
	})
	otpService := otp.NewService(otpRepo, userRepo, limiter, otpMailer, codec, auditLog, cfg.HashSalt)
	inviteService := invite.NewService(inviteRepo, userRepo, codec, auditLog)
	directoryService := directory.NewService(userRepo, auditLog)

	netCfg := netid.Config{
		HeaderName: cfg.TrustedProxyHeader,
		HopCount:   cfg.TrustedProxyHops,
	}

	// Handlers
	authHandler := handlers.NewAuthHandler(otpService, inviteService, netCfg, cfg.SessionTTL, cfg.Production)
	adminHandler := handlers.NewAdminHandler(inviteService, directoryService, auditLog)

	router := httphandler.NewRouter(authHandler, adminHandler, codec)

	// Reclaim expired rate-limit buckets in the background
	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go purgeBuckets(purgeCtx, bucketRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// purgeBuckets periodically deletes rate-limit buckets whose window passed.
// Correctness never depends on it; it only reclaims space.
func purgeBuckets(ctx context.Context, buckets repo.BucketRepo) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := buckets.PurgeExpired(ctx); err != nil {
				log.Printf("bucket purge failed: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired rate-limit buckets", n)
			}
		}
	}
}
