package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"admin-auth/internal/auth"
	"admin-auth/internal/db"
	"admin-auth/internal/maintenance"
	"admin-auth/internal/notify"
	"admin-auth/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	jwtSecret, err := mustEnv("ADMIN_JWT_SECRET")
	if err != nil {
		return nil, err
	}

	environment := envOrDefault("APP_ENV", "development")
	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var store auth.Store
	var database *sql.DB

	switch envOrDefault("AUTH_STORE", "postgres") {
	case "memory":
		// Single-instance development only; counters and the revoked set do
		// not survive restarts and are not shared across instances.
		store = auth.NewMemStore()
	default:
		databaseURL, err := mustEnv("DATABASE_URL")
		if err != nil {
			return nil, err
		}

		database, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
		database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
		database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
		database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

		if err := database.Ping(); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		if options.RunMigrations {
			if err := db.RunMigrations(database, logger); err != nil {
				_ = database.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		store = auth.NewRepository(database)
	}

	tokens := auth.NewTokenService(jwtSecret, envHoursOrDefault("SESSION_TTL_HOURS", 4), store)
	mailer := notify.NewLogSender(logger)

	service := auth.NewService(store, tokens, mailer, logger)
	service.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),
		envSecondsOrDefault("STORE_TIMEOUT_SECONDS", 3),
	)
	service.WithSetupEnabled(EnvBoolOrDefault("ADMIN_SETUP_ENABLED", false))

	if err := service.Bootstrap(context.Background(), os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		if database != nil {
			_ = database.Close()
		}
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	handler := auth.NewHandler(service, tokens.TTL(), environment != "development")

	var limiter auth.RateLimiter
	rateMax := envIntOrDefault("RATE_LIMIT_MAX", 10)
	rateWindow := envSecondsOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	switch envOrDefault("RATE_LIMIT_BACKEND", "memory") {
	case "store":
		limiter = auth.NewStoreRateLimiter(store, rateMax, rateWindow)
	default:
		limiter = auth.NewMemoryRateLimiter(rateMax, rateWindow)
	}

	cleanupHandler := maintenance.NewCleanupHandler(
		store,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_RETENTION_DAYS", 14),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /admin/login", auth.RateLimitMiddleware(limiter, "login", http.HandlerFunc(handler.Login)))
	mux.HandleFunc("POST /admin/logout", handler.Logout)
	mux.Handle("GET /admin/verify", auth.SessionMiddleware(service, http.HandlerFunc(handler.Verify)))
	mux.HandleFunc("POST /admin/setup", handler.Setup)
	mux.Handle("PUT /admin/change-password", auth.SessionMiddleware(service, http.HandlerFunc(handler.ChangePassword)))
	mux.Handle("POST /admin/forgot-password", auth.RateLimitMiddleware(limiter, "forgot", http.HandlerFunc(handler.ForgotPassword)))
	mux.Handle("POST /admin/reset-password", auth.RateLimitMiddleware(limiter, "reset", http.HandlerFunc(handler.ResetPassword)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	wrapped := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: wrapped,
		Close: func() error {
			observability.FlushSentry()
			if database != nil {
				return database.Close()
			}
			return nil
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database != nil {
			if err := database.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
