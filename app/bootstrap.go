package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"helpdesk/internal/account"
	"helpdesk/internal/auth"
	"helpdesk/internal/dashboard"
	"helpdesk/internal/db"
	"helpdesk/internal/kb"
	"helpdesk/internal/maintenance"
	"helpdesk/internal/observability"
	"helpdesk/internal/ticket"
	"helpdesk/internal/users"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
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
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	accountRepo := account.NewRepository(database)
	hasher := auth.NewPasswordHasher(envIntOrDefault("BCRYPT_COST", auth.DefaultBcryptCost))

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:     []byte(jwtSecret),
		Issuer:     os.Getenv("TOKEN_ISSUER"),
		AccessTTL:  envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		RefreshTTL: envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token manager: %w", err)
	}

	// Rate-limit counters live in Redis when configured so horizontally
	// scaled instances share them; otherwise in-process only.
	var attemptStore auth.AttemptStore = auth.NewMemoryAttemptStore()
	var redisClient *redis.Client
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		attemptStore = auth.NewRedisAttemptStore(redisClient)
		logger.Info("rate_limit_store", map[string]any{"backend": "redis"})
	}

	limiter := auth.NewLoginRateLimiter(
		attemptStore,
		envIntOrDefault("RATE_LIMIT_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("RATE_LIMIT_WINDOW_MINUTES", 15),
	)

	authService := auth.NewService(accountRepo, hasher, tokens, limiter)
	authService.WithLockoutPolicy(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
	)

	if err := ensureAdmin(context.Background(), accountRepo, hasher, os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	authMW := auth.NewMiddleware(tokens, accountRepo)

	usersHandler := users.NewHandler(accountRepo, hasher)
	ticketHandler := ticket.NewHandler(ticket.NewRepository(database))
	kbHandler := kb.NewHandler(kb.NewRepository(database))
	dashboardHandler := dashboard.NewHandler(dashboard.NewRepository(database))
	cleanupHandler := maintenance.NewCleanupHandler(accountRepo, logger, os.Getenv("CRON_SECRET"))

	secured := func(h http.HandlerFunc, guards ...func(http.Handler) http.Handler) http.Handler {
		var handler http.Handler = h
		for i := len(guards) - 1; i >= 0; i-- {
			handler = guards[i](handler)
		}
		return authMW.Authenticate(handler)
	}
	admin := auth.RequireRole(account.RoleAdmin)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("GET /auth/verify", secured(authHandler.Verify))
	mux.Handle("POST /auth/logout", secured(authHandler.Logout))
	mux.Handle("POST /auth/change-password", secured(authHandler.ChangePassword))

	mux.Handle("GET /me", secured(usersHandler.Me))
	mux.Handle("PATCH /me", secured(usersHandler.UpdateMe))
	mux.Handle("POST /users", secured(usersHandler.Create, admin))
	mux.Handle("GET /users", secured(usersHandler.List, auth.RequireCapability("read", "users")))
	mux.Handle("PATCH /users/{id}/role", secured(usersHandler.UpdateRole, admin))
	mux.Handle("PATCH /users/{id}/active", secured(usersHandler.SetActive, admin))

	mux.Handle("GET /tickets", secured(ticketHandler.List, auth.RequireCapability("read", "tickets")))
	mux.Handle("POST /tickets", secured(ticketHandler.Create, auth.RequireCapability("create", "tickets")))
	mux.Handle("GET /tickets/{id}", secured(ticketHandler.Get, auth.RequireCapability("read", "tickets")))
	mux.Handle("PATCH /tickets/{id}", secured(ticketHandler.Update, auth.RequireCapability("update", "tickets")))
	mux.Handle("GET /tickets/{id}/notes", secured(ticketHandler.ListNotes, auth.RequireCapability("read", "tickets")))
	mux.Handle("POST /tickets/{id}/notes", secured(ticketHandler.AddNote, auth.RequireCapability("create", "notes")))

	mux.Handle("GET /kb", secured(kbHandler.List))
	mux.Handle("GET /kb/{id}", secured(kbHandler.Get))
	mux.Handle("POST /kb", secured(kbHandler.Create, admin))
	mux.Handle("PUT /kb/{id}", secured(kbHandler.Update, admin))

	mux.Handle("GET /dashboard", secured(dashboardHandler.Summary, auth.RequireCapability("read", "dashboard")))
	mux.Handle("GET /dashboard/reports", secured(dashboardHandler.Report, auth.RequireCapability("read", "reports")))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

// ensureAdmin seeds the first admin account from the environment. An
// existing account with the same email wins; its password is left alone.
func ensureAdmin(ctx context.Context, repo *account.Repository, hasher *auth.PasswordHasher, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	_, err := repo.GetByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return err
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}

	_, err = repo.Create(ctx, email, hash, account.RoleAdmin, "it")
	if err != nil && !errors.Is(err, account.ErrDuplicateEmail) {
		return err
	}

	return nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
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
