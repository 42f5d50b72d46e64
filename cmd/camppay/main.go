package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"camppay/internal/camp"
	campapi "camppay/internal/camp/api"
	"camppay/internal/common/database"
	"camppay/internal/common/middleware"
	"camppay/internal/common/nats"
	"camppay/internal/payment"
	paymentapi "camppay/internal/payment/api"
	"camppay/internal/stripe"
	"camppay/migrations"
)

// Config holds service configuration
type Config struct {
	Port           int      `envconfig:"PORT" default:"8080"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	AuthTokenSecret string `envconfig:"AUTH_TOKEN_SECRET" required:"true"`

	WebhookSecret    string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true"`
	DevWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET_DEV"`

	Database database.Config
	NATS     nats.Config
	Stripe   stripe.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database, migrations.FS, ".", logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig("CAMPPAY_EVENTS", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	// Stores and services
	campStore := camp.NewStore(db, logger)
	paymentStore := payment.NewPostgresStore(db, logger)
	gateway := stripe.NewClient(cfg.Stripe, logger)

	paymentService := payment.NewService(campStore, paymentStore, gateway, publisher, logger)
	reconciler := payment.NewReconciler(paymentStore, publisher, payment.ReconcilerConfig{
		SigningSecret:    cfg.WebhookSecret,
		DevSigningSecret: cfg.DevWebhookSecret,
		Development:      cfg.Environment != "production",
	}, logger)

	paymentHandler := paymentapi.NewHandler(paymentService, reconciler, logger)
	campHandler := campapi.NewHandler(campStore, paymentStore, publisher, logger)

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Webhooks are verified by signature, not bearer token.
	r.Route("/webhooks", func(r chi.Router) {
		r.Mount("/", paymentHandler.WebhookRoutes())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(hmacTokenValidator(cfg.AuthTokenSecret)))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Mount("/", paymentHandler.Routes())
		})

		r.Route("/admin/camps", func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Mount("/", campHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting camppay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// hmacTokenValidator accepts tokens of the form "<user_id>:<hex hmac>" where
// the MAC is HMAC-SHA256 over the user id with the shared secret.
func hmacTokenValidator(secret string) middleware.TokenValidator {
	return func(ctx context.Context, token string) (string, error) {
		userID, signature, found := strings.Cut(token, ":")
		if !found || userID == "" {
			return "", errors.New("malformed token")
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(userID))
		expected := hex.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return "", errors.New("invalid token signature")
		}
		return userID, nil
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
