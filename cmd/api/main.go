package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medclear/medclear/internal/bill"
	"github.com/medclear/medclear/internal/config"
	"github.com/medclear/medclear/internal/credential"
	"github.com/medclear/medclear/internal/database"
	"github.com/medclear/medclear/internal/notify"
	"github.com/medclear/medclear/internal/offer"
	"github.com/medclear/medclear/internal/payments"
	"github.com/medclear/medclear/pkg/logging"
	mw "github.com/medclear/medclear/pkg/middleware"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	logging.Setup()

	// Load configuration
	cfg := config.Load()

	// Initialize database connection
	db, err := database.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("connected to database")

	// Payment processor
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.AppBaseURL)
	verifier := payments.NewStripeWebhookVerifier(cfg.StripeWebhookSecret)

	// Notifier: SMTP when configured, log-only otherwise
	var notifier notify.Notifier
	if cfg.SMTPHost != "" {
		notifier = notify.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, cfg.AppBaseURL)
	} else {
		slog.Warn("SMTP not configured, notifications will only be logged")
		notifier = notify.NewLogNotifier()
	}

	// Bill feature
	billRepo := bill.NewRepository(db)

	// Offer feature
	gate := credential.NewGate()
	offerRepo := offer.NewRepository(db)
	offerService := offer.NewService(offerRepo, billRepo, gate, processor, notifier, cfg.PlatformFeePercent, cfg.OfferExpiryDays)
	offerHandler := offer.NewHandler(offerService)

	// Webhook intake
	webhookHandler := payments.NewWebhookHandler(verifier, offerService)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Patient surface, JWT authenticated
		r.Group(func(r chi.Router) {
			r.Use(mw.AuthMiddleware(cfg.JWTSecret))
			r.Mount("/", offerHandler.PatientRoutes())
		})

		// Biller surface, access code + OTP gated
		r.Mount("/negotiate", offerHandler.BillerRoutes())

		// Processor callbacks, signature verified
		r.Post("/webhooks/stripe", webhookHandler.Handle)
	})

	// Expiration sweeper
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go runSweeper(ctx, offerService, cfg.SweepIntervalHours)

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	slog.Info("server starting", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("server failed to start", "error", err)
		os.Exit(1)
	}
}
