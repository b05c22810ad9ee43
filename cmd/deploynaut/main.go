package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/product-os/deploynaut/internal/adapter/github"
	dnhttp "github.com/product-os/deploynaut/internal/adapter/http"
	"github.com/product-os/deploynaut/internal/adapter/otel"
	"github.com/product-os/deploynaut/internal/adapter/ristretto"
	"github.com/product-os/deploynaut/internal/config"
	"github.com/product-os/deploynaut/internal/domain/policy"
	"github.com/product-os/deploynaut/internal/logger"
	"github.com/product-os/deploynaut/internal/middleware"
	"github.com/product-os/deploynaut/internal/resilience"
	"github.com/product-os/deploynaut/internal/service"
)

func main() {
	fallback := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(fallback)

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"policy_path", cfg.Approval.PolicyPath,
		"bypass_actors", len(cfg.Approval.BypassActors),
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Policy ---
	policyCfg, err := policy.LoadFromFile(cfg.Approval.PolicyPath)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	slog.Info("policy loaded",
		"approval_entries", len(policyCfg.Approval),
		"named_rules", len(policyCfg.ApprovalRules),
	)

	// --- GitHub client ---
	tokens, err := tokenSource(cfg.GitHub)
	if err != nil {
		return fmt.Errorf("github auth: %w", err)
	}
	client := github.NewClient(cfg.GitHub.BaseURL, tokens)
	client.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---
	memberCache, err := ristretto.NewMemberCache(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("member cache: %w", err)
	}
	defer memberCache.Close()

	members := service.NewMembershipService(client, memberCache, cfg.Cache.MemberTTL)
	evaluator := service.NewEvaluator(members)
	orchestrator := service.NewOrchestrator(client, evaluator, metrics, service.OrchestratorConfig{
		TriggerToken:      cfg.Approval.TriggerToken,
		RunCreationWindow: cfg.Approval.RunCreationWindow,
		BypassActors:      cfg.Approval.BypassActors,
		AppID:             cfg.GitHub.AppID,
		CommentOnPending:  cfg.Approval.CommentOnPending,
	})

	// --- HTTP ---
	handlers := &dnhttp.Handlers{
		Orchestrator: orchestrator,
		Policy:       policyCfg,
	}

	r := chi.NewRouter()
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.DeliveryID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(cfg))
	dnhttp.MountRoutes(r, handlers, cfg.GitHub.WebhookSecret)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// tokenSource picks GitHub App auth when an app is configured, and
// falls back to a static token for local development.
func tokenSource(cfg config.GitHub) (github.TokenSource, error) {
	if cfg.AppID != 0 {
		return github.NewAppTokenSource(cfg.BaseURL, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("either github.app_id or github.token must be configured")
	}
	return github.StaticTokenSource(cfg.Token), nil
}

// healthHandler reports service status.
func healthHandler(cfg *config.Config) http.HandlerFunc {
	type healthStatus struct {
		Status     string `json:"status"`
		PolicyPath string `json:"policy_path"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:     "ok",
			PolicyPath: cfg.Approval.PolicyPath,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
