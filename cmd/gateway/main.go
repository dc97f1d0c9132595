package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/llmops-lab/blackbox-gateway/internal/gateway/budget"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/handlers"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pii"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/pricing"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/recorder"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/tokenizer"
	"github.com/llmops-lab/blackbox-gateway/internal/gateway/upstream"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/config"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/database"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/logging"
	"github.com/llmops-lab/blackbox-gateway/internal/shared/redis"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Setup(cfg.Env)
	log.Info().Str("version", version).Str("env", cfg.Env).Str("port", cfg.Port).
		Msg("starting blackbox gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store: spend ledger + request log
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to postgres")

	// Redis: request-rate throttling
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("connected to redis")

	// Model catalog and prices
	catalog := pricing.Default()
	if cfg.ModelsConfigPath != "" {
		catalog, err = pricing.Load(cfg.ModelsConfigPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.ModelsConfigPath).Msg("failed to load model catalog")
		}
	}
	log.Info().Int("models", len(catalog.List())).Msg("model catalog loaded")

	// PII masking, optionally extended with configured patterns
	detectors := pii.DefaultDetectors()
	if cfg.PIIPatternsPath != "" {
		extra, err := pii.LoadDetectors(cfg.PIIPatternsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PIIPatternsPath).Msg("failed to load pii patterns")
		}
		detectors = append(detectors, extra...)
	}
	masker := pii.New(detectors...)
	log.Info().Int("detectors", len(detectors)).Msg("pii masker ready")

	guard := budget.New(db, cfg.DailyBudgetUSD)
	router := upstream.New(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.UpstreamTimeout)
	rec := recorder.New(db)
	counter := tokenizer.New()

	chatHandler := handlers.NewChatHandler(masker, counter, catalog, guard, router, rec)
	catalogHandler := handlers.NewCatalogHandler(catalog)
	healthHandler := handlers.NewHealthHandler(version, db, redisClient, rec)
	mw := handlers.NewMiddleware(redisClient, cfg.RateLimitPerMinute)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	// Request deadline sits above the upstream timeout so the upstream call
	// fails first and gets reported as a 502 rather than a cut connection.
	r.Use(chimiddleware.Timeout(cfg.UpstreamTimeout + 15*time.Second))
	r.Use(mw.CORS)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"blackbox-gateway","version":"` + version + `","endpoints":{"chat":"/chat","models":"/models","health":"/health"}}`))
	})
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/models", catalogHandler.HandleListModels)

	r.Group(func(r chi.Router) {
		r.Use(mw.KeyFingerprint)
		r.Use(mw.RateLimit)
		r.Post("/chat", chatHandler.HandleChat)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Upstream calls can take most of the configured timeout; give the
		// response writer room on top of it.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
