package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/config"
	"github.com/timersync/server/internal/events"
	"github.com/timersync/server/internal/handlers"
	custommw "github.com/timersync/server/internal/middleware"
	"github.com/timersync/server/internal/observability"
	"github.com/timersync/server/internal/repository"
	"github.com/timersync/server/internal/services"
)

const serviceVersion = "1.0.0"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx := context.Background()

	// Telemetry (no-op unless OTEL_ENABLED)
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("timersync-server", serviceVersion))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	// Database
	db := openDatabase(cfg)
	defer db.Close()

	timerRepo := repository.NewTimerRepository(db)
	entryRepo := repository.NewEntryRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	clock := clockwork.NewRealClock()

	// Services
	timerService := services.NewTimerService(timerRepo, services.AllowAllValidator{}, clock)
	hub := services.NewBroadcastHub(clock)
	go hub.Run()

	// Optional cross-instance relay
	var relay *events.Relay
	if cfg.Events.NATSURL != "" {
		relay, err = events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, hub)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event relay")
		}
		defer relay.Close()
	}

	// Idle reaper force-stops abandoned timers
	reaper := services.NewIdleReaper(timerRepo, timerService, hub, cfg.ReaperThreshold(), cfg.ReaperInterval(), clock)
	if cfg.IdleReaper.Enabled {
		reaper.Start(ctx)
		defer reaper.Stop()
	}

	// Handlers
	timerHandler := handlers.NewTimerHandler(timerService, idempotencyRepo, hub)
	entryHandler := handlers.NewEntryHandler(entryRepo)
	reaperHandler := handlers.NewReaperHandler(reaper)
	wsHandler := handlers.NewWebSocketHandler(hub)
	healthHandler := handlers.NewHealthHandler()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler)
	if metrics, err := observability.NewHTTPMetrics(); err == nil {
		r.Use(observability.MetricsMiddleware(metrics))
	}
	r.Use(observability.TracingMiddleware("timersync-server"))
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)

	r.Route("/api/timer", func(r chi.Router) {
		r.Get("/", timerHandler.Current)
		r.Post("/start", timerHandler.Start)
		r.Post("/pause", timerHandler.Pause)
		r.Post("/resume", timerHandler.Resume)
		r.Post("/stop", timerHandler.Stop)
		r.Post("/sync", timerHandler.Sync)
	})

	r.Route("/api/entries", func(r chi.Router) {
		r.Get("/", entryHandler.List)
		r.Get("/{id}", entryHandler.Get)
	})

	r.Route("/api/admin/reaper", func(r chi.Router) {
		r.Get("/", reaperHandler.GetStatus)
		r.Post("/run", reaperHandler.RunNow)
	})

	r.Get("/api/ws", wsHandler.HandleConnection)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("address", cfg.ServerAddress).Msg("timersync server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}

	log.Info().Msg("server stopped")
}

func openDatabase(cfg *config.Config) *sql.DB {
	if cfg.UsePostgres() {
		log.Info().Msg("using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize PostgreSQL database")
		}
		return db
	}

	log.Info().Str("path", cfg.DatabasePath).Msg("using SQLite database")
	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize SQLite database")
	}
	return db
}
