// Speakeasy - real-time pronunciation coaching server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/speakeasy/internal/api"
	"github.com/ashureev/speakeasy/internal/attempts"
	"github.com/ashureev/speakeasy/internal/coach"
	"github.com/ashureev/speakeasy/internal/config"
	"github.com/ashureev/speakeasy/internal/identity"
	"github.com/ashureev/speakeasy/internal/middleware"
	"github.com/ashureev/speakeasy/internal/observe"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/recovery"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/ashureev/speakeasy/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const statsLogInterval = 5 * time.Minute

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if lvl, err := config.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(lvl)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	sessions := session.NewStore()

	metrics := observe.Noop()
	if cfg.MetricsEnabled {
		mp, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("initialize metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("Failed to shut down metrics provider", "error", err)
			}
		}()
		if metrics, err = observe.NewMetrics(mp); err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		if err := observe.ObserveSessions(mp, func() (int, int) {
			return sessions.Count(), sessions.ActiveCount()
		}); err != nil {
			return fmt.Errorf("register session gauge: %w", err)
		}
		slog.Info("Metrics enabled", "path", "/metrics")
	}

	// Recognition engine (optional).
	var engine recognition.Engine
	if cfg.Engine.Addr != "" {
		grpcEngine, err := recognition.NewGrpcEngine(recognition.GrpcEngineConfig{
			Address:        cfg.Engine.Addr,
			ConnectTimeout: cfg.Engine.ConnectTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to recognition engine, exercises will be rejected", "error", err)
		} else {
			defer grpcEngine.Close()
			engine = grpcEngine
		}
	}
	if engine == nil {
		slog.Info("Recognition disabled (ENGINE_ADDR not set or connection failed)")
	}

	gateway := recognition.NewGateway(engine, sessions,
		recognition.NewMatcher(cfg.Engine.PhoneticMatching), metrics,
		recognition.GatewayConfig{
			Language:     cfg.Engine.Language,
			SampleRate:   cfg.Engine.SampleRate,
			StartTimeout: cfg.Engine.StartTimeout,
		})

	att := attempts.NewService(sessions, attempts.Config{
		MaxAttemptsPerDay:     cfg.Limits.MaxAttemptsPerDay,
		MaxAttemptsPerSession: cfg.Limits.MaxAttemptsPerSession,
		ResetTimeHour:         cfg.Limits.ResetHour,
	})
	profiles := identity.NewProfileService(repo, identity.ProfileConfig{
		DailyLimit: cfg.Limits.MaxAttemptsPerDay,
		Today:      att.Today,
	})

	verifier, err := identity.NewJWTVerifier(identity.VerifierConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("initialize token verifier: %w", err)
	}

	rec := recovery.NewService(sessions, gateway)

	// Initialize handlers.
	wsHandler := coach.NewHandler(coach.Deps{
		Verifier: verifier,
		Profiles: profiles,
		Sessions: sessions,
		Attempts: att,
		Streams:  gateway,
		Recovery: rec,
		Metrics:  metrics,
	}, coach.Config{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		AuthTimeout:   cfg.Auth.Timeout,
		RateLimit: middleware.RateLimitConfig{
			MessageLimit: cfg.Limits.MessageLimit,
			Window:       cfg.Limits.Window,
			MaxAudioKB:   cfg.Limits.MaxAudioKB,
		},
		MinAttemptDuration: cfg.Limits.MinAttemptDuration,
	})
	registry := wsHandler.Registry()

	apiHandler := api.NewHandler(repo, sessions, registry, att, rec, api.Config{
		Version:           version,
		MessageLimit:      cfg.Limits.MessageLimit,
		RateWindow:        cfg.Limits.Window,
		MaxAudioKB:        cfg.Limits.MaxAudioKB,
		EngineEnabled:     engine != nil,
		PhoneticMatching:  cfg.Engine.PhoneticMatching,
		MinAttemptSeconds: cfg.Limits.MinAttemptDuration.Seconds(),
	})
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r, identity.Middleware(verifier))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Create server. WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	session.StartSweeper(ctx, sessions, session.SweeperConfig{
		TTL:         cfg.Limits.SessionIdleTTL,
		IsConnected: registry.IsConnected,
		OnExpire:    wsHandler.ExpireSession,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logStats(gctx, sessions, registry, gateway)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		registry.CloseAll()
		gateway.CloseAll(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// logStats periodically logs session and connection counts until ctx ends.
func logStats(ctx context.Context, sessions *session.Store, registry *coach.Registry, gateway *recognition.Gateway) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := sessions.Snapshot(time.Now())
			slog.Info("Session stats",
				"total_sessions", stats.TotalSessions,
				"active_sessions", stats.ActiveSessions,
				"connections", registry.Count(),
				"recognition_handles", gateway.HandleCount())
		case <-ctx.Done():
			return
		}
	}
}
