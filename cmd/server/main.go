package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pilotdeck/pilotdeck-server/internal/admin"
	"github.com/pilotdeck/pilotdeck-server/internal/auth"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/handlers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/providers"
	"github.com/pilotdeck/pilotdeck-server/internal/gateway/quota"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/config"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/database"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/httpx"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/logging"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/redis"
	"github.com/pilotdeck/pilotdeck-server/internal/shared/secrets"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration error")
	}

	log := logging.New(cfg.Env)
	log.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting pilotdeck server")

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}

	// Redis is optional: without it the server runs with no descriptor cache
	// and no per-minute limiting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := redis.New(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, caching and rate limits disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	registry := providers.NewRegistry(db, cipher, cfg.FallbackOpenAIKey, cfg.FallbackOpenAIModel, log)
	if rdb != nil {
		registry = registry.WithCache(rdb, cfg.ProviderCacheTTL)
	}

	clients := providers.NewClientFactory()
	ledger := quota.NewLedger(db)

	gateway := handlers.NewGateway(db, ledger, registry, clients, cfg.UpstreamTimeout, log)
	if rdb != nil {
		gateway = gateway.WithRateLimiter(rdb)
	}

	authSvc := auth.NewService(db, cfg.JWTSecret, cfg.TokenExpiry, log)
	adminSvc := admin.NewService(db, cipher, registry, clients, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Post("/register", authSvc.HandleRegister)
		r.Post("/login", authSvc.HandleLogin)
		r.With(authSvc.Middleware).Get("/me", authSvc.HandleMe)
	})

	// No Timeout middleware here: chat-stream holds the connection open for
	// as long as the upstream streams. The upstream call budget bounds it.
	r.Route("/ai", func(r chi.Router) {
		r.Use(authSvc.Middleware)
		r.Post("/chat", gateway.HandleChat)
		r.Post("/chat-stream", gateway.HandleChatStream)
		r.Post("/analyze-image", gateway.HandleAnalyzeImage)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Use(authSvc.Middleware)
		r.Use(authSvc.RequireAdmin)
		r.Get("/users", adminSvc.HandleListUsers)
		r.Patch("/users/{id}", adminSvc.HandleUpdateUser)
		r.Get("/providers", adminSvc.HandleListConfigs)
		r.Post("/providers", adminSvc.HandleCreateConfig)
		r.Put("/providers/{id}", adminSvc.HandleUpdateConfig)
		r.Delete("/providers/{id}", adminSvc.HandleDeleteConfig)
		r.Post("/providers/{id}/primary", adminSvc.HandleSetPrimary)
		r.Post("/providers/{id}/test", adminSvc.HandleTestConfig)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-shutdownCtx.Done()
	log.Info().Msg("shutting down")

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
