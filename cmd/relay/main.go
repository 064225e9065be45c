package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/config"
	"github.com/weiawesome/wes-io-live/cohost/internal/handler"
	"github.com/weiawesome/wes-io-live/cohost/internal/hub"
	"github.com/weiawesome/wes-io-live/cohost/internal/service"
	"github.com/weiawesome/wes-io-live/cohost/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "cohost-relay"})
	logger := pkglog.L()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting cohost-relay")

	// Initialize PubSub
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub connected")

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, cfg.Auth.JWTIssuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}

	// Initialize hub
	wsHub := hub.NewHub(cfg.WebSocket, ps)
	go wsHub.Run()
	defer wsHub.Stop()

	relaySvc := service.NewRelayService(wsHub, tokens)
	wsHandler := handler.NewWSHandler(wsHub, relaySvc)

	// Setup HTTP server
	mux := http.NewServeMux()
	wsHandler.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := ps.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("pubsub unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      pkglog.HTTPMiddleware(logger, "/health")(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("cohost-relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down cohost-relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("cohost-relay stopped")
}
