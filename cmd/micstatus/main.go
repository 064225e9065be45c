package main

import (
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/cohost/internal/cache"
	"github.com/weiawesome/wes-io-live/cohost/internal/config"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/handler"
	"github.com/weiawesome/wes-io-live/cohost/internal/repository"
	"github.com/weiawesome/wes-io-live/cohost/internal/service"
	"github.com/weiawesome/wes-io-live/cohost/pkg/database"
	"github.com/weiawesome/wes-io-live/cohost/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: "cohost-micstatus",
	})
	logger := pkglog.L()

	// Initialize repository
	var decisionRepo repository.DecisionRepository
	if cfg.Database.Driver == "memory" {
		decisionRepo = repository.NewMemoryDecisionRepository()
		logger.Warn().Msg("using in-memory decision store, decisions are lost on restart")
	} else {
		db, err := database.New(&cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}

		if err := database.AutoMigrate(db, &domain.MicDecisionModel{}); err != nil {
			logger.Fatal().Err(err).Msg("failed to auto-migrate")
		}
		logger.Info().Msg("database migration completed")

		decisionRepo = repository.NewGormDecisionRepository(db)
	}

	// Initialize Redis cache
	var decisionCache cache.DecisionCache
	if cfg.Cache.Enabled {
		c, err := cache.NewRedisDecisionCache(cfg.Cache.Redis, cfg.Cache.KeyPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer c.Close()
		decisionCache = c
		logger.Info().Msg("redis cache connected")
	}

	micService := service.NewMicStatusService(decisionRepo, decisionCache, cfg.Cache.TTL)

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, cfg.Auth.JWTIssuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	httpHandler := handler.NewHandler(micService, authMiddleware)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	httpHandler.RegisterRoutes(r)

	addr := cfg.Server.Addr()
	logger.Info().Str("addr", addr).Str("driver", cfg.Database.Driver).Bool("cache", cfg.Cache.Enabled).Msg("cohost-micstatus starting")
	if err := r.Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
}
