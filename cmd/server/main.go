package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codexgw/internal/concurrency"
	"codexgw/internal/config"
	"codexgw/internal/engine"
	"codexgw/internal/handler"
	"codexgw/internal/health"
	"codexgw/internal/httpclient"
	"codexgw/internal/metrics"
	"codexgw/internal/modelsapi"
	"codexgw/internal/oauthclient"
	"codexgw/internal/quota"
	"codexgw/internal/ratelimit"
	"codexgw/internal/retryx"
	"codexgw/internal/router"
	"codexgw/internal/store"
	"codexgw/internal/trace"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile("codexgw.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	defer logFile.Close()

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, logFile)).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	accountStore, err := store.Open(cfg.StorePath, cfg.AccountFlushInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open account store")
	}
	defer accountStore.Close()

	traceLog, err := trace.Open(cfg.TraceFilePath, cfg.TraceStatsHistoryPath, cfg.TraceRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trace log")
	}

	client := httpclient.GetClient()

	oauthClient := oauthclient.New(client)

	prober := quota.New(quota.Config{
		BaseURL:       cfg.ChatGPTBaseURL,
		CacheTTL:      cfg.UsageCacheTTL,
		Timeout:       cfg.UsageTimeout,
		BlockFallback: cfg.BlockFallback,
	}, client)

	rt := router.New(router.Config{WindowMS: cfg.RoutingWindowMS})
	breakers := router.NewBreakers(router.DefaultBreakerConfig())
	concurrencyMgr := concurrency.NewManager(concurrency.DefaultConfig())
	gatewayMetrics := metrics.New(metrics.DefaultConfig())

	models := modelsapi.New(modelsapi.Config{
		BaseURL:       cfg.ChatGPTBaseURL,
		ClientVersion: cfg.ModelsClientVersion,
		ProxyModels:   cfg.ProxyModels,
		CacheTTL:      cfg.ModelsCacheTTL,
	}, client)

	retryPolicy := retryx.DefaultConfig()
	retryPolicy.MaxRetries = cfg.MaxUpstreamRetries
	retryPolicy.BaseDelay = cfg.UpstreamBaseDelay

	fwdEngine := engine.New(engine.Config{
		ChatGPTBaseURL:          cfg.ChatGPTBaseURL,
		UpstreamPath:            cfg.UpstreamPath,
		MaxAccountRetryAttempts: cfg.MaxAccountRetryAttempts,
		TokenRefreshMargin:      cfg.TokenRefreshMargin,
		RetryPolicy:             retryPolicy,
	}, accountStore, rt, breakers, prober, oauthClient, client, traceLog, concurrencyMgr, gatewayMetrics)

	healthMonitor := health.NewMonitor(health.DefaultConfig(), accountStore, prober, oauthClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()
	defer concurrencyMgr.Close()

	rateLimiter := ratelimit.NewMemoryChecker(ratelimit.DefaultConfig())
	defer rateLimiter.Close()

	gw := &handler.Gateway{
		Engine:     fwdEngine,
		Models:     models,
		Trace:      traceLog,
		Breakers:   breakers,
		Health:     healthMonitor,
		Metrics:    gatewayMetrics,
		RateLimit:  rateLimiter,
		AdminToken: cfg.AdminToken,
	}

	gin.SetMode(gin.ReleaseMode)
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(handler.RequestLogger())

	ginRouter.GET("/healthz", gw.Healthz)

	v1 := ginRouter.Group("/v1")
	v1.Use(gw.RateLimitMiddleware())
	{
		v1.POST("/chat/completions", gw.ChatCompletions)
		v1.POST("/responses", gw.Responses)
		v1.GET("/models", gw.ListModels)
		v1.GET("/models/:id", gw.GetModel)
	}

	internalGroup := ginRouter.Group("/internal")
	internalGroup.Use(gw.AdminAuth())
	{
		internalGroup.GET("/stats", gw.Stats)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      ginRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming responses can run minutes
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("codexgw listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
