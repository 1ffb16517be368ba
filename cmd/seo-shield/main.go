package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/internal/botdetect"
	"github.com/seoshield/proxy/internal/cache"
	"github.com/seoshield/proxy/internal/cacherules"
	"github.com/seoshield/proxy/internal/config"
	"github.com/seoshield/proxy/internal/events"
	"github.com/seoshield/proxy/internal/logger"
	"github.com/seoshield/proxy/internal/metrics"
	"github.com/seoshield/proxy/internal/proxy"
	"github.com/seoshield/proxy/internal/render/chrome"
	"github.com/seoshield/proxy/internal/render/scheduler"
	"github.com/seoshield/proxy/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	zapLogger := logger.New(logger.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	defer zapLogger.Sync()

	zapLogger.Info("starting seo-shield",
		zap.String("target", cfg.TargetURL.String()),
		zap.Int("port", cfg.Port),
		zap.String("cache_type", cfg.CacheType),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_concurrent_renders", cfg.MaxConcurrentRenders))

	// The grace window must outlast one background render so a stale hit
	// can be served while its refill completes.
	grace := cfg.RenderTimeout + 5*time.Second

	var store cache.Store
	switch cfg.CacheType {
	case config.CacheTypeRemote:
		remote, err := cache.NewRemote(cache.RemoteOptions{
			Endpoint:    cfg.CacheEndpoint,
			TTL:         cfg.CacheTTL,
			Grace:       grace,
			Compression: cfg.CacheCompression,
		}, zapLogger)
		if err != nil {
			zapLogger.Fatal("remote cache unavailable", zap.Error(err))
		}
		store = remote
	default:
		store = cache.NewLocal(cache.LocalOptions{
			TTL:         cfg.CacheTTL,
			Grace:       grace,
			Compression: cfg.CacheCompression,
		}, zapLogger)
	}

	botRules := botdetect.DefaultRules()
	if cfg.BotRulesFile != "" {
		loaded, err := config.LoadBotRules(cfg.BotRulesFile)
		if err != nil {
			zapLogger.Fatal("bot rules file invalid",
				zap.String("path", cfg.BotRulesFile), zap.Error(err))
		}
		botRules = loaded
	}
	registry, err := botdetect.NewRegistry(botRules)
	if err != nil {
		zapLogger.Fatal("bot rules invalid", zap.Error(err))
	}
	classifier := botdetect.NewClassifier(registry, nil, zapLogger)

	rules, err := cacherules.New(cfg.NoCachePatterns, cfg.CachePatterns, cfg.CacheByDefault, cfg.CacheMetaTag)
	if err != nil {
		zapLogger.Fatal("cache patterns invalid", zap.Error(err))
	}

	chromeConfig := &chrome.Config{
		PoolSize:      cfg.MaxConcurrentRenders,
		RenderTimeout: cfg.RenderTimeout,
	}
	if cfg.BlocklistFile != "" {
		blocklist, err := config.LoadBlocklist(cfg.BlocklistFile)
		if err != nil {
			zapLogger.Fatal("blocklist file invalid",
				zap.String("path", cfg.BlocklistFile), zap.Error(err))
		}
		chromeConfig.ExtraBlockedDomains = blocklist.Domains
		chromeConfig.ExtraBlockedPaths = blocklist.Paths
	}
	pool, err := chrome.NewPool(chromeConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("browser pool failed to start", zap.Error(err))
	}

	sched := scheduler.New(pool, cfg.MaxConcurrentRenders, cfg.RenderTimeout, zapLogger)

	sinks := []events.Emitter{events.NewLogEmitter(zapLogger)}
	if cfg.EventLogFile != "" {
		fileEmitter, err := events.NewFileEmitter(cfg.EventLogFile, zapLogger)
		if err != nil {
			zapLogger.Fatal("event log unavailable",
				zap.String("path", cfg.EventLogFile), zap.Error(err))
		}
		sinks = append(sinks, fileEmitter)
	}
	emitter := events.NewAsyncEmitter(events.NewMultiEmitter(sinks...), events.DefaultQueueSize)

	collector := metrics.NewCollector("seoshield", zapLogger)
	collector.RegisterQueueMetrics("seoshield", sched.Metrics)
	collector.RegisterDroppedEvents("seoshield", emitter.Dropped)

	var metricsServer *metrics.Server
	if cfg.MetricsListen != "" {
		metricsServer = metrics.NewServer(cfg.MetricsListen, collector, zapLogger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				zapLogger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	forwarder := proxy.New(cfg.TargetURL, cfg.RenderTimeout, cfg.ProxyWebsockets, zapLogger)
	handler := router.New(router.Options{
		Origin:     cfg.TargetURL,
		Rules:      rules,
		Classifier: classifier,
		Store:      store,
		Scheduler:  sched,
		Proxy:      forwarder,
		Emitter:    emitter,
		Collector:  collector,
		Logger:     zapLogger,
	})

	server := &fasthttp.Server{
		Handler:                      handler.Handler,
		Name:                         "seo-shield",
		ReadTimeout:                  cfg.RenderTimeout + 10*time.Second,
		WriteTimeout:                 cfg.RenderTimeout + 10*time.Second,
		IdleTimeout:                  60 * time.Second,
		MaxRequestBodySize:           32 << 20,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		StreamRequestBody:            true,
	}

	go func() {
		zapLogger.Info("proxy listening", zap.String("addr", cfg.ListenAddr()))
		if err := server.ListenAndServe(cfg.ListenAddr()); err != nil {
			zapLogger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting new connections first, then drain renders, then tear
	// down the pool and the stores.
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown incomplete", zap.Error(err))
	}
	sched.Close()
	pool.Shutdown()

	if err := store.Close(); err != nil {
		zapLogger.Error("cache close failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(); err != nil {
			zapLogger.Error("metrics shutdown failed", zap.Error(err))
		}
	}
	if err := emitter.Close(); err != nil {
		zapLogger.Error("event emitter close failed", zap.Error(err))
	}

	zapLogger.Info("seo-shield stopped")
}
