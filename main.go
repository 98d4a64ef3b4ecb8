package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xiaocaoooo/html-fetch-worker/internal/browser"
	"github.com/xiaocaoooo/html-fetch-worker/internal/config"
	"github.com/xiaocaoooo/html-fetch-worker/internal/fetch"
	"github.com/xiaocaoooo/html-fetch-worker/internal/logging"
	"github.com/xiaocaoooo/html-fetch-worker/internal/metrics"
	"github.com/xiaocaoooo/html-fetch-worker/internal/pool"
	"github.com/xiaocaoooo/html-fetch-worker/internal/proxy"
	"github.com/xiaocaoooo/html-fetch-worker/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "html-fetch-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("invalid logging config, using defaults", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Browser.RemoteConfigured() {
		logger.Info("no remote browser endpoint configured, chrome will be launched locally")
	}
	engine, err := browser.Start(context.Background(), browser.Options{
		WSEndpoint:      cfg.Browser.WSEndpoint,
		BrowserlessURL:  cfg.Browser.BrowserlessURL,
		ChromePath:      cfg.Browser.ChromePath,
		Headless:        cfg.Browser.Headless,
		IgnoreTLSErrors: cfg.Browser.IgnoreTLSErrors,
	}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	contexts, err := engine.NewContexts(ctx, cfg.Browser.PoolSize)
	if err != nil {
		return err
	}
	slots := pool.New(contexts)
	logger.Info("browser pool ready", zap.Int("pool_size", slots.Capacity()), zap.String("endpoint", engine.Endpoint()))

	m := metrics.New()
	m.WatchPool(slots)

	proxyClient := proxy.New(proxy.Config{
		APIKey:   cfg.Proxy.APIKey,
		Endpoint: cfg.Proxy.Endpoint,
		Retries:  cfg.Proxy.Retries,
		RPS:      cfg.Proxy.RPS,
	})
	if !cfg.Proxy.Configured() {
		logger.Warn("SCRAPE_DO_API_KEY is not set, antibot fallback requests will fail")
	}

	orchestrator := fetch.New(slots, proxyClient,
		fetch.WithTimeout(cfg.Fetch.Timeout()),
		fetch.WithLogger(logger.Named("fetch")),
		fetch.WithObserver(m),
	)

	bodyLimit, err := cfg.Server.BodyLimitBytes()
	if err != nil {
		return err
	}
	srv := server.New(server.Options{
		Fetcher:            orchestrator,
		Pool:               slots,
		Browser:            engine,
		Logger:             logger.Named("http"),
		Metrics:            m.Handler(),
		BrowserEndpoint:    engine.Endpoint(),
		FallbackConfigured: proxyClient.Configured(),
		BodyLimit:          bodyLimit,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server start failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
