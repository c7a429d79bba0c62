package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-relay/internal/abort"
	"github.com/tokligence/tokligence-relay/internal/adapter/loopback"
	"github.com/tokligence/tokligence-relay/internal/auth"
	"github.com/tokligence/tokligence-relay/internal/config"
	"github.com/tokligence/tokligence-relay/internal/gateway"
	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/httpserver"
	"github.com/tokligence/tokligence-relay/internal/logging"
	"github.com/tokligence/tokligence-relay/internal/metrics"
	"github.com/tokligence/tokligence-relay/internal/ratelimit"
	"github.com/tokligence/tokligence-relay/internal/upstream"
	"github.com/tokligence/tokligence-relay/internal/version"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logCloser, err := logging.Setup("relayd", cfg.LogFile, logging.DefaultMaxBytes)
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		log.Printf("relayd stopped: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.RelayConfig) error {
	log.Printf("relayd %s starting env=%s addr=%s", version.Version, cfg.Environment, cfg.HTTPAddress)

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	cat, err := buildCatalog(cfg)
	if err != nil {
		return err
	}
	rt, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	up := upstream.New(
		upstream.WithLogger(logging.Component("relayd", "upstream"), cfg.Debug()),
		upstream.WithTimeout(cfg.UpstreamTimeout),
	)
	up.OnMalformed = collector.MalformedLine

	gwCfg := gateway.Config{
		Upstream:        up,
		Catalog:         cat,
		Router:          rt,
		Aborts:          abort.NewMemory(),
		Metrics:         collector,
		CollisionPolicy: cfg.CollisionPolicy,
		Logger:          logging.Component("relayd", "gateway"),
		Debug:           cfg.Debug(),
	}
	if cfg.AuthDisabled {
		log.Printf("auth disabled: trusting client-supplied user ids")
		gwCfg.Auth = auth.Trusting{}
	} else {
		gwCfg.Auth = auth.NewManager(cfg.AuthSecret)
	}
	if cfg.RateLimitPerSec > 0 {
		limiter, err := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitPerSec,
			BurstSize:         cfg.RateLimitBurst,
		})
		if err != nil {
			return err
		}
		gwCfg.Limiter = limiter
	}
	if store != nil {
		gwCfg.Ledger = store
	}
	if h := cfg.Hooks.BuildScriptHandler(); h != nil {
		dispatcher := &hooks.Dispatcher{}
		dispatcher.Register(h)
		gwCfg.Hooks = dispatcher
		log.Printf("lifecycle hooks enabled script=%s", cfg.Hooks.ScriptPath)
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return err
	}

	checker := health.New(health.Config{Timeout: 3 * time.Second})
	if p, ok := store.(health.Pinger); ok {
		checker.Add(health.DatabaseProbe("ledger", p))
	}
	if cfg.OllamaBaseURL != "" {
		checker.Add(health.HTTPProbe("ollama", cfg.OllamaBaseURL, nil))
	}

	srvCfg := httpserver.Config{
		Relay:           gw,
		Providers:       cat,
		Routes:          rt,
		Metrics:         collector,
		Health:          checker,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		Logger:          logging.Component("relayd", "http"),
		LogLevel:        cfg.LogLevel,
	}
	if store != nil {
		srvCfg.Usage = store
	}
	if cfg.LoopbackEnabled {
		srvCfg.Loopback = loopback.New()
	}
	httpSrv, err := httpserver.New(srvCfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("relay listening on %s%s", cfg.HTTPAddress, httpserver.RelayPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		httpSrv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
