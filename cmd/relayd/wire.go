package main

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	adapteranthropic "github.com/tokligence/tokligence-relay/internal/adapter/anthropic"
	adaptergemini "github.com/tokligence/tokligence-relay/internal/adapter/gemini"
	adapterollama "github.com/tokligence/tokligence-relay/internal/adapter/ollama"
	adapteropenai "github.com/tokligence/tokligence-relay/internal/adapter/openai"
	adapterrouter "github.com/tokligence/tokligence-relay/internal/adapter/router"
	"github.com/tokligence/tokligence-relay/internal/catalog"
	"github.com/tokligence/tokligence-relay/internal/config"
	"github.com/tokligence/tokligence-relay/internal/ledger"
	"github.com/tokligence/tokligence-relay/internal/ledger/async"
	"github.com/tokligence/tokligence-relay/internal/ledger/postgres"
	ledgersql "github.com/tokligence/tokligence-relay/internal/ledger/sqlite"
	"github.com/tokligence/tokligence-relay/internal/logging"
)

// openLedger returns nil when the ledger is disabled with "-".
func openLedger(cfg config.RelayConfig) (ledger.Store, error) {
	dsn := strings.TrimSpace(cfg.LedgerDSN)
	if dsn == "-" {
		log.Printf("usage ledger disabled")
		return nil, nil
	}
	if dsn == "" {
		dsn = config.DefaultLedgerPath()
	}

	var store ledger.Store
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := postgres.New(dsn, postgres.PoolConfig{
			MaxOpen:         10,
			MaxIdle:         5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		log.Printf("usage ledger: postgres")
		store = pg
	} else {
		lite, err := ledgersql.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger %s: %w", dsn, err)
		}
		log.Printf("usage ledger: sqlite %s", dsn)
		store = lite
	}

	if cfg.LedgerAsync {
		store = async.New(store, async.Config{Logger: logging.Component("relayd", "ledger")})
	}
	return store, nil
}

// buildCatalog registers the providers named in configuration, then merges
// the catalog file on top.
func buildCatalog(cfg config.RelayConfig) (*catalog.Catalog, error) {
	cat := catalog.New()
	cat.SetLogger(logging.Component("relayd", "catalog"))

	var providers []catalog.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, catalog.Provider{
			Name:    "openai",
			Wire:    adapteropenai.WireName,
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
		})
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, catalog.Provider{
			Name:    "anthropic",
			Wire:    adapteranthropic.WireName,
			BaseURL: cfg.AnthropicBaseURL,
			APIKey:  cfg.AnthropicAPIKey,
		})
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, catalog.Provider{
			Name:    "gemini",
			Wire:    adaptergemini.WireName,
			BaseURL: cfg.GeminiBaseURL,
			APIKey:  cfg.GeminiAPIKey,
		})
	}
	if cfg.OllamaBaseURL != "" {
		providers = append(providers, catalog.Provider{
			Name:    "ollama",
			Wire:    adapterollama.WireName,
			BaseURL: cfg.OllamaBaseURL,
		})
	}
	if cfg.LoopbackEnabled {
		base := loopbackBase(cfg.HTTPAddress)
		providers = append(providers,
			catalog.Provider{Name: "loopback", Wire: adapteropenai.WireName, BaseURL: base + "/v1"},
			catalog.Provider{Name: "loopback-ollama", Wire: adapterollama.WireName, BaseURL: base},
		)
	}
	for _, p := range providers {
		if err := cat.Add(p); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", p.Name, err)
		}
	}

	if path := strings.TrimSpace(cfg.CatalogFile); path != "" {
		n, err := cat.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		log.Printf("catalog: loaded %d providers from %s", n, path)
	}
	return cat, nil
}

func buildRouter(cfg config.RelayConfig) (*adapterrouter.Router, error) {
	rt := adapterrouter.New()
	for _, s := range []adapter.Strategy{
		adapteropenai.New(adapteropenai.Config{Organization: cfg.OpenAIOrg}),
		adapterollama.New(),
		adapteranthropic.New(adapteranthropic.Config{Version: cfg.AnthropicVersion}),
		adaptergemini.New(),
	} {
		if err := rt.RegisterStrategy(s); err != nil {
			return nil, err
		}
	}
	for _, rule := range cfg.ModelProviderRoutes {
		if err := rt.RegisterRoute(rule.Pattern, rule.Target); err != nil {
			return nil, fmt.Errorf("model route %s: %w", rule.Pattern, err)
		}
	}
	rt.SetFallback(cfg.FallbackProvider)
	return rt, nil
}

// loopbackBase turns a listen address into a URL this process can call itself on.
func loopbackBase(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/loopback"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/loopback"
}
