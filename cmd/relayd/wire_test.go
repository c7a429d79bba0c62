package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-relay/internal/config"
)

func TestLoopbackBase(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8090", "http://127.0.0.1:8090/loopback"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/loopback"},
		{"localhost:8081", "http://localhost:8081/loopback"},
		{"[::]:8090", "http://127.0.0.1:8090/loopback"},
	}
	for _, tt := range tests {
		if got := loopbackBase(tt.addr); got != tt.want {
			t.Errorf("loopbackBase(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestBuildCatalogFromConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.yaml")
	body := "providers:\n  - name: groq\n    wire: openai\n    base_url: https://api.groq.com/openai/v1\n    models: [\"llama-*\"]\n"
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg := config.RelayConfig{
		HTTPAddress:     ":8090",
		OpenAIAPIKey:    "sk-test",
		OpenAIBaseURL:   "https://api.openai.com/v1",
		LoopbackEnabled: true,
		CatalogFile:     file,
	}
	cat, err := buildCatalog(cfg)
	if err != nil {
		t.Fatalf("buildCatalog: %v", err)
	}

	target, err := cat.Lookup(context.Background(), "loopback", "echo")
	if err != nil {
		t.Fatalf("lookup loopback: %v", err)
	}
	if target.BaseURL != "http://127.0.0.1:8090/loopback/v1" {
		t.Fatalf("loopback base %q", target.BaseURL)
	}
	if _, err := cat.Lookup(context.Background(), "groq", "llama-3"); err != nil {
		t.Fatalf("lookup groq: %v", err)
	}
	if _, err := cat.Lookup(context.Background(), "anthropic", "claude"); err == nil {
		t.Fatal("anthropic registered without a key")
	}

	cfg.GeminiAPIKey = "g-key"
	cfg.GeminiBaseURL = "https://generativelanguage.googleapis.com"
	cat, err = buildCatalog(cfg)
	if err != nil {
		t.Fatalf("buildCatalog with gemini: %v", err)
	}
	target, err = cat.Lookup(context.Background(), "gemini", "gemini-1.5-flash")
	if err != nil {
		t.Fatalf("lookup gemini: %v", err)
	}
	if target.Wire != "gemini" || target.APIKey != "g-key" {
		t.Fatalf("gemini target %+v", target)
	}
}

func TestBuildRouter(t *testing.T) {
	cfg := config.RelayConfig{
		ModelProviderRoutes: []config.RouteRule{{Pattern: "gpt-*", Target: "openai"}},
		FallbackProvider:    "loopback",
	}
	rt, err := buildRouter(cfg)
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	if got := rt.ListStrategies(); len(got) != 4 {
		t.Fatalf("strategies %v", got)
	}
	if p, _ := rt.ProviderForModel("gpt-4o"); p != "openai" {
		t.Fatalf("gpt-4o routed to %q", p)
	}
	if p, _ := rt.ProviderForModel("mystery"); p != "loopback" {
		t.Fatalf("fallback routed to %q", p)
	}
}

func TestOpenLedger(t *testing.T) {
	store, err := openLedger(config.RelayConfig{LedgerDSN: "-"})
	if err != nil || store != nil {
		t.Fatalf("disabled ledger returned %v, %v", store, err)
	}

	store, err = openLedger(config.RelayConfig{LedgerDSN: filepath.Join(t.TempDir(), "relay.db"), LedgerAsync: true})
	if err != nil {
		t.Fatalf("openLedger: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
