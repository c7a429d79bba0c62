package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-relay/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
	envPrefix        = "RELAY_"
)

// Collision policies for two starts sharing a coalescing key.
const (
	CollisionReject    = "reject"
	CollisionSupersede = "supersede"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon.
type RelayConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string
	// LedgerDSN is a SQLite path or a postgres:// URL; "-" disables the ledger.
	LedgerDSN    string
	LedgerAsync  bool
	AuthSecret   string
	AuthDisabled bool
	CatalogFile  string
	// Upstream provider configuration
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIOrg        string
	OllamaBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicVersion string
	GeminiAPIKey     string
	GeminiBaseURL    string
	// Model-first provider routing (pattern => provider) for provider "auto"
	ModelProviderRoutes []RouteRule
	FallbackProvider    string
	// Session gateway behaviour
	CollisionPolicy   string
	RateLimitBurst    float64
	RateLimitPerSec   float64
	UpstreamTimeout   time.Duration
	LoopbackEnabled   bool
	WSMaxMessageBytes int64
	// Lifecycle hooks run after every finished stream.
	Hooks hooks.Config
}

// RouteRule captures an ordered pattern => target mapping while preserving declaration order.
type RouteRule struct {
	Pattern string
	Target  string
}

// LoadRelayConfig reads the current environment and loads the matching relay config file.
// Precedence, lowest first: config/setting.ini, config/<env>/relay.ini, RELAY_* env vars.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		return firstNonEmpty(append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), merged[key]}, fallback...)...)
	}

	cfg := RelayConfig{
		Environment:      s.Environment,
		HTTPAddress:      get("http_address", ":8090"),
		LogFile:          get("log_file"),
		LogLevel:         strings.ToLower(get("log_level", "info")),
		LedgerDSN:        get("ledger_dsn", DefaultLedgerPath()),
		LedgerAsync:      parseBool(get("ledger_async")),
		AuthSecret:       get("auth_secret"),
		AuthDisabled:     parseOptionalBool(get("auth_disabled"), true),
		CatalogFile:      get("catalog_file"),
		OpenAIAPIKey:     get("openai_api_key"),
		OpenAIBaseURL:    get("openai_base_url", "https://api.openai.com/v1"),
		OpenAIOrg:        get("openai_org"),
		OllamaBaseURL:    get("ollama_base_url"),
		AnthropicAPIKey:  get("anthropic_api_key"),
		AnthropicBaseURL: get("anthropic_base_url", "https://api.anthropic.com"),
		AnthropicVersion: get("anthropic_version", "2023-06-01"),
		GeminiAPIKey:     get("gemini_api_key"),
		GeminiBaseURL:    get("gemini_base_url", "https://generativelanguage.googleapis.com"),
		FallbackProvider: get("fallback_provider"),
		CollisionPolicy:  strings.ToLower(get("collision_policy", CollisionReject)),
		LoopbackEnabled:  parseOptionalBool(get("loopback_enabled"), true),
	}
	cfg.ModelProviderRoutes = parseRouteList(get("model_provider_routes"))

	if cfg.RateLimitBurst, err = parseOptionalFloat(get("rate_limit_burst"), 10); err != nil {
		return RelayConfig{}, fmt.Errorf("invalid rate_limit_burst: %w", err)
	}
	if cfg.RateLimitPerSec, err = parseOptionalFloat(get("rate_limit_per_sec"), 2); err != nil {
		return RelayConfig{}, fmt.Errorf("invalid rate_limit_per_sec: %w", err)
	}
	if v := get("upstream_timeout", "5m"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid upstream_timeout %q: %w", v, err)
		}
		cfg.UpstreamTimeout = dur
	}
	cfg.WSMaxMessageBytes = int64(parseOptionalInt(get("ws_max_message_bytes"), 1<<20))

	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("hooks_enabled")),
		ScriptPath: get("hooks_script_path"),
		ScriptArgs: parseCSV(get("hooks_script_args")),
		Env:        parseMap(get("hooks_script_env")),
	}
	if v := get("hooks_timeout"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}

	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate rejects option combinations the daemon cannot run with.
func (c RelayConfig) Validate() error {
	switch c.CollisionPolicy {
	case CollisionReject, CollisionSupersede:
	default:
		return fmt.Errorf("invalid collision_policy %q (want %s or %s)", c.CollisionPolicy, CollisionReject, CollisionSupersede)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if !c.AuthDisabled && strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("auth_secret is required when auth is enabled")
	}
	if c.RateLimitBurst < 0 || c.RateLimitPerSec < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("invalid ws_max_message_bytes %d", c.WSMaxMessageBytes)
	}
	return c.Hooks.Validate()
}

// Debug reports whether debug logging is enabled.
func (c RelayConfig) Debug() bool {
	return c.LogLevel == "debug"
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseRouteList preserves ordering for pattern=>target rules (comma or newline separated).
//
//	gpt-*=>openai, claude-*=>anthropic, *llama*=ollama
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return rules
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	result := make(map[string]string)
	for _, entry := range parseCSV(input) {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".tokligence", "relay.db")
}
