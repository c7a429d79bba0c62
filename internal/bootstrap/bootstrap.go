// Package bootstrap scaffolds a relay configuration tree that
// config.LoadRelayConfig can read.
package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root            string
	Environment     string
	HTTPAddress     string
	LedgerDSN       string
	CollisionPolicy string
	// AuthSecret enables token auth when set.
	AuthSecret    string
	OllamaBaseURL string
	Loopback      bool
	Force         bool
}

// Init writes config/setting.ini and config/<env>/relay.ini under Root.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	relayPath := filepath.Join(opts.Root, "config", opts.Environment, "relay.ini")
	if err := writeFile(relayPath, relayTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8090"
	}
	if strings.TrimSpace(opts.LedgerDSN) == "" {
		opts.LedgerDSN = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.CollisionPolicy) == "" {
		opts.CollisionPolicy = config.CollisionReject
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tokligence Relay settings
environment=%s
log_level=info
`, opts.Environment)
}

func relayTemplate(opts InitOptions) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Environment specific overrides for %s\n", opts.Environment)
	fmt.Fprintf(&sb, "http_address=%s\n", opts.HTTPAddress)
	sb.WriteString("# Dash '-' disables file output.\n")
	sb.WriteString("log_file=logs/relayd.log\n")
	fmt.Fprintf(&sb, "ledger_dsn=%s\n", opts.LedgerDSN)
	fmt.Fprintf(&sb, "collision_policy=%s\n", opts.CollisionPolicy)
	fmt.Fprintf(&sb, "loopback_enabled=%t\n", opts.Loopback)
	if opts.AuthSecret != "" {
		sb.WriteString("auth_disabled=false\n")
		fmt.Fprintf(&sb, "auth_secret=%s\n", opts.AuthSecret)
	} else {
		sb.WriteString("auth_disabled=true\n")
	}
	if opts.OllamaBaseURL != "" {
		fmt.Fprintf(&sb, "ollama_base_url=%s\n", opts.OllamaBaseURL)
	}
	sb.WriteString("# Provider \"auto\" routes, pattern=provider pairs separated by commas.\n")
	sb.WriteString("model_provider_routes=gpt-*=>openai,claude*=>anthropic,gemini*=>gemini,echo*=>loopback\n")
	return sb.String()
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if _, _, err := net.SplitHostPort(opts.HTTPAddress); err != nil {
		return fmt.Errorf("invalid http address %q: %w", opts.HTTPAddress, err)
	}
	switch opts.CollisionPolicy {
	case config.CollisionReject, config.CollisionSupersede:
	default:
		return errors.New("collision policy must be reject or supersede")
	}
	if strings.ContainsAny(opts.AuthSecret, "\r\n") {
		return errors.New("auth secret must be a single line")
	}
	return nil
}
