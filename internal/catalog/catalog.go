// Package catalog is the read-only provider/model lookup used to resolve where
// a chat request goes. Providers come from a YAML file and from configuration.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/adapter/router"
)

var (
	// ErrUnknownProvider means no provider with that name is configured.
	ErrUnknownProvider = errors.New("catalog: unknown provider")
	// ErrModelNotAllowed means the provider exists but does not serve the model.
	ErrModelNotAllowed = errors.New("catalog: model not allowed")
)

// Provider describes one upstream.
type Provider struct {
	Name    string `yaml:"name"`
	Wire    string `yaml:"wire"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// Models are accepted model patterns; empty accepts any model.
	Models []string `yaml:"models,omitempty"`
	// Aliases rewrite a requested model before it is sent upstream.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// Info is the public view of a provider; it never carries credentials.
type Info struct {
	Name    string   `json:"name"`
	Wire    string   `json:"wire"`
	BaseURL string   `json:"base_url"`
	Models  []string `json:"models,omitempty"`
	HasKey  bool     `json:"has_key"`
}

type file struct {
	Providers []Provider `yaml:"providers"`
}

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// Catalog holds providers keyed by lower-cased name.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]Provider
	source    string
	logger    Logger
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{providers: make(map[string]Provider)}
}

// SetLogger sets an optional logger for warnings.
func (c *Catalog) SetLogger(l Logger) {
	c.logger = l
}

// Add registers or replaces a provider.
func (c *Catalog) Add(p Provider) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Wire = strings.ToLower(strings.TrimSpace(p.Wire))
	if p.Name == "" {
		return errors.New("catalog: provider name required")
	}
	if p.Wire == "" {
		return fmt.Errorf("catalog: provider %q: wire required", p.Name)
	}
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("catalog: provider %q: base_url required", p.Name)
	}
	if p.APIKey == "" && p.APIKeyEnv != "" {
		p.APIKey = os.Getenv(p.APIKeyEnv)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[strings.ToLower(p.Name)] = p
	return nil
}

// Load reads providers from a YAML file and adds them; returns the number loaded.
func (c *Catalog) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("catalog: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return 0, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	n := 0
	for _, p := range f.Providers {
		if err := c.Add(p); err != nil {
			if c.logger != nil {
				c.logger.Printf("catalog: skipping provider from %s: %v", path, err)
			}
			continue
		}
		n++
	}
	c.mu.Lock()
	c.source = path
	c.mu.Unlock()
	return n, nil
}

// Lookup resolves a provider and model to an upstream target.
func (c *Catalog) Lookup(ctx context.Context, provider, model string) (adapter.Target, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Target{}, err
	}
	c.mu.RLock()
	p, ok := c.providers[strings.ToLower(strings.TrimSpace(provider))]
	c.mu.RUnlock()
	if !ok {
		return adapter.Target{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	model = strings.TrimSpace(model)
	if alias, ok := p.Aliases[model]; ok {
		model = alias
	}
	if !p.allows(model) {
		return adapter.Target{}, fmt.Errorf("%w: %q on %s", ErrModelNotAllowed, model, p.Name)
	}
	return adapter.Target{
		Provider: p.Name,
		Wire:     p.Wire,
		BaseURL:  p.BaseURL,
		APIKey:   p.APIKey,
		Model:    model,
	}, nil
}

func (p Provider) allows(model string) bool {
	if model == "" {
		return false
	}
	if len(p.Models) == 0 {
		return true
	}
	for _, pattern := range p.Models {
		if router.MatchPattern(model, pattern) {
			return true
		}
	}
	return false
}

// List returns the public view of all providers sorted by name.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, Info{
			Name:    p.Name,
			Wire:    p.Wire,
			BaseURL: p.BaseURL,
			Models:  append([]string(nil), p.Models...),
			HasKey:  p.APIKey != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Source reports the last file loaded, if any.
func (c *Catalog) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}
