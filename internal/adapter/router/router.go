package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-relay/internal/adapter"
)

// Router is the strategy registry. It maps wire names to strategies and,
// for requests that name provider "auto", model patterns to provider names.
type Router struct {
	mu         sync.RWMutex
	strategies map[string]adapter.Strategy
	routes     []route // declaration order; first match wins
	fallback   string
}

type route struct {
	pattern  string
	provider string
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		strategies: make(map[string]adapter.Strategy),
	}
}

// RegisterStrategy registers s under its wire name.
func (r *Router) RegisterStrategy(s adapter.Strategy) error {
	if s == nil {
		return errors.New("router: strategy cannot be nil")
	}
	name := strings.ToLower(strings.TrimSpace(s.Name()))
	if name == "" {
		return errors.New("router: strategy name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("router: strategy %q already registered", name)
	}
	r.strategies[name] = s
	return nil
}

// Strategy returns the strategy registered for a wire name.
func (r *Router) Strategy(wire string) (adapter.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[strings.ToLower(strings.TrimSpace(wire))]
	if !ok {
		return nil, fmt.Errorf("router: no strategy for wire %q", wire)
	}
	return s, nil
}

// RegisterRoute maps a model pattern to a provider name.
// Model patterns support:
// - Exact match: "gpt-4"
// - Prefix match: "gpt-*" (matches gpt-4, gpt-3.5-turbo, etc.)
// - Suffix match: "*-turbo" (matches gpt-3.5-turbo, etc.)
// - Contains match: "*llama*"
func (r *Router) RegisterRoute(modelPattern, provider string) error {
	modelPattern = strings.TrimSpace(modelPattern)
	provider = strings.TrimSpace(provider)
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if provider == "" {
		return errors.New("router: provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.routes {
		if strings.EqualFold(r.routes[i].pattern, modelPattern) {
			r.routes[i].provider = provider
			return nil
		}
	}
	r.routes = append(r.routes, route{pattern: modelPattern, provider: provider})
	return nil
}

// SetFallback sets the provider used when no route matches.
func (r *Router) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = strings.TrimSpace(provider)
}

// ProviderForModel resolves a provider for a model. Exact routes win over patterns.
func (r *Router) ProviderForModel(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return "", errors.New("router: model name required")
	}

	for _, rt := range r.routes {
		if strings.EqualFold(rt.pattern, model) {
			return rt.provider, nil
		}
	}
	for _, rt := range r.routes {
		if MatchPattern(model, rt.pattern) {
			return rt.provider, nil
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("router: no provider found for model %q", model)
}

// MatchPattern checks if a model matches a pattern.
// Supports:
// - Exact match: "gpt-4"
// - Prefix match: "gpt-*"
// - Suffix match: "*-turbo"
// - Contains match: "*3.5*"
func MatchPattern(model, pattern string) bool {
	model = strings.ToLower(model)
	pattern = strings.ToLower(pattern)

	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if pattern == "*" {
		return true
	}

	// Prefix match: "gpt-*"
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}

	// Suffix match: "*-turbo"
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}

	// Contains match: "*3.5*"
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}

	return false
}

// ListStrategies returns registered wire names, sorted.
func (r *Router) ListStrategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRoutes returns all registered routes.
func (r *Router) ListRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]string, len(r.routes))
	for _, rt := range r.routes {
		routes[rt.pattern] = rt.provider
	}
	return routes
}
