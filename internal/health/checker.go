// Package health runs dependency probes for the /healthz endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that was health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, http, ...
	CheckResult
}

// Probe checks one dependency. A failing critical probe makes the whole relay
// unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Pinger is satisfied by ledger stores that can reach their database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks a database through p.
func DatabaseProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Type: "database", Critical: true, Check: p.Ping}
}

// HTTPProbe checks that baseURL answers at all; any HTTP status counts as reachable.
func HTTPProbe(name, baseURL string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{
		Name: name,
		Type: "http",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}

// Checker performs health checks on registered probes.
type Checker struct {
	mu         sync.RWMutex
	probes     []Probe
	components []Component

	timeout    time.Duration
	maxLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Timeout    time.Duration // per probe (default: 2s)
	MaxLatency time.Duration // slower probes are reported degraded (default: 500ms)
}

// New creates a new health checker.
func New(cfg Config, probes ...Probe) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 500 * time.Millisecond
	}
	return &Checker{
		probes:     probes,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Add registers another probe.
func (c *Checker) Add(p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Check runs all probes concurrently and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := append([]Probe(nil), c.probes...)
	c.mu.RUnlock()

	components := make([]Component, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return calculateOverallStatus(probes, components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{
		Name:        p.Name,
		Type:        p.Type,
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(probeCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil && p.Critical:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "OK"
	}
	return comp
}

func calculateOverallStatus(probes []Probe, components []Component) HealthStatus {
	overall := StatusHealthy
	for i, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if probes[i].Critical {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return calculateOverallStatus(c.probes[:len(c.components)], c.components)
}
