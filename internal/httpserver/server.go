package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-relay/internal/catalog"
	"github.com/tokligence/tokligence-relay/internal/gateway"
	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/ledger"
	"github.com/tokligence/tokligence-relay/internal/metrics"
)

// DefaultEndpointKeys are mounted when Config.EndpointKeys is empty.
var DefaultEndpointKeys = []string{"relay", "health", "metrics", "admin", "loopback"}

const defaultMaxMessageBytes = 1 << 20

// Relay serves one client connection.
type Relay interface {
	Serve(ctx context.Context, t gateway.Transport) error
}

// ProviderLister exposes the catalog without credentials.
type ProviderLister interface {
	List() []catalog.Info
}

// RouteLister exposes registered strategies and model routes.
type RouteLister interface {
	ListStrategies() []string
	ListRoutes() map[string]string
}

// UsageReader is the read side of the usage ledger.
type UsageReader interface {
	Summary(ctx context.Context, userID string) (ledger.Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// Config wires a Server. Relay is required; everything else is optional and
// its endpoints answer 503 when missing.
type Config struct {
	Relay     Relay
	Providers ProviderLister
	Routes    RouteLister
	Usage     UsageReader
	Metrics   *metrics.Collector
	Health    *health.Checker
	// Loopback is the in-process fake upstream; nil leaves /loopback unmounted.
	Loopback http.Handler

	EndpointKeys    []string
	MaxMessageBytes int64
	Logger          *log.Logger
	LogLevel        string
}

// Server exposes the relay WebSocket and its admin endpoints.
type Server struct {
	relay     Relay
	providers ProviderLister
	routes    RouteLister
	usage     UsageReader
	metrics   *metrics.Collector
	health    *health.Checker
	loopback  http.Handler

	endpointKeys    []string
	maxMessageBytes int64
	upgrader        websocket.Upgrader
	logger          *log.Logger
	logLevel        string

	// ctx ends every open relay session on Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("httpserver: relay required")
	}
	s := &Server{
		relay:           cfg.Relay,
		providers:       cfg.Providers,
		routes:          cfg.Routes,
		usage:           cfg.Usage,
		metrics:         cfg.Metrics,
		health:          cfg.Health,
		loopback:        cfg.Loopback,
		endpointKeys:    normalizeEndpointKeys(cfg.EndpointKeys, DefaultEndpointKeys),
		maxMessageBytes: cfg.MaxMessageBytes,
		logger:          cfg.Logger,
		logLevel:        strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close ends every open relay session. http.Server.Shutdown does not wait
// for hijacked connections, so call this alongside it.
func (s *Server) Close() {
	s.cancel()
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpointKeys(r, s.endpointKeys...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	var endpoints []protocol.Endpoint
	for _, key := range keys {
		if ep := s.endpointByKey(key); ep != nil {
			endpoints = append(endpoints, ep)
		} else if s.isDebug() {
			s.debugf("endpoint %s unavailable, skipping registration", key)
		}
	}
	s.registerEndpoints(r, endpoints...)
	return len(endpoints)
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "relay", "ws":
		return newRelayEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	case "metrics":
		return newMetricsEndpoint(s)
	case "admin":
		return newAdminEndpoint(s)
	case "loopback":
		if s.loopback == nil {
			return nil
		}
		return newLoopbackEndpoint(s)
	default:
		return nil
	}
}

func normalizeEndpointKeys(list []string, defaults []string) []string {
	if len(list) == 0 {
		list = defaults
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, key := range list {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func timeNowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
