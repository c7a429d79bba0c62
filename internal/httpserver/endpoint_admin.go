package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/metrics"
)

const (
	defaultUsageLimit = 20
	maxUsageLimit     = 500
)

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.handleMetrics)},
	}
}

type adminEndpoint struct {
	server *Server
}

func newAdminEndpoint(server *Server) protocol.Endpoint {
	return &adminEndpoint{server: server}
}

func (e *adminEndpoint) Name() string { return "admin" }

func (e *adminEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/v1/providers", Handler: http.HandlerFunc(e.server.handleProviders)},
		{Method: http.MethodGet, Path: "/v1/usage/{userID}", Handler: http.HandlerFunc(e.server.handleUsage)},
	}
}

type loopbackEndpoint struct {
	server *Server
}

func newLoopbackEndpoint(server *Server) protocol.Endpoint {
	return &loopbackEndpoint{server: server}
}

func (e *loopbackEndpoint) Name() string { return "loopback" }

func (e *loopbackEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/loopback/*", Handler: e.server.loopback},
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("catalog unavailable"))
		return
	}
	payload := map[string]any{"providers": s.providers.List()}
	if s.routes != nil {
		payload["strategies"] = s.routes.ListStrategies()
		payload["routes"] = s.routes.ListRoutes()
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("usage ledger disabled"))
		return
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user id required"))
		return
	}
	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxUsageLimit)
	}

	summary, err := s.usage.Summary(r.Context(), userID)
	if err != nil {
		s.logger.Printf("usage summary for %s: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("usage lookup failed"))
		return
	}
	recent, err := s.usage.ListRecent(r.Context(), userID, limit)
	if err != nil {
		s.logger.Printf("usage entries for %s: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("usage lookup failed"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"summary": summary,
		"recent":  recent,
	})
}
