package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/healthz", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":  string(health.StatusHealthy),
		"time":    timeNowUTC(),
		"version": version.Version,
	}
	status := http.StatusOK
	if s.health != nil {
		result := s.health.Check(r.Context())
		payload["status"] = string(result.Status)
		payload["components"] = result.Components
		if result.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if s.routes != nil {
		payload["strategies"] = s.routes.ListStrategies()
	}
	s.respondJSON(w, status, payload)
}
