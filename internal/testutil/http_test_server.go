// Package testutil holds helpers shared by package tests: fake upstream
// providers and relay endpoints served on 127.0.0.1.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// IPv4Server is a real HTTP server on the IPv4 loopback. Unlike httptest it
// never binds ::1, which some CI sandboxes lack. It supports hijacking, so
// WebSocket handlers can be mounted on it.
type IPv4Server struct {
	// URL is http://127.0.0.1:<port> with no trailing slash.
	URL string

	srv       *http.Server
	transport *http.Transport
	client    *http.Client
	closeOnce sync.Once
}

// NewIPv4Server serves handler until Close or the end of the test. The test
// is skipped when tcp4 loopback is unavailable.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 loopback unavailable: %v", err)
	}
	transport := &http.Transport{DisableCompression: true}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		srv:       &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("test server on %s: %v", s.URL, err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client talks to the server over a private transport, so idle connections
// die with the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// WebSocketURL returns the ws:// address of path on the server.
func (s *IPv4Server) WebSocketURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

// Close is safe to call more than once. Hijacked connections are not
// tracked by Shutdown, so WebSocket sessions must be ended by their handler.
func (s *IPv4Server) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
		s.transport.CloseIdleConnections()
	})
}
