// Package gateway multiplexes chat operations over a single client connection.
//
// Each connection is served by one session: a read loop that decodes inbound
// messages, one goroutine per chat operation, and a single writer that
// serializes outbound envelopes. Operations are cancellable through the shared
// abort registry.
package gateway

import (
	"context"
	"errors"
	"io"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/abort"
	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/auth"
	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/ledger"
	"github.com/tokligence/tokligence-relay/internal/logging"
	"github.com/tokligence/tokligence-relay/internal/metrics"
)

// Collision policies for two starts sharing a coalescing key.
const (
	PolicyReject    = "reject"
	PolicySupersede = "supersede"
)

// ProviderAuto asks the router to pick the provider from the model name.
const ProviderAuto = "auto"

// Transport is one bidirectional client connection. ReadMessage is only
// called from the session read loop and WriteEnvelope only from its writer.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteEnvelope(env envelope.Envelope) error
}

// Streamer opens a normalized upstream stream.
type Streamer interface {
	Stream(ctx context.Context, s adapter.Strategy, target adapter.Target, req envelope.ChatRequest) iter.Seq2[envelope.Chunk, error]
}

// Catalog resolves a provider/model pair to an upstream target.
type Catalog interface {
	Lookup(ctx context.Context, provider, model string) (adapter.Target, error)
}

// Router selects wire strategies and resolves provider "auto".
type Router interface {
	Strategy(wire string) (adapter.Strategy, error)
	ProviderForModel(model string) (string, error)
}

// Limiter throttles operation starts per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, time.Duration)
}

// Recorder persists one usage entry per finished operation.
type Recorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// Config wires a Gateway. Upstream, Catalog, Router and Aborts are required.
type Config struct {
	Upstream Streamer
	Catalog  Catalog
	Router   Router
	Aborts   abort.Registry

	Auth    auth.Resolver
	Limiter Limiter
	Ledger  Recorder
	Metrics *metrics.Collector
	Hooks   *hooks.Dispatcher

	CollisionPolicy string
	Logger          *log.Logger
	Debug           bool

	// NewID generates request ids when the client supplies none.
	NewID func() string
}

// Gateway is shared by every connection.
type Gateway struct {
	upstream Streamer
	catalog  Catalog
	router   Router
	aborts   abort.Registry
	auth     auth.Resolver
	limiter  Limiter
	ledger   Recorder
	metrics  *metrics.Collector
	hooks    *hooks.Dispatcher
	policy   string
	logger   *log.Logger
	debugf   logging.Debugf
	newID    func() string
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("gateway: upstream streamer required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("gateway: catalog required")
	}
	if cfg.Router == nil {
		return nil, errors.New("gateway: router required")
	}
	if cfg.Aborts == nil {
		return nil, errors.New("gateway: abort registry required")
	}
	policy := strings.ToLower(strings.TrimSpace(cfg.CollisionPolicy))
	switch policy {
	case "":
		policy = PolicyReject
	case PolicyReject, PolicySupersede:
	default:
		return nil, errors.New("gateway: unknown collision policy " + cfg.CollisionPolicy)
	}
	g := &Gateway{
		upstream: cfg.Upstream,
		catalog:  cfg.Catalog,
		router:   cfg.Router,
		aborts:   cfg.Aborts,
		auth:     cfg.Auth,
		limiter:  cfg.Limiter,
		ledger:   cfg.Ledger,
		metrics:  cfg.Metrics,
		hooks:    cfg.Hooks,
		policy:   policy,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
	}
	if g.auth == nil {
		g.auth = auth.Trusting{}
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}
	if g.logger == nil {
		g.logger = log.New(io.Discard, "", 0)
	}
	g.debugf = logging.NewDebugf(g.logger, cfg.Debug)
	if g.newID == nil {
		g.newID = uuid.NewString
	}
	return g, nil
}

// Metrics exposes the collector the gateway reports to.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Serve runs one session until the transport fails or ctx ends. Every
// operation started on the connection is cancelled and awaited before Serve
// returns. A clean close (io.EOF or cancellation) returns nil.
func (g *Gateway) Serve(ctx context.Context, t Transport) error {
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	s := newSession(ctx, g, t)
	err := s.run()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
