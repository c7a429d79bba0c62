package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/tokligence-relay/internal/abort"
	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/adapter/loopback"
	"github.com/tokligence/tokligence-relay/internal/adapter/ollama"
	"github.com/tokligence/tokligence-relay/internal/adapter/openai"
	"github.com/tokligence/tokligence-relay/internal/adapter/router"
	"github.com/tokligence/tokligence-relay/internal/auth"
	"github.com/tokligence/tokligence-relay/internal/catalog"
	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/ledger"
	"github.com/tokligence/tokligence-relay/internal/testutil"
	"github.com/tokligence/tokligence-relay/internal/upstream"
)

const waitFor = 3 * time.Second

// fakeTransport feeds raw messages in and captures envelopes out.
type fakeTransport struct {
	in      chan []byte
	out     chan envelope.Envelope
	pending []envelope.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte), out: make(chan envelope.Envelope, 64)}
}

func (f *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteEnvelope(env envelope.Envelope) error {
	f.out <- env
	return nil
}

func (f *fakeTransport) send(t *testing.T, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.sendRaw(t, raw)
}

func (f *fakeTransport) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	select {
	case f.in <- raw:
	case <-time.After(waitFor):
		t.Fatal("timed out delivering message")
	}
}

func (f *fakeTransport) next(t *testing.T) envelope.Envelope {
	t.Helper()
	if len(f.pending) > 0 {
		env := f.pending[0]
		f.pending = f.pending[1:]
		return env
	}
	select {
	case env := <-f.out:
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for envelope")
		return envelope.Envelope{}
	}
}

// collect returns every envelope for id up to and including its terminal one.
// Envelopes for other ids are kept for later calls.
func (f *fakeTransport) collect(t *testing.T, id string) []envelope.Envelope {
	t.Helper()
	var got, other []envelope.Envelope
	defer func() { f.pending = append(other, f.pending...) }()
	for {
		env := f.next(t)
		if env.RequestID != id {
			other = append(other, env)
			continue
		}
		got = append(got, env)
		if env.Terminal() {
			return got
		}
	}
}

// scripted yields its chunks, then optionally holds until cancelled.
type scripted struct {
	chunks []envelope.Chunk
	err    error
	hold   bool
	// endless keeps yielding deltas until cancelled.
	endless bool

	mu   sync.Mutex
	reqs []envelope.ChatRequest
}

func (s *scripted) Stream(ctx context.Context, _ adapter.Strategy, _ adapter.Target, req envelope.ChatRequest) iter.Seq2[envelope.Chunk, error] {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return func(yield func(envelope.Chunk, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		for s.endless {
			if ctx.Err() != nil {
				yield(envelope.Chunk{}, ctx.Err())
				return
			}
			if !yield(envelope.Delta("assistant", "x"), nil) {
				return
			}
		}
		if s.hold {
			<-ctx.Done()
			yield(envelope.Chunk{}, ctx.Err())
			return
		}
		if s.err != nil {
			yield(envelope.Chunk{}, s.err)
		}
	}
}

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memLedger) Record(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLedger) all() []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries...)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, time.Duration) { return false, time.Second }

type harness struct {
	gw     *Gateway
	tr     *fakeTransport
	aborts *abort.Memory
	ledger *memLedger
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func newRouter(t *testing.T) *router.Router {
	t.Helper()
	r := router.New()
	if err := r.RegisterStrategy(openai.New(openai.Config{})); err != nil {
		t.Fatalf("register openai: %v", err)
	}
	if err := r.RegisterStrategy(ollama.New()); err != nil {
		t.Fatalf("register ollama: %v", err)
	}
	if err := r.RegisterRoute("echo*", "loop"); err != nil {
		t.Fatalf("register route: %v", err)
	}
	return r
}

func newCatalog(t *testing.T, baseURL string) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	for _, p := range []catalog.Provider{
		{Name: "loop", Wire: openai.WireName, BaseURL: baseURL + "/v1"},
		{Name: "local", Wire: ollama.WireName, BaseURL: baseURL},
	} {
		if err := c.Add(p); err != nil {
			t.Fatalf("add %s: %v", p.Name, err)
		}
	}
	return c
}

// start serves one fake connection; cfg fields left nil get test defaults.
func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{tr: newFakeTransport(), ledger: &memLedger{}, done: make(chan struct{})}
	if cfg.Upstream == nil {
		cfg.Upstream = &scripted{}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = newCatalog(t, "http://127.0.0.1:1")
	}
	if cfg.Router == nil {
		cfg.Router = newRouter(t)
	}
	if cfg.Aborts == nil {
		cfg.Aborts = abort.NewMemory()
	}
	h.aborts, _ = cfg.Aborts.(*abort.Memory)
	if cfg.Ledger == nil {
		cfg.Ledger = h.ledger
	}
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.gw = gw
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.err = gw.Serve(ctx, h.tr)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("Serve did not return")
		}
	})
	return h
}

func chatStart(id, session, provider, model, text string) map[string]any {
	msg := map[string]any{
		"route":           envelope.RouteChatStream,
		"provider":        provider,
		"model":           model,
		"instructions":    text,
		"userId":          "u1",
		"clientRequestId": id,
	}
	if session != "" {
		msg["sessionId"] = session
	}
	return msg
}

func stopMsg(id, target string) map[string]any {
	return map[string]any{"route": envelope.RouteChatStop, "targetRequestId": target, "clientRequestId": id}
}

func errorKind(t *testing.T, env envelope.Envelope) envelope.ErrorKind {
	t.Helper()
	if env.Type != envelope.EventError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	return env.Payload.(envelope.ErrorPayload).Kind
}

func joinFrames(envs []envelope.Envelope) string {
	var sb strings.Builder
	for _, env := range envs {
		if env.Type == envelope.EventFrame {
			sb.WriteString(env.Payload.(envelope.Chunk).Text)
		}
	}
	return sb.String()
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	_, err := New(Config{
		Upstream:        &scripted{},
		Catalog:         catalog.New(),
		Router:          router.New(),
		Aborts:          abort.NewMemory(),
		CollisionPolicy: "queue",
	})
	if err == nil {
		t.Fatal("expected error for unknown collision policy")
	}
}

func TestChatStreamThroughLoopback(t *testing.T) {
	srv := testutil.NewIPv4Server(t, loopback.New())
	defer srv.Close()

	h := start(t, Config{
		Upstream: upstream.New(upstream.WithHTTPClient(srv.Client())),
		Catalog:  newCatalog(t, srv.URL),
	})
	h.tr.send(t, chatStart("r1", "", "loop", "echo-1", "hello there world"))

	envs := h.tr.collect(t, "r1")
	if envs[0].Type != envelope.EventBegin {
		t.Fatalf("first envelope %s, want begin", envs[0].Type)
	}
	begin := envs[0].Payload.(envelope.BeginPayload)
	if begin.Provider != "loop" || begin.Model != "echo-1" || begin.Route != envelope.RouteChatStream {
		t.Fatalf("unexpected begin %+v", begin)
	}
	if got := joinFrames(envs); got != "[loopback] hello there world" {
		t.Fatalf("frames joined to %q", got)
	}
	last := envs[len(envs)-1]
	if last.Type != envelope.EventEnd {
		t.Fatalf("terminal %s, want end", last.Type)
	}
	final := last.Payload.(envelope.Chunk)
	if !final.IsFinal() || final.FinishReason != "stop" || final.Usage == nil {
		t.Fatalf("unexpected final %+v", final)
	}

	// The ledger entry is written right after the terminal envelope.
	deadline := time.Now().Add(waitFor)
	for len(h.ledger.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	entries := h.ledger.all()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if e := entries[0]; e.Status != ledger.StatusCompleted || e.UserID != "u1" || e.RequestID != "r1" || e.CompletionTokens == 0 {
		t.Fatalf("unexpected ledger entry %+v", e)
	}
}

func TestObjectPerLineProvider(t *testing.T) {
	srv := testutil.NewIPv4Server(t, loopback.New())
	defer srv.Close()

	h := start(t, Config{
		Upstream: upstream.New(upstream.WithHTTPClient(srv.Client())),
		Catalog:  newCatalog(t, srv.URL),
	})
	h.tr.send(t, chatStart("r1", "", "local", "llama", "one two"))
	envs := h.tr.collect(t, "r1")
	if got := joinFrames(envs); got != "[loopback] one two" {
		t.Fatalf("frames joined to %q", got)
	}
	if envs[len(envs)-1].Type != envelope.EventEnd {
		t.Fatalf("terminal %s, want end", envs[len(envs)-1].Type)
	}
}

func TestProviderAutoUsesModelRoutes(t *testing.T) {
	up := &scripted{chunks: []envelope.Chunk{envelope.Final("stop", "", nil)}}
	h := start(t, Config{Upstream: up})
	h.tr.send(t, chatStart("r1", "", "auto", "echo-mini", "hi"))
	envs := h.tr.collect(t, "r1")
	if begin := envs[0].Payload.(envelope.BeginPayload); begin.Provider != "loop" {
		t.Fatalf("auto resolved to %q, want loop", begin.Provider)
	}

	h.tr.send(t, chatStart("r2", "", "auto", "gpt-4o", "hi"))
	if kind := errorKind(t, h.tr.collect(t, "r2")[0]); kind != envelope.KindUnknownProvider {
		t.Fatalf("kind %s, want unknown_provider", kind)
	}
}

func TestRejectedStarts(t *testing.T) {
	h := start(t, Config{})
	tests := []struct {
		name string
		raw  string
		want envelope.ErrorKind
	}{
		{"not json", `hello`, envelope.KindInvalidStartPayload},
		{"unknown route", `{"route":"chat.summarize","clientRequestId":"x"}`, envelope.KindUnsupportedRoute},
		{"missing model", `{"route":"chat.stream","provider":"loop","instructions":"hi","clientRequestId":"x"}`, envelope.KindInvalidStartPayload},
		{"missing content", `{"route":"chat.stream","provider":"loop","model":"m","clientRequestId":"x"}`, envelope.KindInvalidStartPayload},
		{"stop without target", `{"route":"chat.stop","clientRequestId":"x"}`, envelope.KindInvalidStartPayload},
		{"unknown provider", `{"route":"chat.stream","provider":"nope","model":"m","instructions":"hi","clientRequestId":"x"}`, envelope.KindUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.tr.sendRaw(t, []byte(tt.raw))
			env := h.tr.next(t)
			if env.RequestID == "" {
				t.Fatal("error envelope without request id")
			}
			if kind := errorKind(t, env); kind != tt.want {
				t.Fatalf("kind %s, want %s", kind, tt.want)
			}
		})
	}
	if h.aborts.Len() != 0 {
		t.Fatalf("rejected starts left %d registrations", h.aborts.Len())
	}
}

func TestInvalidPayloadReportsShape(t *testing.T) {
	h := start(t, Config{})
	h.tr.sendRaw(t, []byte(`{"route":"chat.stream","clientRequestId":"bad"}`))
	env := h.tr.next(t)
	p := env.Payload.(envelope.ErrorPayload)
	if p.Expected != envelope.ChatStartShape {
		t.Fatalf("expected shape %q", p.Expected)
	}
	if env.RequestID != "bad" {
		t.Fatalf("request id %q, want bad", env.RequestID)
	}
}

func TestStopUnknownRequest(t *testing.T) {
	h := start(t, Config{})
	h.tr.send(t, stopMsg("s1", "does-not-exist"))
	env := h.tr.next(t)
	if env.RequestID != "s1" {
		t.Fatalf("request id %q, want s1", env.RequestID)
	}
	if kind := errorKind(t, env); kind != envelope.KindNotFound {
		t.Fatalf("kind %s, want not_found", kind)
	}

	// The connection keeps serving.
	h.tr.send(t, stopMsg("s2", "still-missing"))
	if kind := errorKind(t, h.tr.next(t)); kind != envelope.KindNotFound {
		t.Fatalf("kind %s, want not_found", kind)
	}
}

func TestStopCancelsRunningOperation(t *testing.T) {
	h := start(t, Config{Upstream: &scripted{endless: true}})
	h.tr.send(t, chatStart("r1", "", "loop", "m", "go"))
	if env := h.tr.next(t); env.Type != envelope.EventBegin {
		t.Fatalf("first envelope %s, want begin", env.Type)
	}

	go func() {
		raw, _ := json.Marshal(stopMsg("s1", "r1"))
		h.tr.in <- raw
	}()

	acked, terminated := false, false
	for !acked || !terminated {
		env := h.tr.next(t)
		switch {
		case env.RequestID == "s1":
			if env.Type != envelope.EventCancelAck {
				t.Fatalf("stop answered with %s", env.Type)
			}
			if env.Payload.(envelope.CancelAckPayload).TargetRequestID != "r1" {
				t.Fatalf("unexpected ack %+v", env.Payload)
			}
			acked = true
		case env.Type == envelope.EventFrame:
			if acked || terminated {
				t.Fatal("frame delivered after cancellation")
			}
		default:
			if kind := errorKind(t, env); kind != envelope.KindCancelled {
				t.Fatalf("kind %s, want cancelled", kind)
			}
			terminated = true
		}
	}
	waitRegistrations(t, h.aborts, 0)
}

func TestCoalescingReject(t *testing.T) {
	h := start(t, Config{Upstream: &scripted{hold: true}})
	h.tr.send(t, chatStart("a", "s1", "loop", "m", "first"))
	if env := h.tr.next(t); env.Type != envelope.EventBegin || env.RequestID != "a" {
		t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
	}

	h.tr.send(t, chatStart("b", "s1", "loop", "m", "second"))
	if kind := errorKind(t, h.tr.collect(t, "b")[0]); kind != envelope.KindAlreadyRunning {
		t.Fatalf("kind %s, want already_running", kind)
	}

	// A different session key is independent.
	h.tr.send(t, chatStart("c", "s2", "loop", "m", "third"))
	if env := h.tr.collect(t, "c")[0]; env.Type != envelope.EventBegin {
		t.Fatalf("unexpected %s for c", env.Type)
	}

	h.tr.send(t, stopMsg("stop-a", "a"))
	if kind := errorKind(t, h.tr.collect(t, "a")[0]); kind != envelope.KindCancelled {
		t.Fatalf("kind %s, want cancelled", kind)
	}
	if env := h.tr.collect(t, "stop-a")[0]; env.Type != envelope.EventCancelAck {
		t.Fatalf("stop answered with %s", env.Type)
	}

	// Once a has finished the key is free again.
	h.tr.send(t, chatStart("d", "s1", "loop", "m", "fourth"))
	if env := h.tr.collect(t, "d")[0]; env.Type != envelope.EventBegin {
		t.Fatalf("unexpected %s for d", env.Type)
	}
}

func TestCoalescingSupersede(t *testing.T) {
	h := start(t, Config{Upstream: &scripted{hold: true}, CollisionPolicy: PolicySupersede})
	h.tr.send(t, chatStart("a", "s1", "loop", "m", "first"))
	if env := h.tr.next(t); env.Type != envelope.EventBegin || env.RequestID != "a" {
		t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
	}

	h.tr.send(t, chatStart("b", "s1", "loop", "m", "second"))
	// The superseded operation terminates before the new one begins.
	env := h.tr.next(t)
	if env.RequestID != "a" {
		t.Fatalf("got %s for %s, want a's terminal first", env.Type, env.RequestID)
	}
	if kind := errorKind(t, env); kind != envelope.KindCancelled {
		t.Fatalf("kind %s, want cancelled", kind)
	}
	if env := h.tr.next(t); env.Type != envelope.EventBegin || env.RequestID != "b" {
		t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
	}
	waitRegistrations(t, h.aborts, 1)
}

func TestSupersedeDoesNotWaitForHooks(t *testing.T) {
	hookRelease := make(chan struct{})
	d := &hooks.Dispatcher{}
	d.Register(func(ctx context.Context, _ hooks.Event) error {
		select {
		case <-hookRelease:
		case <-ctx.Done():
		}
		return nil
	})
	h := start(t, Config{Upstream: &scripted{hold: true}, CollisionPolicy: PolicySupersede, Hooks: d})
	var once sync.Once
	release := func() { once.Do(func() { close(hookRelease) }) }
	t.Cleanup(release)

	h.tr.send(t, chatStart("a", "s1", "loop", "m", "first"))
	if env := h.tr.next(t); env.Type != envelope.EventBegin {
		t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
	}
	started := time.Now()
	h.tr.send(t, chatStart("b", "s1", "loop", "m", "second"))
	if env := h.tr.next(t); env.RequestID != "a" || !env.Terminal() {
		t.Fatalf("got %s for %s, want a's terminal", env.Type, env.RequestID)
	}
	if env := h.tr.next(t); env.Type != envelope.EventBegin || env.RequestID != "b" {
		t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
	}
	// a's hook is still blocked, so b began without waiting for it.
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("supersede took %s while a hook was running", elapsed)
	}
	release()
}

func TestDuplicateClientRequestID(t *testing.T) {
	aborts := abort.NewMemory()
	if err := aborts.Register("taken", func() {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h := start(t, Config{Aborts: aborts})
	h.tr.send(t, chatStart("taken", "", "loop", "m", "hi"))
	if kind := errorKind(t, h.tr.next(t)); kind != envelope.KindAlreadyRunning {
		t.Fatalf("kind %s, want already_running", kind)
	}
}

func TestUpstreamHTTPErrorIsIsolated(t *testing.T) {
	srv := testutil.NewIPv4Server(t, loopback.New())
	defer srv.Close()

	h := start(t, Config{
		Upstream: upstream.New(upstream.WithHTTPClient(srv.Client())),
		Catalog:  newCatalog(t, srv.URL),
	})
	h.tr.send(t, chatStart("bad", "s1", "loop", loopback.FailModelPrefix+"-model", "hi"))
	h.tr.send(t, chatStart("good", "s2", "loop", "echo", "still here"))

	bad := h.tr.collect(t, "bad")
	last := bad[len(bad)-1]
	if kind := errorKind(t, last); kind != envelope.KindUpstreamHTTP {
		t.Fatalf("kind %s, want upstream_http", kind)
	}
	if p := last.Payload.(envelope.ErrorPayload); p.Status != 502 || p.Body == "" {
		t.Fatalf("unexpected payload %+v", p)
	}

	good := h.tr.collect(t, "good")
	if good[len(good)-1].Type != envelope.EventEnd {
		t.Fatalf("healthy operation ended with %s", good[len(good)-1].Type)
	}
	if got := joinFrames(good); got != "[loopback] still here" {
		t.Fatalf("frames joined to %q", got)
	}
}

func TestMidStreamFailure(t *testing.T) {
	up := &scripted{
		chunks: []envelope.Chunk{envelope.Delta("assistant", "partial")},
		err:    errors.New("connection reset by peer"),
	}
	h := start(t, Config{Upstream: up})
	h.tr.send(t, chatStart("r1", "", "loop", "m", "hi"))
	envs := h.tr.collect(t, "r1")
	if joinFrames(envs) != "partial" {
		t.Fatalf("frames joined to %q", joinFrames(envs))
	}
	if kind := errorKind(t, envs[len(envs)-1]); kind != envelope.KindUpstreamFailure {
		t.Fatalf("kind %s, want upstream_failure", kind)
	}
}

func TestInBandUpstreamErrorFailsOperation(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte("{\"message\":{\"content\":\"Hi\"}}\n{\"error\":\"model 'x' not found\"}\n"))
	}))
	defer srv.Close()

	h := start(t, Config{
		Upstream: upstream.New(upstream.WithHTTPClient(srv.Client())),
		Catalog:  newCatalog(t, srv.URL),
	})
	h.tr.send(t, chatStart("r1", "", "local", "x", "hi"))
	envs := h.tr.collect(t, "r1")
	last := envs[len(envs)-1]
	if kind := errorKind(t, last); kind != envelope.KindUpstreamFailure {
		t.Fatalf("kind %s, want upstream_failure", kind)
	}
	if msg := last.Payload.(envelope.ErrorPayload).Message; !strings.Contains(msg, "model 'x' not found") {
		t.Fatalf("message %q does not carry the provider error", msg)
	}
	if joinFrames(envs) != "Hi" {
		t.Fatalf("frames joined to %q", joinFrames(envs))
	}

	deadline := time.Now().Add(waitFor)
	for len(h.ledger.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	entries := h.ledger.all()
	if len(entries) != 1 || entries[0].Status != ledger.StatusErrored {
		t.Fatalf("ledger entries %+v, want one errored", entries)
	}
}

// stalledTransport delivers begin, then blocks every later write until
// release is closed, like a client that stopped reading.
type stalledTransport struct {
	*fakeTransport
	release   chan struct{}
	stalled   chan struct{}
	stallOnce sync.Once
}

func (s *stalledTransport) WriteEnvelope(env envelope.Envelope) error {
	if env.Type != envelope.EventBegin {
		s.stallOnce.Do(func() { close(s.stalled) })
		<-s.release
	}
	return s.fakeTransport.WriteEnvelope(env)
}

func TestStopIsNotDelayedBySlowConnection(t *testing.T) {
	h := start(t, Config{Upstream: &scripted{endless: true}})

	slow := &stalledTransport{
		fakeTransport: newFakeTransport(),
		release:       make(chan struct{}),
		stalled:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = h.gw.Serve(ctx, slow)
	}()
	var releaseOnce sync.Once
	releaseSlow := func() { releaseOnce.Do(func() { close(slow.release) }) }
	t.Cleanup(func() {
		cancel()
		releaseSlow()
		select {
		case <-served:
		case <-time.After(waitFor):
			t.Error("slow connection did not shut down")
		}
	})

	slow.send(t, chatStart("a1", "s1", "loop", "m", "hi"))
	if env := slow.next(t); env.Type != envelope.EventBegin {
		t.Fatalf("first envelope %s, want begin", env.Type)
	}
	select {
	case <-slow.stalled:
	case <-time.After(waitFor):
		t.Fatal("slow connection never blocked on a write")
	}

	// The stop arrives on another connection sharing the abort registry.
	h.tr.send(t, stopMsg("b1", "a1"))
	select {
	case env := <-h.tr.out:
		if env.Type != envelope.EventCancelAck || env.RequestID != "b1" {
			t.Fatalf("got %s for %s, want cancel_ack for b1", env.Type, env.RequestID)
		}
		if p := env.Payload.(envelope.CancelAckPayload); p.TargetRequestID != "a1" {
			t.Fatalf("ack target %q", p.TargetRequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("stop was not answered while another connection's client was stalled")
	}

	releaseSlow()
	envs := slow.collect(t, "a1")
	if kind := errorKind(t, envs[len(envs)-1]); kind != envelope.KindCancelled {
		t.Fatalf("kind %s, want cancelled", kind)
	}
}

func TestLifecycleHooks(t *testing.T) {
	events := make(chan hooks.Event, 4)
	d := &hooks.Dispatcher{}
	d.Register(func(_ context.Context, evt hooks.Event) error {
		events <- evt
		return nil
	})
	up := &scripted{chunks: []envelope.Chunk{
		envelope.Delta("assistant", "ok"),
		envelope.Final("stop", "", &envelope.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}),
	}}
	h := start(t, Config{Upstream: up, Hooks: d})
	h.tr.send(t, chatStart("r1", "s1", "loop", "m", "hi"))
	h.tr.collect(t, "r1")

	select {
	case evt := <-events:
		if evt.Type != hooks.EventStreamCompleted || evt.ID != "r1" || evt.SessionID != "s1" || evt.Provider != "loop" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.Metadata["completion_tokens"] != 1 {
			t.Fatalf("unexpected metadata %+v", evt.Metadata)
		}
	case <-time.After(waitFor):
		t.Fatal("no lifecycle event")
	}
}

func TestUnauthorized(t *testing.T) {
	mgr := auth.NewManager("secret")
	up := &scripted{chunks: []envelope.Chunk{envelope.Final("stop", "", nil)}}
	h := start(t, Config{Auth: mgr, Upstream: up})
	h.tr.send(t, chatStart("r1", "", "loop", "m", "hi"))
	if kind := errorKind(t, h.tr.next(t)); kind != envelope.KindUnauthorized {
		t.Fatalf("kind %s, want unauthorized", kind)
	}

	token, err := mgr.IssueToken("u1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	msg := chatStart("r2", "", "loop", "m", "hi")
	msg["authToken"] = token
	h.tr.send(t, msg)
	envs := h.tr.collect(t, "r2")
	if envs[len(envs)-1].Type != envelope.EventEnd {
		t.Fatalf("authorized request ended with %s", envs[len(envs)-1].Type)
	}
}

func TestRateLimited(t *testing.T) {
	h := start(t, Config{Limiter: denyAll{}})
	h.tr.send(t, chatStart("r1", "", "loop", "m", "hi"))
	if kind := errorKind(t, h.tr.next(t)); kind != envelope.KindRateLimited {
		t.Fatalf("kind %s, want rate_limited", kind)
	}
	if n := h.gw.Metrics().GetSnapshot().RateLimitByKey["u1"]; n != 1 {
		t.Fatalf("rate limit hits = %d, want 1", n)
	}
	if len(h.ledger.all()) != 0 {
		t.Fatal("rejected start must not be recorded")
	}
}

func TestConnectionCloseCancelsOperations(t *testing.T) {
	h := start(t, Config{Upstream: &scripted{hold: true}})
	h.tr.send(t, chatStart("a", "s1", "loop", "m", "one"))
	h.tr.send(t, chatStart("b", "s2", "loop", "m", "two"))
	for range 2 {
		if env := h.tr.next(t); env.Type != envelope.EventBegin {
			t.Fatalf("unexpected %s for %s", env.Type, env.RequestID)
		}
	}

	close(h.tr.in)
	select {
	case <-h.done:
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after the connection closed")
	}
	if h.err != nil {
		t.Fatalf("Serve: %v", h.err)
	}

	seen := map[string]bool{}
	for range 2 {
		env := h.tr.next(t)
		if kind := errorKind(t, env); kind != envelope.KindCancelled {
			t.Fatalf("kind %s, want cancelled", kind)
		}
		seen[env.RequestID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("cancelled %v, want a and b", seen)
	}
	if h.aborts.Len() != 0 {
		t.Fatalf("registrations left: %d", h.aborts.Len())
	}
	if open := h.gw.Metrics().GetSnapshot().ConnectionsOpen; open != 0 {
		t.Fatalf("open connections = %d", open)
	}
}

func waitRegistrations(t *testing.T, m *abort.Memory, want int) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for m.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("registrations = %d, want %d", m.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoalescingKey(t *testing.T) {
	if got := coalescingKey("chat.stream", ""); got != "chat.stream" {
		t.Fatalf("got %q", got)
	}
	if got := coalescingKey("chat.stream", " s1 "); got != "chat.stream/s1" {
		t.Fatalf("got %q", got)
	}
}
