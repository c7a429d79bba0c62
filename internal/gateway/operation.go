package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/ledger"
	"github.com/tokligence/tokligence-relay/internal/upstream"
)

const recordTimeout = 5 * time.Second

// operation is one running chat.stream request.
type operation struct {
	id     string
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	// done closes once the terminal envelope is queued.
	done chan struct{}

	releaseOnce sync.Once

	// stopped is set before cancel. The writer drops queued non-terminal
	// envelopes of a stopped operation, so nothing but the terminal
	// envelope is written after a stop is acknowledged.
	stopped atomic.Bool
}

func newOperation(parent context.Context, id, key string) *operation {
	ctx, cancel := context.WithCancel(parent)
	return &operation{id: id, key: key, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// abort never blocks; it may be called from another connection's read loop.
func (op *operation) abort() {
	op.stopped.Store(true)
	op.cancel()
}

// outcome is what a finished operation reports for its terminal envelope,
// metrics and ledger entry.
type outcome struct {
	terminal envelope.Envelope

	// dispatched is set once a target was resolved and begin was attempted.
	dispatched bool
	target     adapter.Target
	userID     string
	started    time.Time
	final      envelope.Chunk
}

func (s *session) runChat(op *operation, start envelope.ChatStart) {
	defer s.ops.Done()
	defer op.cancel()

	out := s.execute(op, start)
	// Free the key before the terminal envelope so a client reacting to it
	// can start the next operation right away.
	s.release(op)
	terminal := s.finish(op, out.terminal)
	// A superseding start waits on done; it must not wait for hooks or the ledger.
	close(op.done)
	s.record(op, start, out, terminal)
}

func (s *session) execute(op *operation, start envelope.ChatStart) outcome {
	g := s.g
	ctx := op.ctx

	userID, err := g.auth.Resolve(ctx, start.AuthToken, start.UserID)
	if err != nil {
		return failed(op.id, envelope.KindUnauthorized, err.Error())
	}
	if g.limiter != nil {
		if ok, wait := g.limiter.Allow(ctx, userID); !ok {
			g.metrics.RecordRateLimitHit(userID)
			return failed(op.id, envelope.KindRateLimited,
				fmt.Sprintf("too many requests for %s, retry in %s", userID, wait.Round(time.Millisecond)))
		}
	}

	provider := start.Provider
	if strings.EqualFold(provider, ProviderAuto) {
		if provider, err = g.router.ProviderForModel(start.Model); err != nil {
			return failed(op.id, envelope.KindUnknownProvider, err.Error())
		}
	}
	target, err := g.catalog.Lookup(ctx, provider, start.Model)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{terminal: cancelled(op.id)}
		}
		return failed(op.id, envelope.KindUnknownProvider, err.Error())
	}
	strategy, err := g.router.Strategy(target.Wire)
	if err != nil {
		return failed(op.id, envelope.KindUnknownProvider, err.Error())
	}

	out := outcome{dispatched: true, target: target, userID: userID, started: time.Now()}
	g.metrics.StreamStarted(target.Provider)

	begin := envelope.BeginPayload{
		Route:     envelope.RouteChatStream,
		Provider:  target.Provider,
		Model:     target.Model,
		SessionID: start.SessionID,
	}
	if !s.emit(op, envelope.New(envelope.EventBegin, op.id, begin)) {
		out.terminal = cancelled(op.id)
		return out
	}

	req := start.ChatRequest()
	req.Provider = target.Provider
	req.User = userID

	var final *envelope.Chunk
	for chunk, err := range g.upstream.Stream(ctx, strategy, target, req) {
		if err != nil {
			out.terminal = classify(ctx, op.id, err)
			return out
		}
		if chunk.IsFinal() {
			final = &chunk
			break
		}
		if !s.emit(op, envelope.New(envelope.EventFrame, op.id, chunk)) {
			out.terminal = cancelled(op.id)
			return out
		}
		g.metrics.FrameSent()
	}

	switch {
	case ctx.Err() != nil:
		out.terminal = cancelled(op.id)
	case final == nil:
		out.terminal = envelope.Fail(op.id, envelope.ErrorPayload{
			Kind:    envelope.KindUpstreamFailure,
			Message: "upstream stream ended without a final frame",
		})
	default:
		out.final = *final
		out.terminal = envelope.New(envelope.EventEnd, op.id, *final)
	}
	return out
}

// emit queues a non-terminal envelope unless the operation was cancelled. A
// blocked send gives up as soon as the operation is cancelled.
func (s *session) emit(op *operation, env envelope.Envelope) bool {
	if op.stopped.Load() || op.ctx.Err() != nil {
		return false
	}
	select {
	case s.out <- outbound{env: env, op: op}:
		return true
	case <-op.ctx.Done():
		return false
	}
}

// finish writes the terminal envelope. A stop acknowledged after the upstream
// completed still turns the end into a cancellation.
func (s *session) finish(op *operation, env envelope.Envelope) envelope.Envelope {
	if op.stopped.Load() && env.Type == envelope.EventEnd {
		env = cancelled(op.id)
	}
	s.send(env)
	return env
}

func (s *session) record(op *operation, start envelope.ChatStart, out outcome, terminal envelope.Envelope) {
	if !out.dispatched {
		return
	}
	g := s.g
	status := statusOf(terminal)
	latency := time.Since(out.started)
	g.metrics.StreamEnded(out.target.Provider, string(status), latency)

	var prompt, completion int64
	if u := out.final.Usage; u != nil && status == ledger.StatusCompleted {
		prompt, completion = int64(u.PromptTokens), int64(u.CompletionTokens)
		g.metrics.RecordTokenUsage(out.target.Model, out.userID, prompt, completion)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(op.ctx), recordTimeout)
	defer cancel()
	if g.hooks != nil && g.hooks.Len() > 0 {
		if err := g.hooks.Emit(ctx, lifecycleEvent(op.id, start.SessionID, out, status, terminal)); err != nil {
			g.logger.Printf("hooks for %s: %v", op.id, err)
		}
	}
	if g.ledger == nil {
		return
	}
	entry := ledger.Entry{
		RequestID:        op.id,
		UserID:           out.userID,
		SessionID:        start.SessionID,
		Provider:         out.target.Provider,
		Model:            out.target.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Status:           status,
		FinishReason:     out.final.FinishReason,
		LatencyMS:        latency.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := g.ledger.Record(ctx, entry); err != nil {
		g.logger.Printf("record usage for %s: %v", op.id, err)
	}
}

func lifecycleEvent(id, sessionID string, out outcome, status ledger.Status, terminal envelope.Envelope) hooks.Event {
	evt := hooks.Event{
		ID:         id,
		Type:       hooks.EventStreamFailed,
		OccurredAt: time.Now().UTC(),
		UserID:     out.userID,
		SessionID:  sessionID,
		Provider:   out.target.Provider,
		Model:      out.target.Model,
		Metadata:   map[string]any{"latency_ms": time.Since(out.started).Milliseconds()},
	}
	switch status {
	case ledger.StatusCompleted:
		evt.Type = hooks.EventStreamCompleted
		evt.Metadata["finish_reason"] = out.final.FinishReason
		if u := out.final.Usage; u != nil {
			evt.Metadata["prompt_tokens"] = u.PromptTokens
			evt.Metadata["completion_tokens"] = u.CompletionTokens
		}
	case ledger.StatusCancelled:
		evt.Type = hooks.EventStreamCancelled
	default:
		if p, ok := terminal.Payload.(envelope.ErrorPayload); ok {
			evt.Metadata["kind"] = string(p.Kind)
			if p.Status != 0 {
				evt.Metadata["status"] = p.Status
			}
		}
	}
	return evt
}

func failed(id string, kind envelope.ErrorKind, msg string) outcome {
	return outcome{terminal: envelope.Fail(id, envelope.ErrorPayload{Kind: kind, Message: msg})}
}

func cancelled(id string) envelope.Envelope {
	return envelope.Fail(id, envelope.ErrorPayload{
		Kind:    envelope.KindCancelled,
		Message: "operation cancelled",
	})
}

// classify maps an upstream error to its client-visible envelope.
func classify(ctx context.Context, id string, err error) envelope.Envelope {
	if ctx.Err() != nil {
		return cancelled(id)
	}
	var httpErr *upstream.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return envelope.Fail(id, envelope.ErrorPayload{
			Kind:    envelope.KindUpstreamHTTP,
			Message: httpErr.Error(),
			Status:  httpErr.Status,
			Body:    httpErr.Body,
		})
	}
	return envelope.Fail(id, envelope.ErrorPayload{
		Kind:    envelope.KindUpstreamFailure,
		Message: err.Error(),
	})
}

func statusOf(env envelope.Envelope) ledger.Status {
	if env.Type == envelope.EventEnd {
		return ledger.StatusCompleted
	}
	if p, ok := env.Payload.(envelope.ErrorPayload); ok && p.Kind == envelope.KindCancelled {
		return ledger.StatusCancelled
	}
	return ledger.StatusErrored
}
