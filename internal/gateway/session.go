package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-relay/internal/envelope"
)

// session is the per-connection state. Only the read loop touches the
// transport's read side; only writeLoop touches its write side.
type session struct {
	g      *Gateway
	t      Transport
	ctx    context.Context
	cancel context.CancelFunc

	// out is unbuffered: a slow client blocks senders, which in turn stop
	// pulling from their upstream.
	out chan outbound

	mu     sync.Mutex
	active map[string]*operation // by coalescing key
	ops    sync.WaitGroup
}

// outbound is a queued envelope. op is set for non-terminal envelopes only.
type outbound struct {
	env envelope.Envelope
	op  *operation
}

func newSession(parent context.Context, g *Gateway, t Transport) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		g:      g,
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound),
		active: make(map[string]*operation),
	}
}

func (s *session) run() error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	var err error
	for {
		raw, rerr := s.t.ReadMessage(s.ctx)
		if rerr != nil {
			err = rerr
			break
		}
		s.dispatch(raw)
	}

	s.cancel()
	s.ops.Wait()
	close(s.out)
	<-writerDone
	return err
}

// writeLoop keeps draining after a write failure so no sender blocks forever.
func (s *session) writeLoop() {
	failed := false
	for item := range s.out {
		if failed {
			continue
		}
		if item.op != nil && item.op.stopped.Load() {
			continue
		}
		env := item.env
		if err := s.t.WriteEnvelope(env); err != nil {
			failed = true
			s.g.logger.Printf("write %s for %s: %v", env.Type, env.RequestID, err)
			s.cancel()
		}
	}
}

// send queues an envelope unconditionally. Used for terminal envelopes.
func (s *session) send(env envelope.Envelope) {
	if p, ok := env.Payload.(envelope.ErrorPayload); ok {
		s.g.metrics.ErrorEnvelope(string(p.Kind))
	}
	s.out <- outbound{env: env}
}

func (s *session) dispatch(raw []byte) {
	msg, err := envelope.PeekRoute(raw)
	if err != nil {
		s.send(envelope.Fail(s.g.newID(), envelope.ErrorPayload{
			Kind:    envelope.KindInvalidStartPayload,
			Message: err.Error(),
		}))
		return
	}
	id := strings.TrimSpace(msg.ClientRequestID)
	if id == "" {
		id = s.g.newID()
	}

	switch msg.Route {
	case envelope.RouteChatStream:
		s.startChat(id, raw)
	case envelope.RouteChatStop:
		s.stop(id, raw)
	default:
		s.send(envelope.Fail(id, envelope.ErrorPayload{
			Kind:    envelope.KindUnsupportedRoute,
			Message: fmt.Sprintf("route %q is not supported", msg.Route),
			Route:   msg.Route,
		}))
	}
}

func (s *session) startChat(id string, raw []byte) {
	start, err := envelope.DecodeChatStart(raw)
	if err != nil {
		s.send(envelope.Fail(id, envelope.ErrorPayload{
			Kind:     envelope.KindInvalidStartPayload,
			Message:  err.Error(),
			Expected: envelope.ChatStartShape,
		}))
		return
	}
	op, err := s.claim(id, coalescingKey(envelope.RouteChatStream, start.SessionID))
	if err != nil {
		s.send(envelope.Fail(id, envelope.ErrorPayload{
			Kind:    envelope.KindAlreadyRunning,
			Message: err.Error(),
		}))
		return
	}
	s.g.debugf("start %s key=%s provider=%s model=%s", id, op.key, start.Provider, start.Model)
	s.ops.Add(1)
	go s.runChat(op, start)
}

// claim reserves key for a new operation, applying the collision policy when
// another operation holds it.
func (s *session) claim(id, key string) (*operation, error) {
	s.mu.Lock()
	for {
		prev, busy := s.active[key]
		if !busy {
			break
		}
		s.mu.Unlock()
		if s.g.policy != PolicySupersede {
			return nil, fmt.Errorf("operation %s is already running for %s", prev.id, key)
		}
		s.g.debugf("superseding %s with %s on %s", prev.id, id, key)
		prev.abort()
		<-prev.done
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	op := newOperation(s.ctx, id, key)
	if err := s.g.aborts.Register(id, op.abort); err != nil {
		op.cancel()
		return nil, fmt.Errorf("request id %s: %w", id, err)
	}
	s.active[key] = op
	return op, nil
}

// release frees the coalescing key and the abort registration.
func (s *session) release(op *operation) {
	op.releaseOnce.Do(func() {
		s.g.aborts.Remove(op.id)
		s.mu.Lock()
		if s.active[op.key] == op {
			delete(s.active, op.key)
		}
		s.mu.Unlock()
	})
}

func (s *session) stop(id string, raw []byte) {
	msg, err := envelope.DecodeStop(raw)
	if err != nil {
		s.send(envelope.Fail(id, envelope.ErrorPayload{
			Kind:     envelope.KindInvalidStartPayload,
			Message:  err.Error(),
			Expected: envelope.StopShape,
		}))
		return
	}
	found := s.g.aborts.Cancel(msg.TargetRequestID)
	s.g.metrics.StopRequest(found)
	if !found {
		s.send(envelope.Fail(id, envelope.ErrorPayload{
			Kind:    envelope.KindNotFound,
			Message: fmt.Sprintf("no running operation %q", msg.TargetRequestID),
		}))
		return
	}
	s.g.debugf("stop %s acknowledged for %s", msg.TargetRequestID, id)
	s.send(envelope.New(envelope.EventCancelAck, id, envelope.CancelAckPayload{TargetRequestID: msg.TargetRequestID}))
}

func coalescingKey(route, sessionID string) string {
	if sessionID = strings.TrimSpace(sessionID); sessionID == "" {
		return route
	}
	return route + "/" + sessionID
}
