// Package hooks fans relay lifecycle events out to operator handlers, such as
// a script that mirrors finished streams into a billing or audit system.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// EventType names the lifecycle transitions the relay exports.
type EventType string

const (
	// EventStreamCompleted is emitted after an operation ends normally.
	EventStreamCompleted EventType = "relay.stream.completed"
	// EventStreamCancelled is emitted after a stop, supersede or disconnect.
	EventStreamCancelled EventType = "relay.stream.cancelled"
	// EventStreamFailed is emitted after an upstream failure.
	EventStreamFailed EventType = "relay.stream.failed"
)

// Event envelopes the concrete payload we broadcast to hook listeners.
type Event struct {
	ID         string         // request id of the operation
	Type       EventType      // lifecycle transition identifier
	OccurredAt time.Time      // timestamp of emission
	UserID     string         // resolved user
	SessionID  string         // optional session scope
	Provider   string         // upstream provider name
	Model      string         // upstream model id
	Metadata   map[string]any // extensible JSON-friendly payload
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order so operators can reason about side effects.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers an event to all registered handlers. Errors are aggregated so
// callers can surface each failure in logs.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string            // required executable (absolute or PATH lookup)
	Args    []string          // static arguments passed to the executable
	Env     map[string]string // optional environment overrides
	Timeout time.Duration     // optional max execution time
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// NewScriptHandler returns a Handler that pipes the marshalled event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}

		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: command failed: %w", err)
		}

		return nil
	}
}

// JSONMarshaler serialises the event into a stable JSON object.
func JSONMarshaler(evt Event) ([]byte, error) {
	out := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		UserID     string         `json:"user_id"`
		SessionID  string         `json:"session_id,omitempty"`
		Provider   string         `json:"provider"`
		Model      string         `json:"model"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		UserID:     evt.UserID,
		SessionID:  evt.SessionID,
		Provider:   evt.Provider,
		Model:      evt.Model,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(out)
}
