package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDispatcherEmit(t *testing.T) {
	d := &Dispatcher{}
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.Metadata["finish_reason"].(string))
		return errors.New("second handler failed")
	})
	d.Register(nil)

	evt := Event{
		ID:         "req-1",
		Type:       EventStreamCompleted,
		OccurredAt: time.Now(),
		Metadata:   map[string]any{"finish_reason": "stop"},
	}

	err := d.Emit(context.Background(), evt)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("nil handler was registered")
	}
	if len(sequence) != 2 {
		t.Fatalf("expected two handlers to run, got %d", len(sequence))
	}
	if sequence[0] != "first:"+string(EventStreamCompleted) {
		t.Fatalf("unexpected first handler record %q", sequence[0])
	}
	if sequence[1] != "second:stop" {
		t.Fatalf("unexpected second handler record %q", sequence[1])
	}
}

func TestJSONMarshaler(t *testing.T) {
	raw, err := JSONMarshaler(Event{ID: "r1", Type: EventStreamCancelled, UserID: "u1", Provider: "loopback", Model: "echo"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != string(EventStreamCancelled) || got["provider"] != "loopback" {
		t.Fatalf("unexpected payload %s", raw)
	}
	if _, ok := got["session_id"]; ok {
		t.Fatalf("empty session id should be omitted: %s", raw)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	// Ensure default marshaler is JSON for the helper process.
	MarshalEvent = JSONMarshaler

	expectID := "req-script"
	expectType := EventStreamFailed
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--", expectID, string(expectType)},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         expectID,
			"HOOK_EXPECT_TYPE":       string(expectType),
		},
		Timeout: 5 * time.Second,
	})

	evt := Event{
		ID:         expectID,
		Type:       expectType,
		OccurredAt: time.Now(),
		UserID:     "u1",
		Provider:   "openai",
		Model:      "gpt-4o",
		Metadata: map[string]any{
			"status": 502,
		},
	}

	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload Event
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if string(payload.Type) != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	os.Exit(0)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when enabled without script path")
	}

	cfg.ScriptPath = "/tmp/hook.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	if h := cfg.BuildScriptHandler(); h == nil {
		t.Fatalf("expected handler when config enabled")
	}

	disabled := Config{}
	if handler := disabled.BuildScriptHandler(); handler != nil {
		t.Fatalf("expected nil handler when config disabled")
	}
}
