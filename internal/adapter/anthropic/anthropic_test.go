package anthropic

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
)

func TestBuildPayloadExtractsSystem(t *testing.T) {
	s := New(Config{})
	data, err := json.Marshal(s.BuildPayload(envelope.ChatRequest{
		Model: "claude-haiku",
		Messages: []envelope.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "tool", Content: "result"},
		},
		Stream: true,
		Stop:   []string{"END"},
	}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got messagesRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.System != "be terse" {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Messages) != 2 || got.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("model = %q", got.Model)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d", got.MaxTokens)
	}
	if len(got.StopSequences) != 1 {
		t.Errorf("stop_sequences = %v", got.StopSequences)
	}
}

func TestAuthorizeHeaders(t *testing.T) {
	h := http.Header{}
	New(Config{Version: "2024-01-01"}).Authorize(h, "key")
	if h.Get("x-api-key") != "key" || h.Get("anthropic-version") != "2024-01-01" {
		t.Fatalf("headers = %v", h)
	}
}

func TestParseStream(t *testing.T) {
	s := New(Config{})
	lines := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}`,
		`event: ping`,
		`data: {"type":"ping"}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":7}}`,
		`data: {"type":"message_stop"}`,
	}
	var text string
	var meta adapter.Metadata
	done := false
	for _, l := range lines {
		got, err := s.ParseLine(l)
		if err != nil {
			t.Fatalf("ParseLine(%s): %v", l, err)
		}
		if got.HasToken {
			text += got.Token
		}
		meta.Merge(got.Meta)
		done = done || got.Done
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if !done {
		t.Error("message_stop not reported as done")
	}
	if meta.FinishReason != "length" || meta.NativeFinishReason != "max_tokens" {
		t.Errorf("finish = %q/%q", meta.FinishReason, meta.NativeFinishReason)
	}
	if meta.Usage == nil || meta.Usage.PromptTokens != 12 || meta.Usage.CompletionTokens != 7 || meta.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", meta.Usage)
	}
}

func TestParseNonStreamingBody(t *testing.T) {
	got, err := New(Config{}).ParseLine(`{"type":"message","content":[{"type":"text","text":"all at once"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":3}}`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if got.Token != "all at once" || !got.Done || got.Meta.FinishReason != "stop" {
		t.Fatalf("line = %+v", got)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := New(Config{}).ParseLine(`data: {"type":`); !errors.Is(err, adapter.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestParseErrorEvent(t *testing.T) {
	_, err := New(Config{}).ParseLine(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	var upErr *adapter.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upErr.Type != "overloaded_error" || upErr.Message != "Overloaded" {
		t.Fatalf("upstream error = %+v", upErr)
	}
	if errors.Is(err, adapter.ErrMalformedFrame) {
		t.Fatal("error event must not be treated as a malformed frame")
	}
}
