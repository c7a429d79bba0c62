package ollama

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
)

func TestBuildPayloadShape(t *testing.T) {
	temp := 0.7
	data, err := json.Marshal(New().BuildPayload(envelope.ChatRequest{
		Model:       "llama3",
		Messages:    []envelope.Message{{Role: "user", Content: "hi"}},
		Stream:      true,
		Temperature: &temp,
		User:        "ignored",
	}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("payload keys = %v, want model/messages/stream only", got)
	}
	if got["model"] != "llama3" || got["stream"] != true {
		t.Fatalf("payload = %s", data)
	}
}

func TestParseLineSequence(t *testing.T) {
	s := New()
	lines := []string{
		`{"message":{"content":"Hi"}}`,
		`{"message":{"content":" there"}}`,
		`{"done":true,"done_reason":"stop"}`,
	}
	var tokens []string
	var last adapter.Line
	for _, l := range lines {
		got, err := s.ParseLine(l)
		if err != nil {
			t.Fatalf("ParseLine(%s): %v", l, err)
		}
		if got.HasToken {
			tokens = append(tokens, got.Token)
		}
		last = got
	}
	if len(tokens) != 2 || tokens[0] != "Hi" || tokens[1] != " there" {
		t.Fatalf("tokens = %q", tokens)
	}
	if !last.Done || last.Meta.FinishReason != "stop" {
		t.Fatalf("last line = %+v", last)
	}
	if last.HasToken {
		t.Fatal("done line should not carry a token")
	}
}

func TestParseLineUsageAndErrors(t *testing.T) {
	s := New()
	got, err := s.ParseLine(`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"length","prompt_eval_count":4,"eval_count":6}`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if got.Meta.Usage == nil || got.Meta.Usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", got.Meta.Usage)
	}

	_, err = s.ParseLine(`{"error":"model not found"}`)
	var upErr *adapter.UpstreamError
	if !errors.As(err, &upErr) || upErr.Message != "model not found" {
		t.Fatalf("error line err = %v, want *UpstreamError", err)
	}
	if errors.Is(err, adapter.ErrMalformedFrame) {
		t.Fatal("in-band error must not be treated as a malformed frame")
	}

	if _, err := s.ParseLine(`{"message":`); !errors.Is(err, adapter.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
	if got, err := s.ParseLine("   "); err != nil || got.HasToken || got.Done {
		t.Fatalf("blank line = %+v, %v", got, err)
	}
}
