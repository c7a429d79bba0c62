package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/openai"
)

// WireName is the registry name of the OpenAI-compatible frame-tagged format.
const WireName = "openai"

// Ensure Strategy implements adapter.Strategy.
var _ adapter.Strategy = (*Strategy)(nil)

// Strategy speaks the OpenAI-compatible chat completions protocol: `data:`
// framed SSE lines terminated by `data: [DONE]`. Aggregators that forward
// cumulative text or add native_finish_reason are handled here too.
type Strategy struct {
	org string // optional organization ID
}

// Config holds configuration for the OpenAI strategy.
type Config struct {
	Organization string
}

// New creates an OpenAI-compatible strategy.
func New(cfg Config) *Strategy {
	return &Strategy{org: strings.TrimSpace(cfg.Organization)}
}

func (s *Strategy) Name() string        { return WireName }
func (s *Strategy) DefaultPath() string { return "/chat/completions" }

// BuildPayload produces {model, messages, stream, temperature, max_tokens, stop, user, tools}.
func (s *Strategy) BuildPayload(req envelope.ChatRequest) any {
	msgs := adapter.Messages(req.Messages)
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]openai.ChatMessage, 0, len(msgs)),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		User:        req.User,
		Tools:       req.Tools,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *Strategy) Authorize(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	if s.org != "" {
		h.Set("OpenAI-Organization", s.org)
	}
}

// ParseLine reads one SSE line. Bare JSON lines (non-streaming bodies) are
// accepted as if they were framed.
func (s *Strategy) ParseLine(raw string) (adapter.Line, error) {
	line := strings.TrimSpace(raw)
	var payload string
	switch {
	case line == "" || strings.HasPrefix(line, ":"):
		return adapter.Line{}, nil
	case strings.HasPrefix(line, "data:"):
		payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	case strings.HasPrefix(line, "{"):
		payload = line
	default:
		// event:, id:, retry:
		return adapter.Line{}, nil
	}
	if payload == "[DONE]" {
		return adapter.Line{Done: true}, nil
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return adapter.Line{}, adapter.Malformed(WireName, err)
	}

	if chunk.Error != nil {
		return adapter.Line{}, &adapter.UpstreamError{Provider: WireName, Type: chunk.Error.Type, Message: chunk.Error.Message}
	}

	var out adapter.Line
	if role, text, ok := chunk.Text(); ok {
		out.Role = role
		out.Token = text
		out.HasToken = true
	}
	out.Meta.FinishReason, out.Meta.NativeFinishReason = chunk.FinishReasons()
	if chunk.Usage != nil {
		out.Meta.Usage = &envelope.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out, nil
}
