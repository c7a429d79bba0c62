package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
)

// WireName is the registry name of the Anthropic Messages SSE format.
const WireName = "anthropic"

// DefaultBaseURL is the public Anthropic API host.
const DefaultBaseURL = "https://api.anthropic.com"

var _ adapter.Strategy = (*Strategy)(nil)

// Strategy speaks the Anthropic Messages streaming protocol. Text arrives in
// content_block_delta events, the stop reason in message_delta, and the stream
// ends with message_stop.
type Strategy struct {
	version   string
	maxTokens int
}

// Config holds configuration for the Anthropic strategy.
type Config struct {
	Version   string // anthropic-version header, defaults to 2023-06-01
	MaxTokens int    // used when the request sets none, defaults to 4096
}

// New creates an Anthropic strategy.
func New(cfg Config) *Strategy {
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Strategy{version: version, maxTokens: maxTokens}
}

func (s *Strategy) Name() string        { return WireName }
func (s *Strategy) DefaultPath() string { return "/v1/messages" }

type messagesRequest struct {
	Model         string             `json:"model"`
	Messages      []envelope.Message `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// BuildPayload moves system turns into the top-level system field.
func (s *Strategy) BuildPayload(req envelope.ChatRequest) any {
	messages, system := convertMessages(adapter.Messages(req.Messages))
	maxTokens := s.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	return messagesRequest{
		Model:         mapModelName(req.Model),
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
	}
}

func (s *Strategy) Authorize(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
	h.Set("anthropic-version", s.version)
}

// Streaming event minimal schema. Non-streaming bodies (type "message") share it.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	Usage   *usage `json:"usage"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u usage) canonical() *envelope.Usage {
	return &envelope.Usage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens}
}

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
		// event: lines duplicate the type field of the data payload
		return adapter.Line{}, nil
	}
	if payload == "{}" || payload == "[DONE]" {
		return adapter.Line{}, nil
	}

	var evt streamEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return adapter.Line{}, adapter.Malformed(WireName, err)
	}

	var out adapter.Line
	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			out.Meta.Usage = evt.Message.Usage.canonical()
		}
	case "content_block_delta":
		if evt.Delta.Type == "text_delta" {
			out.Role = "assistant"
			out.Token = evt.Delta.Text
			out.HasToken = true
		}
	case "message_delta":
		if evt.Delta.StopReason != "" {
			out.Meta.FinishReason = mapStopReason(evt.Delta.StopReason)
			out.Meta.NativeFinishReason = evt.Delta.StopReason
		}
		if evt.Usage != nil {
			out.Meta.Usage = evt.Usage.canonical()
		}
	case "message_stop":
		out.Done = true
	case "error":
		upErr := &adapter.UpstreamError{Provider: WireName, Message: "stream error"}
		if evt.Error != nil {
			upErr.Type = evt.Error.Type
			upErr.Message = evt.Error.Message
		}
		return adapter.Line{}, upErr
	case "message":
		// non-streaming response body
		var text strings.Builder
		for _, block := range evt.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		out.Role = "assistant"
		out.Token = text.String()
		out.HasToken = true
		out.Done = true
		out.Meta.FinishReason = mapStopReason(evt.StopReason)
		out.Meta.NativeFinishReason = evt.StopReason
		if evt.Usage != nil {
			out.Meta.Usage = evt.Usage.canonical()
		}
	}
	return out, nil
}

// convertMessages extracts system turns; every other role is sent as user
// unless it is assistant.
func convertMessages(in []envelope.Message) ([]envelope.Message, string) {
	var system []string
	out := make([]envelope.Message, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			out = append(out, m)
		default:
			out = append(out, envelope.Message{Role: "user", Content: m.Content})
		}
	}
	return out, strings.Join(system, "\n\n")
}

// mapModelName expands short aliases; anything else passes through.
func mapModelName(model string) string {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "claude", "claude-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-haiku":
		return "claude-3-5-haiku-20241022"
	case "claude-opus":
		return "claude-3-opus-20240229"
	}
	return model
}

func mapStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
