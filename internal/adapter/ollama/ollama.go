package ollama

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
)

// WireName is the registry name of the object-per-line format.
const WireName = "ollama"

// DefaultBaseURL is where a local Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

var _ adapter.Strategy = (*Strategy)(nil)

// Strategy speaks Ollama's /api/chat protocol: one JSON object per line,
// incremental text at message.content, and done:true on the last line.
type Strategy struct{}

// New creates an Ollama strategy.
func New() *Strategy {
	return &Strategy{}
}

func (s *Strategy) Name() string        { return WireName }
func (s *Strategy) DefaultPath() string { return "/api/chat" }

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []envelope.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

// BuildPayload produces {model, messages, stream}.
func (s *Strategy) BuildPayload(req envelope.ChatRequest) any {
	return chatRequest{
		Model:    req.Model,
		Messages: adapter.Messages(req.Messages),
		Stream:   req.Stream,
	}
}

// Authorize sets a bearer token only when one is configured (hosted Ollama).
func (s *Strategy) Authorize(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
}

type chatLine struct {
	Message *struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (s *Strategy) ParseLine(raw string) (adapter.Line, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return adapter.Line{}, nil
	}
	var obj chatLine
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return adapter.Line{}, adapter.Malformed(WireName, err)
	}
	if obj.Error != "" {
		return adapter.Line{}, &adapter.UpstreamError{Provider: WireName, Message: obj.Error}
	}

	var out adapter.Line
	if obj.Message != nil && obj.Message.Content != nil {
		out.Role = obj.Message.Role
		out.Token = *obj.Message.Content
		out.HasToken = true
	}
	if obj.Done {
		out.Done = true
		out.Meta.FinishReason = obj.DoneReason
		if obj.PromptEvalCount > 0 || obj.EvalCount > 0 {
			out.Meta.Usage = &envelope.Usage{
				PromptTokens:     obj.PromptEvalCount,
				CompletionTokens: obj.EvalCount,
				TotalTokens:      obj.PromptEvalCount + obj.EvalCount,
			}
		}
	}
	return out, nil
}
