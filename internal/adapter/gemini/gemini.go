package gemini

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
)

// WireName is the registry name of the Gemini generateContent format.
const WireName = "gemini"

// DefaultBaseURL is the public Generative Language API host.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

var (
	_ adapter.Strategy    = (*Strategy)(nil)
	_ adapter.ModelPather = (*Strategy)(nil)
)

// Strategy speaks Gemini's streamGenerateContent SSE protocol. Each data line
// carries a GenerateContentResponse whose candidate parts hold the new text.
// The stream has no end marker; it finishes at EOF.
type Strategy struct{}

// New creates a Gemini strategy.
func New() *Strategy { return &Strategy{} }

func (s *Strategy) Name() string { return WireName }

// DefaultPath is only used when no model is known.
func (s *Strategy) DefaultPath() string { return "/v1beta/models" }

// PathForModel builds /v1beta/models/{model}:streamGenerateContent?alt=sse, or
// the unary generateContent path when stream is false.
func (s *Strategy) PathForModel(model string, stream bool) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if stream {
		return "/v1beta/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
}

func (s *Strategy) Authorize(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("x-goog-api-key", apiKey)
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// BuildPayload maps assistant turns to the model role and lifts system turns
// into systemInstruction. The model travels in the URL, not the body.
func (s *Strategy) BuildPayload(req envelope.ChatRequest) any {
	out := generateRequest{}
	var system []part
	for _, m := range adapter.Messages(req.Messages) {
		switch m.Role {
		case "system":
			system = append(system, part{Text: m.Content})
		case "assistant":
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: system}
	}
	if req.Temperature != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
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
		return adapter.Line{}, nil
	}
	if payload == "" || payload == "[DONE]" {
		return adapter.Line{}, nil
	}

	var resp generateResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return adapter.Line{}, adapter.Malformed(WireName, err)
	}

	if resp.Error != nil {
		return adapter.Line{}, &adapter.UpstreamError{Provider: WireName, Type: resp.Error.Status, Message: resp.Error.Message}
	}

	var out adapter.Line
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			out.Role = "assistant"
			out.Token = text.String()
			out.HasToken = true
		}
		if cand.FinishReason != "" {
			out.Meta.FinishReason = mapFinishReason(cand.FinishReason)
			out.Meta.NativeFinishReason = cand.FinishReason
		}
	}
	if u := resp.UsageMetadata; u != nil {
		out.Meta.Usage = &envelope.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}
