// Package loopback is an in-process fake upstream. It speaks the OpenAI SSE
// and Ollama NDJSON chat wires so the relay can be exercised end to end without
// provider credentials.
package loopback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-relay/internal/openai"
)

const (
	// OpenAIPath and OllamaPath are relative to the handler mount point.
	OpenAIPath = "/v1/chat/completions"
	OllamaPath = "/api/chat"

	// FailModelPrefix makes the handler answer with 502 for matching models.
	FailModelPrefix = "fail"
)

// Handler answers chat requests by echoing the last user message back word by word.
type Handler struct {
	// Delay is slept between frames; zero streams as fast as possible.
	Delay time.Duration
	// Cumulative makes SSE frames carry the whole text so far instead of deltas.
	Cumulative bool
	// Garbage inserts one unparseable line after the first frame.
	Garbage bool
}

// New creates a Handler with cumulative OpenAI frames.
func New() *Handler {
	return &Handler{Cumulative: true}
}

// ServeHTTP routes by path suffix so the handler works under any prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.HasPrefix(strings.ToLower(req.Model), FailModelPrefix) {
		http.Error(w, `{"error":"loopback forced failure"}`, http.StatusBadGateway)
		return
	}
	reply, err := Reply(req.Messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, OpenAIPath):
		h.serveOpenAI(w, r, req, reply)
	case strings.HasSuffix(r.URL.Path, OllamaPath):
		h.serveOllama(w, r, req, reply)
	default:
		http.NotFound(w, r)
	}
}

// Reply fabricates the deterministic answer for a conversation.
func Reply(messages []openai.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("loopback: no messages provided")
	}
	// find last user message; default to final message if none
	message := messages[len(messages)-1]
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.ToLower(messages[i].Role) == "user" {
			message = messages[i]
			break
		}
	}
	return "[loopback] " + strings.TrimSpace(message.Content), nil
}

func usageFor(messages []openai.ChatMessage, reply string) openai.UsageBreakdown {
	prompt := len(messages) * 10
	completion := len(reply) / 4
	return openai.UsageBreakdown{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// pieces splits text into word-sized tokens that concatenate back to text.
func pieces(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func (h *Handler) pause(r *http.Request) bool {
	if h.Delay <= 0 {
		return r.Context().Err() == nil
	}
	t := time.NewTimer(h.Delay)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (h *Handler) serveOpenAI(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, reply string) {
	usage := usageFor(req.Messages, reply)
	stop := "stop"
	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionChunk{
			ID:      "loopback-1",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []openai.ChatCompletionChunkChoice{{
				Message:      &openai.ChatMessageDelta{Role: "assistant", Content: &reply},
				FinishReason: &stop,
			}},
			Usage: &usage,
		})
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(chunk openai.ChatCompletionChunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	var sofar strings.Builder
	for i, piece := range pieces(reply) {
		if !h.pause(r) {
			return
		}
		sofar.WriteString(piece)
		text := piece
		if h.Cumulative {
			text = sofar.String()
		}
		delta := &openai.ChatMessageDelta{Content: &text}
		if i == 0 {
			delta.Role = "assistant"
		}
		send(openai.ChatCompletionChunk{
			ID:      "loopback-1",
			Object:  "chat.completion.chunk",
			Model:   req.Model,
			Choices: []openai.ChatCompletionChunkChoice{{Delta: delta}},
		})
		if i == 0 && h.Garbage {
			fmt.Fprint(w, "data: {not json\n\n")
		}
	}
	send(openai.ChatCompletionChunk{
		ID:      "loopback-1",
		Object:  "chat.completion.chunk",
		Model:   req.Model,
		Choices: []openai.ChatCompletionChunkChoice{{Delta: &openai.ChatMessageDelta{}, FinishReason: &stop}},
		Usage:   &usage,
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

type ollamaLine struct {
	Model           string             `json:"model"`
	Message         openai.ChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason,omitempty"`
	PromptEvalCount int                `json:"prompt_eval_count,omitempty"`
	EvalCount       int                `json:"eval_count,omitempty"`
}

func (h *Handler) serveOllama(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, reply string) {
	usage := usageFor(req.Messages, reply)
	final := ollamaLine{
		Model:           req.Model,
		Message:         openai.ChatMessage{Role: "assistant"},
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: usage.PromptTokens,
		EvalCount:       usage.CompletionTokens,
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if !req.Stream {
		final.Message.Content = reply
		_ = json.NewEncoder(w).Encode(final)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i, piece := range pieces(reply) {
		if !h.pause(r) {
			return
		}
		_ = enc.Encode(ollamaLine{Model: req.Model, Message: openai.ChatMessage{Role: "assistant", Content: piece}})
		if i == 0 && h.Garbage {
			fmt.Fprintln(w, "{not json")
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(final)
	if flusher != nil {
		flusher.Flush()
	}
}
