package envelope

import "encoding/json"

// Message is one role/content turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request handed to an upstream strategy.
// It is not modified after dispatch.
type ChatRequest struct {
	Provider    string
	Model       string
	Messages    []Message
	Stream      bool
	Temperature *float64
	MaxTokens   *int
	Stop        []string
	User        string
	Tools       []json.RawMessage
	// Endpoint optionally overrides the provider default path. Absolute URLs are used verbatim.
	Endpoint string
}

// Usage carries token totals reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkKind distinguishes delta frames from the final frame.
type ChunkKind string

const (
	ChunkDelta ChunkKind = "delta"
	ChunkFinal ChunkKind = "final"
)

// Chunk is the canonical unit of a normalized stream. A stream is zero or more
// delta chunks followed by exactly one final chunk.
type Chunk struct {
	Kind ChunkKind

	// delta
	Role string
	Text string

	// final
	FinishReason       string
	NativeFinishReason string
	Usage              *Usage
}

// Delta builds a delta chunk.
func Delta(role, text string) Chunk {
	return Chunk{Kind: ChunkDelta, Role: role, Text: text}
}

// Final builds the terminating chunk. It never carries text.
func Final(finishReason, nativeFinishReason string, usage *Usage) Chunk {
	return Chunk{Kind: ChunkFinal, FinishReason: finishReason, NativeFinishReason: nativeFinishReason, Usage: usage}
}

// IsFinal reports whether c terminates its stream.
func (c Chunk) IsFinal() bool { return c.Kind == ChunkFinal }

type deltaJSON struct {
	Kind    ChunkKind `json:"kind"`
	Role    string    `json:"role,omitempty"`
	Content string    `json:"content"`
}

type finalJSON struct {
	Kind               ChunkKind `json:"kind"`
	FinishReason       string    `json:"finish_reason,omitempty"`
	NativeFinishReason string    `json:"native_finish_reason,omitempty"`
	Usage              *Usage    `json:"usage,omitempty"`
}

// MarshalJSON encodes delta chunks with a content field and final chunks without one.
func (c Chunk) MarshalJSON() ([]byte, error) {
	if c.IsFinal() {
		return json.Marshal(finalJSON{
			Kind:               ChunkFinal,
			FinishReason:       c.FinishReason,
			NativeFinishReason: c.NativeFinishReason,
			Usage:              c.Usage,
		})
	}
	return json.Marshal(deltaJSON{Kind: ChunkDelta, Role: c.Role, Content: c.Text})
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind               ChunkKind `json:"kind"`
		Role               string    `json:"role"`
		Content            string    `json:"content"`
		FinishReason       string    `json:"finish_reason"`
		NativeFinishReason string    `json:"native_finish_reason"`
		Usage              *Usage    `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Kind == ChunkFinal {
		*c = Final(raw.FinishReason, raw.NativeFinishReason, raw.Usage)
		return nil
	}
	*c = Delta(raw.Role, raw.Content)
	return nil
}
