package openai

// ChatCompletionChunk is one `data:` payload of an SSE chat stream. Non-streaming
// responses share the shape, carrying Message instead of Delta.
type ChatCompletionChunk struct {
	ID      string                      `json:"id,omitempty"`
	Object  string                      `json:"object,omitempty"`
	Created int64                       `json:"created,omitempty"`
	Model   string                      `json:"model,omitempty"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *UsageBreakdown             `json:"usage,omitempty"`
	// Error is set when the provider reports a failure mid-stream.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the OpenAI error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// ChatCompletionChunkChoice is a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int               `json:"index"`
	Delta        *ChatMessageDelta `json:"delta,omitempty"`
	Message      *ChatMessageDelta `json:"message,omitempty"`
	FinishReason *string           `json:"finish_reason"`
	// NativeFinishReason is sent by aggregators such as OpenRouter.
	NativeFinishReason *string `json:"native_finish_reason,omitempty"`
}

// ChatMessageDelta is the incremental (or, under Message, full) content.
type ChatMessageDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Text returns the first choice's text, preferring the delta over a full message.
func (c *ChatCompletionChunk) Text() (role, text string, ok bool) {
	if len(c.Choices) == 0 {
		return "", "", false
	}
	choice := c.Choices[0]
	for _, part := range []*ChatMessageDelta{choice.Delta, choice.Message} {
		if part != nil && part.Content != nil {
			return part.Role, *part.Content, true
		}
	}
	return "", "", false
}

// FinishReasons returns the first choice's finish metadata, if any.
func (c *ChatCompletionChunk) FinishReasons() (finish, native string) {
	if len(c.Choices) == 0 {
		return "", ""
	}
	if fr := c.Choices[0].FinishReason; fr != nil {
		finish = *fr
	}
	if nr := c.Choices[0].NativeFinishReason; nr != nil {
		native = *nr
	}
	return finish, native
}
