package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Routes understood by the gateway.
const (
	RouteChatStream = "chat.stream"
	RouteChatStop   = "chat.stop"
)

// Shapes reported back to the client when a route-specific decode fails.
const (
	ChatStartShape = `{route:"chat.stream", provider, model, instructions|messages, stream, sessionId?, userId, authToken, clientRequestId?}`
	StopShape      = `{route:"chat.stop", targetRequestId, clientRequestId?}`
)

// StartMessage holds the fields common to every inbound message. It is what
// the first decoding phase produces.
type StartMessage struct {
	Route           string `json:"route"`
	SessionID       string `json:"sessionId,omitempty"`
	UserID          string `json:"userId,omitempty"`
	AuthToken       string `json:"authToken,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`
}

// ChatStart is the chat.stream variant of a start message.
type ChatStart struct {
	StartMessage
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	System       string            `json:"system,omitempty"`
	Messages     []Message         `json:"messages,omitempty"`
	Stream       *bool             `json:"stream,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
	MaxTokens    *int              `json:"maxTokens,omitempty"`
	Stop         []string          `json:"stop,omitempty"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
}

// StopMessage is the chat.stop variant.
type StopMessage struct {
	StartMessage
	TargetRequestID string `json:"targetRequestId"`
}

// PeekRoute runs the generic decode and returns the common fields.
func PeekRoute(raw []byte) (StartMessage, error) {
	var msg StartMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StartMessage{}, fmt.Errorf("decode message: %w", err)
	}
	msg.Route = strings.TrimSpace(msg.Route)
	return msg, nil
}

// DecodeChatStart decodes raw directly into the chat.stream shape and validates it.
func DecodeChatStart(raw []byte) (ChatStart, error) {
	var msg ChatStart
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ChatStart{}, fmt.Errorf("decode chat start: %w", err)
	}
	msg.Provider = strings.TrimSpace(msg.Provider)
	msg.Model = strings.TrimSpace(msg.Model)
	if msg.Provider == "" {
		return ChatStart{}, errors.New("provider required")
	}
	if msg.Model == "" {
		return ChatStart{}, errors.New("model required")
	}
	if strings.TrimSpace(msg.Instructions) == "" && len(msg.Messages) == 0 {
		return ChatStart{}, errors.New("instructions or messages required")
	}
	for i, m := range msg.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return ChatStart{}, fmt.Errorf("messages[%d]: role required", i)
		}
	}
	return msg, nil
}

// DecodeStop decodes raw directly into the chat.stop shape and validates it.
func DecodeStop(raw []byte) (StopMessage, error) {
	var msg StopMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StopMessage{}, fmt.Errorf("decode stop: %w", err)
	}
	msg.TargetRequestID = strings.TrimSpace(msg.TargetRequestID)
	if msg.TargetRequestID == "" {
		return StopMessage{}, errors.New("targetRequestId required")
	}
	return msg, nil
}

// Streaming reports the requested streaming mode; it defaults to true.
func (m ChatStart) Streaming() bool {
	return m.Stream == nil || *m.Stream
}

// ChatRequest converts the start message into the request handed upstream.
// System and prior messages come first; instructions become the trailing user turn.
func (m ChatStart) ChatRequest() ChatRequest {
	messages := make([]Message, 0, len(m.Messages)+2)
	if s := strings.TrimSpace(m.System); s != "" {
		messages = append(messages, Message{Role: "system", Content: s})
	}
	messages = append(messages, m.Messages...)
	if s := strings.TrimSpace(m.Instructions); s != "" {
		messages = append(messages, Message{Role: "user", Content: s})
	}
	return ChatRequest{
		Provider:    m.Provider,
		Model:       m.Model,
		Messages:    messages,
		Stream:      m.Streaming(),
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Stop:        m.Stop,
		User:        m.UserID,
		Tools:       m.Tools,
		Endpoint:    m.Endpoint,
	}
}
