package envelope

import (
	"encoding/json"
	"time"
)

// EventType is the outbound envelope discriminator.
type EventType string

const (
	EventBegin     EventType = "begin"
	EventFrame     EventType = "frame"
	EventEnd       EventType = "end"
	EventCancelAck EventType = "cancel_ack"
	EventError     EventType = "error"
)

// Envelope is the wrapper for every message sent to the client.
type Envelope struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId"`
	Payload   any       `json:"payload,omitempty"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// New stamps an envelope with the current time.
func New(t EventType, requestID string, payload any) Envelope {
	return Envelope{Type: t, RequestID: requestID, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

// Terminal reports whether no further envelopes follow for the request id.
func (e Envelope) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError || e.Type == EventCancelAck
}

// Received is an envelope as read by a client; the payload is decoded once
// the type is known.
type Received struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Terminal reports whether no further envelopes follow for the request id.
func (r Received) Terminal() bool {
	return Envelope{Type: r.Type}.Terminal()
}

// BeginPayload lets the client bind a request id before the first token arrives.
type BeginPayload struct {
	Route     string `json:"route"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	SessionID string `json:"sessionId,omitempty"`
}

// CancelAckPayload acknowledges a successful stop.
type CancelAckPayload struct {
	TargetRequestID string `json:"targetRequestId"`
}

// ErrorKind classifies client-visible failures.
type ErrorKind string

const (
	KindUpstreamHTTP        ErrorKind = "upstream_http"
	KindUpstreamFailure     ErrorKind = "upstream_failure"
	KindUnsupportedRoute    ErrorKind = "unsupported_route"
	KindInvalidStartPayload ErrorKind = "invalid_start_payload"
	KindNotFound            ErrorKind = "not_found"
	KindAlreadyRunning      ErrorKind = "already_running"
	KindCancelled           ErrorKind = "cancelled"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindRateLimited         ErrorKind = "rate_limited"
	KindUnknownProvider     ErrorKind = "unknown_provider"
)

// ErrorPayload is the body of an error envelope.
type ErrorPayload struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Status   int       `json:"status,omitempty"`
	Body     string    `json:"body,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Route    string    `json:"route,omitempty"`
}

// Fail builds an error envelope.
func Fail(requestID string, p ErrorPayload) Envelope {
	return New(EventError, requestID, p)
}
