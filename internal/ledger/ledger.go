package ledger

import (
	"context"
	"time"
)

// Status is how a relayed operation ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

// Entry represents one terminal chat operation written to the ledger.
type Entry struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Status           Status    `json:"status"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage for a user.
type Summary struct {
	Requests         int64 `json:"requests"`
	Completed        int64 `json:"completed"`
	Cancelled        int64 `json:"cancelled"`
	Errored          int64 `json:"errored"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID string) (Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}
