// Package abort tracks cancellable in-flight operations by request id.
package abort

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned when a request id is already live.
var ErrAlreadyRegistered = errors.New("abort: request id already registered")

// Registry is shared by every connection. Callers must Remove what they
// Register, and registered cancel funcs must return promptly.
type Registry interface {
	Register(requestID string, cancel context.CancelFunc) error
	// Cancel signals the operation and reports whether a live registration existed.
	Cancel(requestID string) bool
	Remove(requestID string)
}

// Memory is a lock-protected in-process Registry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]context.CancelFunc)}
}

func (m *Memory) Register(requestID string, cancel context.CancelFunc) error {
	if requestID == "" {
		return errors.New("abort: request id required")
	}
	if cancel == nil {
		return errors.New("abort: cancel func required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[requestID]; exists {
		return ErrAlreadyRegistered
	}
	m.entries[requestID] = cancel
	return nil
}

// Cancel calls the registered cancel func under the lock, so once Remove
// returns no Cancel for that id is still in flight. Cancel funcs must not block.
func (m *Memory) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.entries[requestID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (m *Memory) Remove(requestID string) {
	m.mu.Lock()
	delete(m.entries, requestID)
	m.mu.Unlock()
}

// Len returns the number of live registrations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
