// Package auth resolves the caller identity of a chat start message from its
// bearer token.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingToken is returned when a token is required but absent.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken covers malformed, forged and expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrIdentityMismatch means the token names a different user than the message.
	ErrIdentityMismatch = errors.New("auth: user id does not match token")
)

// Resolver turns a token and the user id claimed by the client into the
// authoritative user id.
type Resolver interface {
	Resolve(ctx context.Context, token, claimedUserID string) (string, error)
}

// Manager validates HMAC-signed tokens of the form base64(user|expiry).base64(sig).
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// IssueToken issues a signed token for the user. Operators and tests use it;
// the relay itself only validates.
func (m *Manager) IssueToken(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", userID, expires)
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates and returns the embedded user id.
func (m *Manager) ValidateToken(token string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(token, "Bearer "), ".")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: signature", ErrInvalidToken)
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	userID := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	if m.now().Unix() > expiry {
		return "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return userID, nil
}

// Resolve implements Resolver. A claimed user id, when present, must match the token.
func (m *Manager) Resolve(_ context.Context, token, claimedUserID string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	userID, err := m.ValidateToken(token)
	if err != nil {
		return "", err
	}
	if claimedUserID != "" && claimedUserID != userID {
		return "", ErrIdentityMismatch
	}
	return userID, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Trusting is the resolver used when auth is disabled: the claimed user id is
// accepted as-is and tokens are ignored.
type Trusting struct {
	// Anonymous is used when the client claims no user id.
	Anonymous string
}

// Resolve implements Resolver.
func (t Trusting) Resolve(_ context.Context, _ string, claimedUserID string) (string, error) {
	if claimedUserID != "" {
		return claimedUserID, nil
	}
	if t.Anonymous != "" {
		return t.Anonymous, nil
	}
	return "anonymous", nil
}
