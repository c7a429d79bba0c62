package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/envelope"
)

// ErrMalformedFrame marks a single upstream line that could not be parsed.
// It is never fatal to a stream.
var ErrMalformedFrame = errors.New("malformed frame")

// UpstreamError is a failure the provider reported inside an otherwise healthy
// stream (an error object or error event). It ends the stream as a failure.
type UpstreamError struct {
	Provider string
	// Type is the provider's error code or type, when it sends one.
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: upstream error %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Provider, e.Message)
}

// Strategy knows one provider wire format: how to build its payload and how to
// read its stream lines. Strategies are stateless and shared across requests.
type Strategy interface {
	// Name is the wire name the strategy is registered under.
	Name() string
	// DefaultPath is the request path relative to the provider base URL.
	DefaultPath() string
	BuildPayload(req envelope.ChatRequest) any
	Authorize(h http.Header, apiKey string)
	// ParseLine decodes one raw line. Lines with nothing to report (blank,
	// comments, keepalives) return a zero Line and nil. Unparseable lines
	// return an error wrapping ErrMalformedFrame. An error the provider
	// reports in-band is returned as *UpstreamError.
	ParseLine(raw string) (Line, error)
}

// ModelPather is implemented by strategies whose request path embeds the model
// and differs between streaming and unary calls.
type ModelPather interface {
	PathForModel(model string, stream bool) string
}

// RequestPath returns the path s wants for model.
func RequestPath(s Strategy, model string, stream bool) string {
	if mp, ok := s.(ModelPather); ok && strings.TrimSpace(model) != "" {
		return mp.PathForModel(model, stream)
	}
	return s.DefaultPath()
}

// Line is what one raw upstream line contributed.
type Line struct {
	// Token is either a true delta or cumulative text; the normalizer decides.
	Token    string
	HasToken bool
	Role     string
	Meta     Metadata
	// Done means the provider signalled the end of the stream.
	Done bool
}

// Metadata is finish and usage information seen on a line.
type Metadata struct {
	FinishReason       string
	NativeFinishReason string
	Usage              *envelope.Usage
}

// Merge overlays the non-empty fields of o.
func (m *Metadata) Merge(o Metadata) {
	if o.FinishReason != "" {
		m.FinishReason = o.FinishReason
	}
	if o.NativeFinishReason != "" {
		m.NativeFinishReason = o.NativeFinishReason
	}
	if o.Usage == nil {
		return
	}
	if m.Usage == nil {
		m.Usage = &envelope.Usage{}
	}
	// Providers may split usage across lines (input first, output last).
	if o.Usage.PromptTokens != 0 {
		m.Usage.PromptTokens = o.Usage.PromptTokens
	}
	if o.Usage.CompletionTokens != 0 {
		m.Usage.CompletionTokens = o.Usage.CompletionTokens
	}
	if o.Usage.TotalTokens != 0 {
		m.Usage.TotalTokens = o.Usage.TotalTokens
	} else {
		m.Usage.TotalTokens = m.Usage.PromptTokens + m.Usage.CompletionTokens
	}
}

// Target is a resolved upstream: where to send the request and as which model.
type Target struct {
	Provider string
	Wire     string
	BaseURL  string
	APIKey   string
	// Model is the upstream model id, which may differ from the requested alias.
	Model string
}

// Malformed wraps err as a malformed-frame error.
func Malformed(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrMalformedFrame, err)
}

// ResolveEndpoint picks the request URL. An absolute override is used verbatim;
// otherwise the override (or defaultPath) is joined to baseURL with exactly one slash.
func ResolveEndpoint(baseURL, override, defaultPath string) (string, error) {
	override = strings.TrimSpace(override)
	if strings.HasPrefix(override, "http://") || strings.HasPrefix(override, "https://") {
		return override, nil
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "", errors.New("adapter: base url required for relative endpoint")
	}
	path := override
	if path == "" {
		path = defaultPath
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return base, nil
	}
	return base + "/" + path, nil
}

// Messages converts canonical messages into role/content pairs, dropping empty turns.
func Messages(in []envelope.Message) []envelope.Message {
	out := make([]envelope.Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, envelope.Message{Role: strings.ToLower(strings.TrimSpace(m.Role)), Content: m.Content})
	}
	return out
}
