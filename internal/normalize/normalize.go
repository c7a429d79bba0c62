// Package normalize turns provider tokens that may be either true deltas or
// cumulative "text so far" strings into a duplicate-free delta sequence.
package normalize

import "strings"

// Normalizer accumulates emitted text for a single stream. It is not safe for
// concurrent use; each stream owns one.
type Normalizer struct {
	acc strings.Builder
}

// New returns an empty Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Push consumes one raw token and returns the text that is new, possibly "".
func (n *Normalizer) Push(token string) string {
	if token == "" {
		return ""
	}
	acc := n.acc.String()
	switch {
	case strings.HasPrefix(token, acc):
		// cumulative: token repeats everything so far
		delta := token[len(acc):]
		n.acc.WriteString(delta)
		return delta
	case strings.HasSuffix(acc, token):
		// resent chunk
		return ""
	default:
		n.acc.WriteString(token)
		return token
	}
}

// Text returns everything emitted so far.
func (n *Normalizer) Text() string {
	return n.acc.String()
}
