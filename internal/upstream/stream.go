package upstream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/tokligence/tokligence-relay/internal/adapter"
	"github.com/tokligence/tokligence-relay/internal/envelope"
	"github.com/tokligence/tokligence-relay/internal/normalize"
)

// Stream sends req to target using strategy s and yields canonical chunks:
// zero or more deltas followed by exactly one final chunk. Any error ends the
// sequence; no final chunk is yielded after an error.
//
// Malformed lines are dropped and the stream continues.
func (c *Client) Stream(ctx context.Context, s adapter.Strategy, target adapter.Target, req envelope.ChatRequest) iter.Seq2[envelope.Chunk, error] {
	return func(yield func(envelope.Chunk, error) bool) {
		if target.Model != "" {
			req.Model = target.Model
		}
		endpoint, err := adapter.ResolveEndpoint(target.BaseURL, req.Endpoint, adapter.RequestPath(s, req.Model, req.Stream))
		if err != nil {
			yield(envelope.Chunk{}, fmt.Errorf("upstream: resolve endpoint: %w", err))
			return
		}
		header := make(http.Header)
		s.Authorize(header, target.APIKey)

		resp, err := c.Open(ctx, endpoint, header, s.BuildPayload(req), req.Stream)
		if err != nil {
			yield(envelope.Chunk{}, err)
			return
		}
		defer resp.Close()

		norm := normalize.New()
		var meta adapter.Metadata
		for raw, err := range resp.Lines(ctx) {
			if err != nil {
				yield(envelope.Chunk{}, err)
				return
			}
			line, err := s.ParseLine(raw)
			if err != nil {
				if !errors.Is(err, adapter.ErrMalformedFrame) {
					yield(envelope.Chunk{}, err)
					return
				}
				c.dropped(target.Provider, raw, err)
				continue
			}
			meta.Merge(line.Meta)
			if line.HasToken {
				if delta := norm.Push(line.Token); delta != "" {
					role := line.Role
					if role == "" {
						role = "assistant"
					}
					if !yield(envelope.Delta(role, delta), nil) {
						return
					}
				}
			}
			if line.Done {
				break
			}
		}
		if err := ctx.Err(); err != nil {
			yield(envelope.Chunk{}, err)
			return
		}
		yield(envelope.Final(meta.FinishReason, meta.NativeFinishReason, meta.Usage), nil)
	}
}

func (c *Client) dropped(provider, raw string, err error) {
	if c.debug {
		c.logger.Printf("dropping malformed line from %s: %v (%.120q)", provider, err, raw)
	}
	if c.OnMalformed != nil {
		c.OnMalformed(provider)
	}
}
