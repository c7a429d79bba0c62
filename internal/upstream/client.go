// Package upstream talks HTTP to chat providers and turns their line-oriented
// streams into canonical chunks.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-relay/internal/version"
)

const (
	// maxLineSize bounds one upstream line; bufio's 64 KiB default is too small
	// for long non-streamed completions.
	maxLineSize = 1 << 20
	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 64 << 10
	// maxBody bounds a non-streamed response body.
	maxBody = 10 << 20
)

// UpstreamHTTPError is returned by Open when the provider answers non-2xx.
type UpstreamHTTPError struct {
	Status int
	Body   string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream: http %d: %s", e.Status, e.Body)
}

// Client performs upstream requests. The zero value is not usable; call New.
type Client struct {
	http   *http.Client
	logger *log.Logger
	debug  bool

	// OnMalformed, when set, is called once per dropped malformed line.
	OnMalformed func(provider string)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. debug enables per-line diagnostics.
func WithLogger(l *log.Logger, debug bool) Option {
	return func(c *Client) {
		c.logger = l
		c.debug = debug
	}
}

// WithTimeout bounds dialing and the wait for response headers. Once headers
// arrive the stream may run as long as the provider keeps sending; it ends
// only through its context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = d
		tr.DialContext = (&net.Dialer{
			Timeout:   min(d, 30*time.Second),
			KeepAlive: 30 * time.Second,
		}).DialContext
		h := *c.http
		h.Transport = tr
		c.http = &h
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{},
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is an open upstream response whose body is consumed lazily.
type Response struct {
	Status    int
	body      io.ReadCloser
	streaming bool
}

// Open POSTs payload as JSON to endpoint. A non-2xx answer is returned as
// *UpstreamHTTPError before any line is read. The caller must Close the response.
func (c *Client) Open(ctx context.Context, endpoint string, header http.Header, payload any, streaming bool) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if streaming {
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamHTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return &Response{Status: resp.StatusCode, body: resp.Body, streaming: streaming}, nil
}

// Close releases the response body. Safe to call more than once.
func (r *Response) Close() error {
	if r == nil || r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

// Lines yields raw upstream lines. A non-streamed response is yielded as a
// single line holding the whole body. Iteration stops with ctx.Err() as soon as
// ctx is done, and the body is closed when iteration ends.
func (r *Response) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer r.Close()
		if r.body == nil {
			return
		}
		if !r.streaming {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			data, err := io.ReadAll(io.LimitReader(r.body, maxBody))
			if err != nil {
				yield("", readErr(ctx, err))
				return
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				yield(text, nil)
			}
			return
		}

		scanner := bufio.NewScanner(r.body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !scanner.Scan() {
				break
			}
			if !yield(scanner.Text(), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", readErr(ctx, err))
		}
	}
}

// readErr prefers the context error when a read failed because ctx ended.
func readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("upstream: read stream: %w", err)
}
