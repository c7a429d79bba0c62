package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-relay/internal/envelope"
)

type chatOptions struct {
	Addr      string
	Provider  string
	Model     string
	Prompt    string
	System    string
	SessionID string
	UserID    string
	Token     string
	RequestID string
	StopAfter int
}

// chatError is an error envelope received for the streamed request.
type chatError struct {
	payload envelope.ErrorPayload
}

func (e *chatError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.payload.Kind, e.payload.Message)
	if e.payload.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.payload.Status)
	}
	return msg
}

// runChat streams one prompt, writing text to out and progress to diag.
// A stop requested with StopAfter that ends in a cancellation is a success.
func runChat(ctx context.Context, opts chatOptions, out, diag io.Writer) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.Addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.Addr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	id := opts.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	start := map[string]any{
		"route":           envelope.RouteChatStream,
		"provider":        opts.Provider,
		"model":           opts.Model,
		"instructions":    opts.Prompt,
		"userId":          opts.UserID,
		"clientRequestId": id,
	}
	if opts.System != "" {
		start["system"] = opts.System
	}
	if opts.SessionID != "" {
		start["sessionId"] = opts.SessionID
	}
	if opts.Token != "" {
		start["authToken"] = opts.Token
	}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	frames := 0
	stopSent := false
	for {
		var env envelope.Received
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if env.RequestID != id {
			// Replies to our stop request.
			if err := reportStopReply(env, diag); err != nil {
				return err
			}
			continue
		}

		switch env.Type {
		case envelope.EventBegin:
			var p envelope.BeginPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("decode begin: %w", err)
			}
			fmt.Fprintf(diag, "[%s/%s] %s\n", p.Provider, p.Model, id)
		case envelope.EventFrame:
			var c envelope.Chunk
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}
			fmt.Fprint(out, c.Text)
			frames++
			if opts.StopAfter > 0 && frames >= opts.StopAfter && !stopSent {
				stopSent = true
				err := conn.WriteJSON(map[string]any{
					"route":           envelope.RouteChatStop,
					"targetRequestId": id,
					"clientRequestId": id + "-stop",
				})
				if err != nil {
					return fmt.Errorf("send stop: %w", err)
				}
			}
		case envelope.EventEnd:
			var c envelope.Chunk
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				return fmt.Errorf("decode end: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(diag, "finish=%s", c.FinishReason)
			if c.Usage != nil {
				fmt.Fprintf(diag, " prompt_tokens=%d completion_tokens=%d", c.Usage.PromptTokens, c.Usage.CompletionTokens)
			}
			fmt.Fprintln(diag)
			return nil
		case envelope.EventError:
			var p envelope.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("decode error: %w", err)
			}
			if stopSent && p.Kind == envelope.KindCancelled {
				fmt.Fprintln(out)
				fmt.Fprintf(diag, "stopped after %d frames\n", frames)
				return nil
			}
			return &chatError{payload: p}
		}
	}
}

func reportStopReply(env envelope.Received, diag io.Writer) error {
	switch env.Type {
	case envelope.EventCancelAck:
		fmt.Fprintln(diag, "stop acknowledged")
	case envelope.EventError:
		var p envelope.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode stop reply: %w", err)
		}
		// not_found means the stream finished first; its end is on the way.
		fmt.Fprintf(diag, "stop: %s\n", p.Kind)
	}
	return nil
}
