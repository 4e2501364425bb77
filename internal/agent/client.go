package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/runner/internal/cierr"
)

// retryDelays is the fixed backoff schedule applied to connection
// failures (not to command failures): each attempt waits progressively
// longer before redialing.
var retryDelays = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}

// Client drives the host side of the agent protocol. It never holds a
// connection open between requests: every call dials fresh, sends one
// envelope, reads the matching response, and closes.
type Client struct {
	transport Transport
}

// NewClient wraps a Transport.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

// OutputHandler receives unsolicited streaming chunks while an Execute
// call with Stream=true is in flight.
type OutputHandler func(OutputChunk)

func (c *Client) roundTrip(ctx context.Context, typ MessageType, req any, onOutput OutputHandler) (*Envelope, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		conn, err := c.transport.Dial(ctx)
		if err != nil {
			lastErr = err
			if attempt < len(retryDelays) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(retryDelays[attempt]):
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", cierr.ErrAgentUnreachable, lastErr)
		}
		defer conn.Close()

		if err := WriteEnvelope(conn, typ, req); err != nil {
			return nil, fmt.Errorf("send %s: %w", typ, err)
		}

		for {
			env, err := ReadEnvelope(conn)
			if err != nil {
				return nil, fmt.Errorf("read response to %s: %w", typ, err)
			}
			if env.Type == MsgOutput && onOutput != nil {
				var chunk OutputChunk
				if jerr := unmarshalPayload(env, &chunk); jerr == nil {
					onOutput(chunk)
				}
				continue
			}
			return env, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", cierr.ErrAgentUnreachable, lastErr)
}

func unmarshalPayload(env *Envelope, v any) error {
	return jsonUnmarshal(env.Payload, v)
}

// Ping checks guest liveness; callers bound the number of pings
// themselves (C6's wait-for-agent step applies its own retry budget on
// top of this single round trip's connection-level retries).
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	req := PingRequest{ID: newID()}
	env, err := c.roundTrip(ctx, MsgPing, req, nil)
	if err != nil {
		return nil, err
	}
	var resp PingResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return nil, fmt.Errorf("decode ping response: %w", err)
	}
	return &resp, nil
}

// Execute runs a command to completion, invoking onOutput for any
// streaming chunks observed before the terminal response arrives.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, onOutput OutputHandler) (*ExecuteResponse, error) {
	if req.ID == "" {
		req.ID = newID()
	}
	env, err := c.roundTrip(ctx, MsgExecute, req, onOutput)
	if err != nil {
		return nil, err
	}
	var resp ExecuteResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	return &resp, nil
}

// FileWrite uploads content to a path inside the guest workspace.
func (c *Client) FileWrite(ctx context.Context, req FileWriteRequest) (*FileWriteResponse, error) {
	if req.ID == "" {
		req.ID = newID()
	}
	env, err := c.roundTrip(ctx, MsgFileWrite, req, nil)
	if err != nil {
		return nil, err
	}
	var resp FileWriteResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return nil, fmt.Errorf("decode file_write response: %w", err)
	}
	return &resp, nil
}

// FileRead downloads a path from the guest.
func (c *Client) FileRead(ctx context.Context, req FileReadRequest) (*FileReadResponse, error) {
	if req.ID == "" {
		req.ID = newID()
	}
	env, err := c.roundTrip(ctx, MsgFileRead, req, nil)
	if err != nil {
		return nil, err
	}
	var resp FileReadResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return nil, fmt.Errorf("decode file_read response: %w", err)
	}
	return &resp, nil
}

// Shutdown asks the guest agent to terminate.
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) (*ShutdownResponse, error) {
	req := ShutdownRequest{ID: newID(), TimeoutMS: timeout.Milliseconds()}
	env, err := c.roundTrip(ctx, MsgShutdown, req, nil)
	if err != nil {
		return nil, err
	}
	var resp ShutdownResponse
	if err := unmarshalPayload(env, &resp); err != nil {
		return nil, fmt.Errorf("decode shutdown response: %w", err)
	}
	return &resp, nil
}
