package agent

import (
	"context"
	"net"
	"testing"
	"time"
)

// pipeTransport hands back one end of an in-memory net.Pipe per dial,
// driving the other end with a scripted guest responder for tests.
type pipeTransport struct {
	respond func(conn net.Conn)
}

func (p pipeTransport) Dial(ctx context.Context) (net.Conn, error) {
	client, guest := net.Pipe()
	go p.respond(guest)
	return client, nil
}

func TestClientPingRoundTrip(t *testing.T) {
	transport := pipeTransport{respond: func(conn net.Conn) {
		defer conn.Close()
		env, err := ReadEnvelope(conn)
		if err != nil || env.Type != MsgPing {
			return
		}
		WriteEnvelope(conn, MsgPing, PingResponse{ID: "x", Timestamp: 123, UptimeMS: 456})
	}}

	c := NewClient(transport)
	resp, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Timestamp != 123 || resp.UptimeMS != 456 {
		t.Errorf("unexpected ping response: %+v", resp)
	}
}

func TestClientExecuteStreamsOutputBeforeResponse(t *testing.T) {
	transport := pipeTransport{respond: func(conn net.Conn) {
		defer conn.Close()
		env, err := ReadEnvelope(conn)
		if err != nil || env.Type != MsgExecute {
			return
		}
		WriteEnvelope(conn, MsgOutput, OutputChunk{ID: "x", Stream: "stdout", Data: "hi\n"})
		WriteEnvelope(conn, MsgExecute, ExecuteResponse{ID: "x", ExitCode: 0, Stdout: "hi\n", DurationMS: 5})
	}}

	var chunks []OutputChunk
	c := NewClient(transport)
	resp, err := c.Execute(context.Background(), ExecuteRequest{ID: "x", Command: "echo hi"}, func(o OutputChunk) {
		chunks = append(chunks, o)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ExitCode != 0 || resp.Stdout != "hi\n" {
		t.Errorf("unexpected execute response: %+v", resp)
	}
	if len(chunks) != 1 || chunks[0].Data != "hi\n" {
		t.Errorf("expected one streamed chunk, got %+v", chunks)
	}
}

func TestClientRetriesOnDialFailureThenGivesUp(t *testing.T) {
	failing := failingTransport{}
	c := NewClient(failing)

	start := time.Now()
	_, err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected agent-unreachable error")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected backoff delay between retries, elapsed %v", elapsed)
	}
}

type failingTransport struct{}

func (failingTransport) Dial(ctx context.Context) (net.Conn, error) {
	return nil, errDialAlwaysFails
}

var errDialAlwaysFails = net.UnknownNetworkError("always fails")
