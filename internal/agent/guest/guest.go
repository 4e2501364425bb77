// Package guest implements the in-VM side of the agent protocol: a
// supervisor that listens for host connections and executes commands,
// file transfers, pings, and shutdown requests on their behalf. It is
// built into the tiny static binary baked into the guest rootfs image;
// the supervisor starts it once the guest's network is up.
package guest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/flowforge/runner/internal/agent"
)

const defaultWorkspace = "/workspace"

// Agent serves the host<->guest protocol over a single listener (a real
// AF_VSOCK listener in production, a Unix-socket listener in dev/test).
type Agent struct {
	listener  net.Listener
	workspace string
	startedAt time.Time
}

// New wraps an already-bound listener.
func New(l net.Listener) *Agent {
	return &Agent{listener: l, workspace: defaultWorkspace, startedAt: time.Now()}
}

// Serve accepts connections until ctx is cancelled or the listener errs.
// Each connection carries exactly one request/response exchange,
// mirroring the host client's dial-per-request contract.
func (a *Agent) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go a.handle(conn)
	}
}

func (a *Agent) handle(conn net.Conn) {
	defer conn.Close()
	env, err := agent.ReadEnvelope(conn)
	if err != nil {
		return
	}

	switch env.Type {
	case agent.MsgPing:
		a.handlePing(conn, env)
	case agent.MsgExecute:
		a.handleExecute(conn, env)
	case agent.MsgFileWrite:
		a.handleFileWrite(conn, env)
	case agent.MsgFileRead:
		a.handleFileRead(conn, env)
	case agent.MsgShutdown:
		a.handleShutdown(conn, env)
	}
}

func (a *Agent) handlePing(conn net.Conn, env *agent.Envelope) {
	var req agent.PingRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	resp := agent.PingResponse{
		ID:        req.ID,
		Timestamp: time.Now().Unix(),
		UptimeMS:  time.Since(a.startedAt).Milliseconds(),
	}
	agent.WriteEnvelope(conn, agent.MsgPing, resp)
}

func (a *Agent) handleExecute(conn net.Conn, env *agent.Envelope) {
	var req agent.ExecuteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = a.workspace
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(req.Args) == 0 {
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Command)
	} else {
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	}
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	var stdout, stderr bytes.Buffer
	if req.Stream {
		cmd.Stdout = &streamWriter{conn: conn, id: req.ID, stream: "stdout", capture: &stdout}
		cmd.Stderr = &streamWriter{conn: conn, id: req.ID, stream: "stderr", capture: &stderr}
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if ctx.Err() == context.DeadlineExceeded {
		exitCode = 124
	} else if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	resp := agent.ExecuteResponse{
		ID:         req.ID,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}
	agent.WriteEnvelope(conn, agent.MsgExecute, resp)
}

func (a *Agent) handleFileWrite(conn net.Conn, env *agent.Envelope) {
	var req agent.FileWriteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	full := a.resolvePath(req.Path)
	var data []byte
	var err error
	if req.Encoding == agent.EncodingBase64 {
		data, err = base64.StdEncoding.DecodeString(req.Content)
	} else {
		data = []byte(req.Content)
	}
	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(full), 0o755); mkErr == nil {
			mode := os.FileMode(0o644)
			if req.Mode != nil {
				mode = os.FileMode(*req.Mode)
			}
			err = os.WriteFile(full, data, mode)
		} else {
			err = mkErr
		}
	}

	resp := agent.FileWriteResponse{ID: req.ID, Success: err == nil}
	if err != nil {
		resp.Error = fmt.Sprintf("FILE_WRITE_ERROR: %v", err)
	}
	agent.WriteEnvelope(conn, agent.MsgFileWrite, resp)
}

func (a *Agent) handleFileRead(conn net.Conn, env *agent.Envelope) {
	var req agent.FileReadRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	full := a.resolvePath(req.Path)
	data, err := os.ReadFile(full)
	resp := agent.FileReadResponse{ID: req.ID}
	switch {
	case os.IsNotExist(err):
		resp.Error = "FILE_NOT_FOUND"
	case err != nil:
		resp.Error = fmt.Sprintf("FILE_READ_ERROR: %v", err)
	default:
		if req.Encoding == agent.EncodingBase64 {
			resp.Content = base64.StdEncoding.EncodeToString(data)
			resp.Encoding = agent.EncodingBase64
		} else {
			resp.Content = string(data)
			resp.Encoding = agent.EncodingUTF8
		}
	}
	agent.WriteEnvelope(conn, agent.MsgFileRead, resp)
}

func (a *Agent) handleShutdown(conn net.Conn, env *agent.Envelope) {
	var req agent.ShutdownRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	agent.WriteEnvelope(conn, agent.MsgShutdown, agent.ShutdownResponse{ID: req.ID, Success: true})
}

func (a *Agent) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.workspace, p)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	merged := append([]string{}, base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// streamWriter forwards writes both to the durable capture buffer and as
// unsolicited "output" envelopes on the same connection.
type streamWriter struct {
	conn    net.Conn
	id      string
	stream  string
	capture *bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.capture.Write(p)
	agent.WriteEnvelope(w.conn, agent.MsgOutput, agent.OutputChunk{ID: w.id, Stream: w.stream, Data: string(p)})
	return len(p), nil
}
