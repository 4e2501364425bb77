// Package agent implements the host<->guest executor protocol (C5):
// length-framed JSON messages carrying exec/file/ping/shutdown requests
// and their responses, over a vsock stream (or a Unix-socket fallback
// transport during local development).
package agent

import "encoding/json"

// MessageType identifies the kind of envelope being sent.
type MessageType string

const (
	MsgExecute  MessageType = "execute"
	MsgOutput   MessageType = "output" // unsolicited, sent only when Stream=true
	MsgFileWrite MessageType = "file_write"
	MsgFileRead MessageType = "file_read"
	MsgPing     MessageType = "ping"
	MsgShutdown MessageType = "shutdown"
)

// Envelope is the outer wire message: a type tag plus a raw payload,
// framed on the connection with a 4-byte big-endian length prefix.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExecuteRequest runs a command inside the guest. When Args is empty the
// command string is passed to a shell (sh -c); otherwise Args is an argv
// vector with Command as argv[0].
type ExecuteRequest struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Stream  bool              `json:"stream,omitempty"`
}

// ExecuteResponse carries the full captured output for durability even
// when streaming was requested.
type ExecuteResponse struct {
	ID         string `json:"id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// OutputChunk is an unsolicited streaming chunk interleaved between an
// execute request and its terminal response.
type OutputChunk struct {
	ID     string `json:"id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

// Encoding names how FileWriteRequest/FileReadResponse content is encoded.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// FileWriteRequest writes content to a path inside the guest's workspace.
type FileWriteRequest struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Content  string   `json:"content"`
	Encoding Encoding `json:"encoding"`
	Mode     *uint32  `json:"mode,omitempty"`
}

// FileWriteResponse confirms a write.
type FileWriteResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"` // FILE_WRITE_ERROR detail
}

// FileReadRequest reads a path from the guest.
type FileReadRequest struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Encoding Encoding `json:"encoding"`
}

// FileReadResponse carries the file's content, or an error.
type FileReadResponse struct {
	ID       string   `json:"id"`
	Content  string   `json:"content,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
	Error    string   `json:"error,omitempty"` // FILE_NOT_FOUND or FILE_READ_ERROR
}

// PingRequest checks guest agent liveness.
type PingRequest struct {
	ID string `json:"id"`
}

// PingResponse reports guest uptime.
type PingResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	UptimeMS  int64  `json:"uptime_ms"`
}

// ShutdownRequest asks the guest agent to terminate.
type ShutdownRequest struct {
	ID        string `json:"id"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ShutdownResponse confirms shutdown was accepted.
type ShutdownResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}
