// Package ipc implements the parent↔child process plumbing: the typed
// message envelope exchanged over the child's stdio pipes, the supervised
// child process with its handshake, ping loop, and watchdogs, and the
// inference executor that lets jobs reach model runners hosted in a sibling
// process.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cadenza-ai/cadenza/internal/job"
)

// Message cases, one per envelope variant. Messages are strictly ordered
// per direction.
const (
	CaseInitializeRequest  = "initializeRequest"
	CaseInitializeResponse = "initializeResponse"
	CasePingRequest        = "pingRequest"
	CasePongResponse       = "pongResponse"
	CaseStartJobRequest    = "startJobRequest"
	CaseShutdownRequest    = "shutdownRequest"
	CaseExiting            = "exiting"
	CaseDone               = "done"
	CaseInferenceRequest   = "inferenceRequest"
	CaseInferenceResponse  = "inferenceResponse"
)

// LoggerOptions is forwarded to the child so its logs match the parent's.
type LoggerOptions struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"`
}

// InitializeRequest is the first parent→child message.
type InitializeRequest struct {
	LoggerOptions    LoggerOptions `json:"loggerOptions"`
	PingIntervalMs   int64         `json:"pingInterval"`
	PingTimeoutMs    int64         `json:"pingTimeout"`
	HighPingThreshMs int64         `json:"highPingThreshold"`
}

// InitializeResponse must be the first child→parent message.
type InitializeResponse struct{}

// PingRequest carries the parent's send timestamp (unix milliseconds).
type PingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// PongResponse echoes the ping timestamp and adds the child's own.
type PongResponse struct {
	LastTimestamp int64 `json:"lastTimestamp"`
	Timestamp     int64 `json:"timestamp"`
}

// StartJobRequest assigns a job to the child.
type StartJobRequest struct {
	RunningJob job.RunningJobInfo `json:"runningJob"`
}

// ShutdownRequest asks the child to wind down.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Exiting announces a child-initiated exit.
type Exiting struct {
	Reason string `json:"reason,omitempty"`
}

// Done acknowledges a completed shutdown.
type Done struct{}

// InferenceRequest dispatches one inference to a named runner.
type InferenceRequest struct {
	Method    string          `json:"method"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// InferenceResponse carries a runner result or error.
type InferenceResponse struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// envelope is the wire shape: a case tag plus the variant payload.
type envelope struct {
	Case    string          `json:"case"`
	Payload json.RawMessage `json:"payload"`
}

// caseOf maps a message value to its envelope case.
func caseOf(msg any) (string, error) {
	switch msg.(type) {
	case InitializeRequest, *InitializeRequest:
		return CaseInitializeRequest, nil
	case InitializeResponse, *InitializeResponse:
		return CaseInitializeResponse, nil
	case PingRequest, *PingRequest:
		return CasePingRequest, nil
	case PongResponse, *PongResponse:
		return CasePongResponse, nil
	case StartJobRequest, *StartJobRequest:
		return CaseStartJobRequest, nil
	case ShutdownRequest, *ShutdownRequest:
		return CaseShutdownRequest, nil
	case Exiting, *Exiting:
		return CaseExiting, nil
	case Done, *Done:
		return CaseDone, nil
	case InferenceRequest, *InferenceRequest:
		return CaseInferenceRequest, nil
	case InferenceResponse, *InferenceResponse:
		return CaseInferenceResponse, nil
	default:
		return "", fmt.Errorf("ipc: unknown message type %T", msg)
	}
}

// decodePayload maps an envelope case back to its typed message.
func decodePayload(env envelope) (any, error) {
	unmarshal := func(v any) (any, error) {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("ipc: decode %s: %w", env.Case, err)
		}
		return v, nil
	}
	switch env.Case {
	case CaseInitializeRequest:
		return unmarshal(&InitializeRequest{})
	case CaseInitializeResponse:
		return unmarshal(&InitializeResponse{})
	case CasePingRequest:
		return unmarshal(&PingRequest{})
	case CasePongResponse:
		return unmarshal(&PongResponse{})
	case CaseStartJobRequest:
		return unmarshal(&StartJobRequest{})
	case CaseShutdownRequest:
		return unmarshal(&ShutdownRequest{})
	case CaseExiting:
		return unmarshal(&Exiting{})
	case CaseDone:
		return unmarshal(&Done{})
	case CaseInferenceRequest:
		return unmarshal(&InferenceRequest{})
	case CaseInferenceResponse:
		return unmarshal(&InferenceResponse{})
	default:
		return nil, fmt.Errorf("ipc: unknown message case %q", env.Case)
	}
}

// maxMessageBytes caps one envelope; inference payloads carry audio
// features but never whole recordings.
const maxMessageBytes = 32 << 20

// Codec frames envelopes onto a byte pipe: a 4-byte big-endian length
// prefix followed by the envelope JSON. Writes are serialized; reads are
// single-consumer.
type Codec struct {
	r io.Reader
	w io.Writer

	writeMu sync.Mutex
}

// NewCodec creates a Codec over the given pipe halves.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: r, w: w}
}

// Send frames and writes one message.
func (c *Codec) Send(msg any) error {
	cs, err := caseOf(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s: %w", cs, err)
	}
	raw, err := json.Marshal(envelope{Case: cs, Payload: payload})
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(raw)))
	if _, err := c.w.Write(length[:]); err != nil {
		return fmt.Errorf("ipc: write length: %w", err)
	}
	if _, err := c.w.Write(raw); err != nil {
		return fmt.Errorf("ipc: write envelope: %w", err)
	}
	return nil
}

// Recv reads and decodes the next message, blocking until one arrives or
// the pipe closes.
func (c *Codec) Recv() (any, error) {
	var length [4]byte
	if _, err := io.ReadFull(c.r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n == 0 || n > maxMessageBytes {
		return nil, fmt.Errorf("ipc: invalid message length %d", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(c.r, raw); err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return decodePayload(env)
}
