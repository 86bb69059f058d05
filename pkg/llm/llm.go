// Package llm defines the chat-context data model and the Provider contract
// for Large Language Model backends.
//
// A provider wraps a remote or local model API and exposes a single
// streaming entry point: Chat sends a snapshot of the conversation and
// returns a channel of incremental chunks. Implementations must be safe for
// concurrent use and must close their chunk channel when generation ends,
// errors, or the context is cancelled.
package llm

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
)

// ToolChoice constrains whether the model may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ConnOptions bounds a single provider call.
type ConnOptions struct {
	// Timeout caps the whole call, connection included. Zero means the
	// provider default.
	Timeout time.Duration

	// MaxRetry and RetryInterval drive the provider's internal reconnect
	// backoff for retryable failures.
	MaxRetry      int
	RetryInterval time.Duration
}

// DefaultConnOptions is used when a caller passes a zero ConnOptions.
var DefaultConnOptions = ConnOptions{
	Timeout:       10 * time.Second,
	MaxRetry:      3,
	RetryInterval: 2 * time.Second,
}

// ChatRequest carries one model call.
type ChatRequest struct {
	// ChatCtx is the conversation snapshot. Providers must serialize items
	// in insertion order.
	ChatCtx *ChatContext

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// ToolChoice defaults to auto when empty.
	ToolChoice ToolChoice

	// ConnOptions bounds the call.
	ConnOptions ConnOptions

	// Extra holds provider-specific parameters (temperature, top-p, …).
	Extra map[string]any
}

// ToolCallDelta is an incremental tool invocation carried by a chunk.
type ToolCallDelta struct {
	CallID    string
	Name      string
	Arguments string
}

// ChatDelta is the incremental payload of one chunk.
type ChatDelta struct {
	// Role is set on the first chunk of a message.
	Role ChatRole

	// Content is incremental text.
	Content string

	// ToolCalls carries completed tool invocations. Providers accumulate
	// argument fragments internally and emit whole calls.
	ToolCalls []ToolCallDelta
}

// ChatChunk is a single increment of a chat stream.
type ChatChunk struct {
	// ID is the provider's generation id, stable across the stream.
	ID string

	Delta ChatDelta

	// Usage is set on the final chunk when the provider reports token
	// accounting.
	Usage *metrics.LLMMetrics

	// Err terminates the stream: the channel is closed right after a chunk
	// carrying a non-nil Err. Errors are typed per the cadenzaerr taxonomy.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Label identifies the provider in logs and metric records.
	Label() string

	// Chat sends req and returns a channel of incremental chunks. The
	// channel is closed by the implementation when generation finishes,
	// errors (after an Err chunk), or ctx is cancelled. Callers must drain
	// the channel. The initial error return covers only failures that
	// prevent the stream from starting.
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
}
