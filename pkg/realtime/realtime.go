// Package realtime defines the contract for bidirectional speech-to-speech
// model sessions that fold STT, LLM, and TTS into a single stateful
// connection. Audio and control verbs go in; generation events — each
// carrying lazy message and function-call streams — come out.
//
// Implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/streams"
)

// Capabilities describes what a realtime model supports. The session layer
// reads MessageTruncation (it truncates interrupted messages only when set)
// and AutoToolReplyGeneration (when unset it sends the tool outputs and
// requests the reply itself); it does not run its own turn detection when
// TurnDetection is false.
type Capabilities struct {
	// MessageTruncation: the session can truncate a partially played
	// assistant message to what was actually heard.
	MessageTruncation bool

	// TurnDetection: the model runs server-side turn detection.
	TurnDetection bool

	// UserTranscription: the model emits transcripts of user audio.
	UserTranscription bool

	// AutoToolReplyGeneration: the model generates a reply after tool
	// outputs without an explicit GenerateReply.
	AutoToolReplyGeneration bool

	// AudioOutput: the model produces audio (not only text).
	AudioOutput bool
}

// MessageGeneration is one assistant message being generated: parallel lazy
// streams of text and audio.
type MessageGeneration struct {
	MessageID string

	TextStream  streams.Reader[string]
	AudioStream streams.Reader[rtc.AudioFrame]
}

// GenerationCreatedEvent announces a model generation. MessageStream yields
// messages as the model opens them; FunctionStream yields completed tool
// invocations.
type GenerationCreatedEvent struct {
	MessageStream  streams.Reader[MessageGeneration]
	FunctionStream streams.Reader[llm.FunctionCall]

	// UserInitiated is true for generations triggered by GenerateReply
	// rather than by the model's own turn detection.
	UserInitiated bool
}

// InputTranscriptionEvent is a transcript of user audio, when the model
// supports user transcription.
type InputTranscriptionEvent struct {
	ItemID     string
	Transcript string
	IsFinal    bool
}

// SessionEvent is the tagged union delivered on a session's event channel.
// Exactly one field is non-nil.
type SessionEvent struct {
	GenerationCreated  *GenerationCreatedEvent
	InputTranscription *InputTranscriptionEvent
	InputSpeechStarted bool
	InputSpeechStopped bool

	// Metrics carries a realtime usage record.
	Metrics *metrics.RealtimeModelMetrics

	// Err reports a fatal session error; the channel closes after it.
	Err error
}

// SessionConfig is the initial configuration of a realtime session.
type SessionConfig struct {
	// Instructions is the system-level prompt.
	Instructions string

	// Voice selects the model's synthesis voice.
	Voice string

	// Tools is the initial tool set.
	Tools []llm.ToolDefinition

	// InputSampleRate and OutputSampleRate in Hz; zero selects the model's
	// defaults.
	InputSampleRate  int
	OutputSampleRate int
}

// Session is an open realtime connection. All methods are safe for
// concurrent use; Close is idempotent.
type Session interface {
	// PushAudio delivers user audio to the model.
	PushAudio(frame rtc.AudioFrame) error

	// GenerateReply asks the model to produce a response now, optionally
	// overriding instructions for this one generation.
	GenerateReply(ctx context.Context, instructions string) error

	// CommitAudio finalizes the pending user audio buffer as a turn.
	CommitAudio() error

	// ClearAudio discards the pending user audio buffer.
	ClearAudio() error

	// Interrupt cancels the in-flight generation and stops audio output.
	Interrupt() error

	// Truncate trims a partially played assistant message to audioEnd so
	// the model's history matches what the user actually heard.
	Truncate(ctx context.Context, messageID string, audioEnd time.Duration) error

	// UpdateChatCtx replaces the session's conversation state.
	UpdateChatCtx(ctx context.Context, chatCtx *llm.ChatContext) error

	// UpdateTools replaces the active tool set.
	UpdateTools(ctx context.Context, tools []llm.ToolDefinition) error

	// UpdateInstructions replaces the system-level prompt.
	UpdateInstructions(ctx context.Context, instructions string) error

	// StartUserActivity hints that the user is about to speak (push to
	// talk), priming server-side detection.
	StartUserActivity() error

	// Events returns the session event channel. Closed when the session
	// ends.
	Events() <-chan SessionEvent

	// Close terminates the session. Idempotent.
	Close() error
}

// Model is the factory for realtime sessions.
type Model interface {
	// Label identifies the model in logs and metric records.
	Label() string

	// Capabilities returns static metadata; constant per instance.
	Capabilities() Capabilities

	// Connect establishes a new session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
