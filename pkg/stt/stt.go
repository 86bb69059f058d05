// Package stt defines the Provider contract for Speech-to-Text backends.
//
// A provider wraps a transcription service and exposes two entry points: a
// one-shot Recognize over a buffered audio segment, and a streaming session
// that accepts raw audio frames and emits speech events — low-latency
// interims for responsiveness and authoritative finals for the conversation
// history.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously.
package stt

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
)

// EventType tags a SpeechEvent.
type EventType string

const (
	EventStartOfSpeech     EventType = "start_of_speech"
	EventInterimTranscript EventType = "interim_transcript"
	EventFinalTranscript   EventType = "final_transcript"
	EventRecognitionUsage  EventType = "recognition_usage"
	EventEndOfSpeech       EventType = "end_of_speech"
)

// Alternative is one recognition hypothesis.
type Alternative struct {
	// Text is the transcribed speech.
	Text string

	// Language is the BCP-47 tag of the recognized language.
	Language string

	// Confidence is the hypothesis score in [0,1]; zero when the provider
	// does not report one.
	Confidence float64

	// StartTime and EndTime bound the utterance relative to stream start.
	StartTime time.Duration
	EndTime   time.Duration
}

// SpeechEvent is one item of a recognition stream. Alternatives are ordered
// best-first; Alternatives[0] is the committed hypothesis.
type SpeechEvent struct {
	Type      EventType
	RequestID string

	Alternatives []Alternative

	// Usage is set on EventRecognitionUsage events.
	Usage *metrics.STTMetrics

	// Err terminates the stream: the events channel is closed right after
	// an event carrying a non-nil Err.
	Err error
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	// Streaming reports native streaming recognition; non-streaming
	// providers are typically wrapped with a VAD-gated segmenter.
	Streaming bool

	// InterimResults reports whether interim transcripts are emitted.
	InterimResults bool
}

// StreamOptions configures a streaming session.
type StreamOptions struct {
	// SampleRate of the pushed frames, in Hz.
	SampleRate int

	// Language hints recognition; empty lets the provider detect.
	Language string

	// ConnOptions bounds the session's connection attempts.
	ConnOptions llm.ConnOptions
}

// RecognizeStream is an open streaming session. Callers push frames, flush
// segment boundaries, and read events until the channel closes. All methods
// are safe for concurrent use; Close is idempotent.
type RecognizeStream interface {
	// PushFrame delivers one audio frame for transcription.
	PushFrame(frame rtc.AudioFrame) error

	// Flush marks a segment boundary, asking the provider to finalize
	// buffered audio.
	Flush()

	// EndInput signals that no more audio will arrive. The stream emits
	// remaining events and closes.
	EndInput()

	// Events returns the event channel. It is closed when the session ends.
	Events() <-chan SpeechEvent

	// Close tears the session down, discarding pending audio.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Label identifies the provider in logs and metric records.
	Label() string

	// Capabilities returns static metadata; constant per instance.
	Capabilities() Capabilities

	// Recognize transcribes a complete buffered segment.
	Recognize(ctx context.Context, frames []rtc.AudioFrame, language string) (SpeechEvent, error)

	// Stream opens a streaming recognition session.
	Stream(ctx context.Context, opts StreamOptions) (RecognizeStream, error)
}
