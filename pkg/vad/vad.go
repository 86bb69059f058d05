// Package vad defines the contract for Voice Activity Detection engines.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session: frames go in, start/end events come out.
// VAD is the low-latency signal that gates STT input and triggers
// interruption while the agent is speaking.
//
// Implementations must be safe for concurrent use across different streams;
// a single Stream is owned by one goroutine.
package vad

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
)

// EventType tags a VAD event.
type EventType string

const (
	EventStartOfSpeech EventType = "start_of_speech"
	EventInferenceDone EventType = "inference_done"
	EventEndOfSpeech   EventType = "end_of_speech"
)

// Event is one detection result.
type Event struct {
	Type EventType

	// Probability is the speech probability of the most recent frame.
	Probability float64

	// SpeechDuration is the length of the current speech segment.
	SpeechDuration time.Duration

	// SilenceDuration is the length of the current silence run.
	SilenceDuration time.Duration

	// Frames are the raw frames covered by this event; start-of-speech
	// events carry the prefix-padded lookback audio.
	Frames []rtc.AudioFrame

	// Usage is set on periodic inference-accounting events.
	Usage *metrics.VADMetrics
}

// Config tunes a detection stream.
type Config struct {
	// ActivationThreshold is the probability above which a frame counts as
	// speech. Typical: 0.5.
	ActivationThreshold float64

	// MinSpeechDuration filters spurious blips before start-of-speech fires.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is the silence run required before end-of-speech.
	MinSilenceDuration time.Duration

	// PrefixPaddingDuration is lookback audio attached to start-of-speech.
	PrefixPaddingDuration time.Duration

	// SampleRate of the pushed frames, in Hz.
	SampleRate int
}

// Stream is an open detection session. PushFrame must not block for longer
// than the frame duration; Close is idempotent.
type Stream interface {
	// PushFrame analyses one frame.
	PushFrame(frame rtc.AudioFrame) error

	// Events returns the event channel. Closed when the stream ends.
	Events() <-chan Event

	// Close releases the stream.
	Close() error
}

// Engine is the factory for detection streams.
type Engine interface {
	// Label identifies the engine in logs and metric records.
	Label() string

	// NewStream creates an independent detection session.
	NewStream(ctx context.Context, cfg Config) (Stream, error)
}
