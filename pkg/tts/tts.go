// Package tts defines the Provider contract for Text-to-Speech backends.
//
// Two synthesis modes are supported: a one-shot Synthesize over a complete
// string, and an incremental stream that accepts text fragments as the LLM
// produces them and emits audio as it becomes available — the low-latency
// pipelining path between model output and the room.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
)

// TimedString is a fragment of synthesized text with word-level timestamps,
// emitted by providers whose AlignedTranscript capability is set.
type TimedString struct {
	Text      string
	StartTime time.Duration
	EndTime   time.Duration
}

// SynthesizedAudio is one item of a synthesis stream.
type SynthesizedAudio struct {
	// Frame is a chunk of synthesized PCM audio.
	Frame rtc.AudioFrame

	// IsFinal marks the last chunk of a segment.
	IsFinal bool

	// SegmentID groups chunks belonging to one flushed text segment.
	SegmentID string

	// Timed carries aligned transcript fragments covering this chunk, when
	// the provider supports alignment.
	Timed []TimedString

	// Err terminates the stream: the channel is closed right after an item
	// carrying a non-nil Err.
	Err error
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	// Streaming reports native incremental synthesis. Non-streaming
	// providers are driven sentence-by-sentence through Synthesize.
	Streaming bool

	// AlignedTranscript reports word-timestamp support.
	AlignedTranscript bool
}

// SynthesizeStream is an open incremental synthesis session. Text goes in,
// audio comes out. All methods are safe for concurrent use; Close is
// idempotent.
type SynthesizeStream interface {
	// PushText appends a text fragment to the current segment.
	PushText(text string) error

	// Flush closes the current segment, forcing synthesis of buffered text.
	Flush()

	// EndInput signals no more text will arrive; remaining audio is emitted
	// and the channel closes.
	EndInput()

	// Events returns the audio channel. Closed when the session ends.
	Events() <-chan SynthesizedAudio

	// Close tears the session down, discarding pending synthesis.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Label identifies the provider in logs and metric records.
	Label() string

	// Capabilities returns static metadata; constant per instance.
	Capabilities() Capabilities

	// SampleRate is the output sample rate in Hz.
	SampleRate() int

	// NumChannels is the output channel count.
	NumChannels() int

	// Synthesize converts one complete string to audio (chunked stream).
	Synthesize(ctx context.Context, text string, conn llm.ConnOptions) (<-chan SynthesizedAudio, error)

	// Stream opens an incremental synthesis session.
	Stream(ctx context.Context, conn llm.ConnOptions) (SynthesizeStream, error)
}
