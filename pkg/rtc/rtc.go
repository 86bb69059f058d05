// Package rtc defines the audio-frame type and the contract the runtime
// expects from a real-time media transport. The transport itself — room
// connection, track publication, data channels — is an external SDK; the
// runtime only consumes frames from an input track and pushes frames to an
// output source.
package rtc

import (
	"context"
	"time"
)

// AudioFrame is a single frame of little-endian signed 16-bit PCM audio
// flowing through the pipeline. Frames are the atomic unit of transport:
// captured from a remote track, gated by VAD, fed to STT, produced by TTS,
// and played back into the room.
type AudioFrame struct {
	// Data is interleaved s16le PCM. len(Data) = SamplesPerChannel × Channels × 2.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for room audio, 16000/24000 for model I/O).
	SampleRate int

	// Channels: 1 for mono model I/O, 2 for stereo room playback.
	Channels int

	// SamplesPerChannel is the frame length in samples.
	SamplesPerChannel int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Room is the opaque media-transport handle a job receives once connected.
// Implementations wrap the actual SDK; the runtime treats the room as a
// source of remote audio and a sink for agent audio.
type Room interface {
	// Name returns the room name this connection is joined to.
	Name() string

	// SubscribeAudio returns a channel of decoded audio frames from the
	// given remote participant (empty identity = the first speaker). The
	// channel closes when the participant leaves or the room disconnects.
	SubscribeAudio(ctx context.Context, participant string) (<-chan AudioFrame, error)

	// PublishAudio returns a sink for agent audio. Writes block when the
	// transport's jitter buffer is full, providing end-to-end backpressure
	// into TTS synthesis. ClearBuffer drops queued-but-unplayed audio — the
	// interruption path.
	PublishAudio(ctx context.Context) (AudioSink, error)

	// Disconnected returns a channel closed when the room connection ends.
	Disconnected() <-chan struct{}

	// Close leaves the room. Idempotent.
	Close() error
}

// AudioSink accepts agent audio for playback into the room.
type AudioSink interface {
	// Write queues one frame for playback. Blocks on backpressure.
	Write(ctx context.Context, frame AudioFrame) error

	// ClearBuffer discards all queued-but-unplayed audio immediately.
	ClearBuffer()

	// PlaybackPosition reports how much audio has actually been played out,
	// which can lag what has been written. Drives transcript sync.
	PlaybackPosition() time.Duration

	// Close flushes and releases the sink. Idempotent.
	Close() error
}

// Drain reads from ch until it is closed, discarding all values. Use this to
// release a producer goroutine when the data is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
