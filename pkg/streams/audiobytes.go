package streams

import (
	"log/slog"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/rtc"
)

// DefaultFrameDuration is the frame size AudioByteStream produces when none
// is given.
const DefaultFrameDuration = 20 * time.Millisecond

// AudioByteStream frames an incoming byte sequence of little-endian signed
// 16-bit PCM samples into fixed-size audio frames. Bytes may arrive in
// arbitrary chunk sizes; whole frames are emitted as soon as enough samples
// have accumulated.
//
// Not safe for concurrent use; one instance per byte source.
type AudioByteStream struct {
	sampleRate      int
	channels        int
	samplesPerFrame int
	buf             []byte
	elapsed         time.Duration
}

// NewAudioByteStream creates a framer for s16le PCM at the given sample rate
// and channel count. samplesPerFrame <= 0 selects the 20ms default.
func NewAudioByteStream(sampleRate, channels, samplesPerFrame int) *AudioByteStream {
	if samplesPerFrame <= 0 {
		samplesPerFrame = int(time.Duration(sampleRate) * DefaultFrameDuration / time.Second)
	}
	return &AudioByteStream{
		sampleRate:      sampleRate,
		channels:        channels,
		samplesPerFrame: samplesPerFrame,
	}
}

// bytesPerFrame is samplesPerFrame × channels × 2 (s16le).
func (s *AudioByteStream) bytesPerFrame() int {
	return s.samplesPerFrame * s.channels * 2
}

// Write appends data to the internal buffer and returns every whole frame
// now available. The returned frames reference freshly allocated buffers.
func (s *AudioByteStream) Write(data []byte) []rtc.AudioFrame {
	s.buf = append(s.buf, data...)

	frameBytes := s.bytesPerFrame()
	var frames []rtc.AudioFrame
	for len(s.buf) >= frameBytes {
		frames = append(frames, s.frame(s.buf[:frameBytes]))
		s.buf = s.buf[frameBytes:]
	}
	return frames
}

// Flush returns the buffered remainder as one final short frame, provided it
// is a whole multiple of the sample size. A partial trailing sample cannot
// be valid s16le PCM and is dropped with a warning.
func (s *AudioByteStream) Flush() []rtc.AudioFrame {
	if len(s.buf) == 0 {
		return nil
	}
	sampleBytes := s.channels * 2
	if rem := len(s.buf) % sampleBytes; rem != 0 {
		slog.Warn("audio byte stream: dropping partial trailing sample on flush",
			"bytes", rem,
			"sample_rate", s.sampleRate,
			"channels", s.channels,
		)
		s.buf = s.buf[:len(s.buf)-rem]
		if len(s.buf) == 0 {
			return nil
		}
	}
	f := s.frame(s.buf)
	s.buf = nil
	return []rtc.AudioFrame{f}
}

func (s *AudioByteStream) frame(data []byte) rtc.AudioFrame {
	cp := make([]byte, len(data))
	copy(cp, data)
	f := rtc.AudioFrame{
		Data:              cp,
		SampleRate:        s.sampleRate,
		Channels:          s.channels,
		SamplesPerChannel: len(cp) / 2 / s.channels,
		Timestamp:         s.elapsed,
	}
	s.elapsed += f.Duration()
	return f
}
