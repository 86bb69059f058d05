package transcription

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/streams"
	"github.com/cadenza-ai/cadenza/pkg/tts"
)

// Segment is one playback-aligned transcript fragment delivered to
// subscribers (data channel publishers, captions, logs).
type Segment struct {
	// ID groups fragments of one utterance.
	ID string

	// Text is the newly revealed transcript text.
	Text string

	// Final marks the last fragment of the utterance.
	Final bool
}

// defaultCharsPerSecond seeds the rate estimate before any measurement
// exists; roughly conversational English TTS.
const defaultCharsPerSecond = 15.0

// Synchronizer drips an utterance's transcript out in step with audio
// playback. Feed it text (PushText), timing (rate or aligned timestamps),
// and the playback clock (TickPlayback); read aligned segments from
// Segments.
type Synchronizer struct {
	id  string
	out *streams.StreamChannel[Segment]

	mu       sync.Mutex
	rate     *SpeakingRateData
	text     []rune
	emitted  int
	textDone bool
	closed   bool
}

// NewSynchronizer creates a Synchronizer for one utterance.
func NewSynchronizer(id string) *Synchronizer {
	s := &Synchronizer{
		id:   id,
		out:  streams.NewStreamChannel[Segment](64),
		rate: NewSpeakingRateData(),
	}
	s.rate.AddByRate(0, defaultCharsPerSecond)
	return s
}

// PushText appends transcript text awaiting playback.
func (s *Synchronizer) PushText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = append(s.text, []rune(text)...)
}

// PushTimed feeds provider word timestamps, switching the pacing to
// annotation mode for the covered span.
func (s *Synchronizer) PushTimed(ts []tts.TimedString) {
	for _, t := range ts {
		s.rate.AddByAnnotation(t.Text, t.StartTime.Seconds(), t.EndTime.Seconds())
	}
}

// MarkTextDone signals that no more text will arrive; once playback catches
// up, the final segment is emitted.
func (s *Synchronizer) MarkTextDone() {
	s.mu.Lock()
	s.textDone = true
	s.mu.Unlock()
}

// TickPlayback advances the playback clock and emits any text due by now.
func (s *Synchronizer) TickPlayback(ctx context.Context, played time.Duration) {
	due := int(math.Ceil(s.rate.AccumulateTo(played.Seconds())))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if due > len(s.text) {
		due = len(s.text)
	}
	var emit string
	if due > s.emitted {
		emit = string(s.text[s.emitted:due])
		s.emitted = due
	}
	final := s.textDone && s.emitted == len(s.text)
	if final {
		s.closed = true
	}
	s.mu.Unlock()

	if emit != "" || final {
		_ = s.out.Write(ctx, Segment{ID: s.id, Text: emit, Final: final})
	}
	if final {
		s.out.Close()
	}
}

// FlushRemaining ends the utterance (used on playout end or interruption)
// and reports the full emitted text. On playout end (interrupted false) all
// unemitted text is emitted at once; on interruption only the final marker
// is emitted and the unplayed text is dropped.
func (s *Synchronizer) FlushRemaining(ctx context.Context, interrupted bool) string {
	s.mu.Lock()
	if s.closed {
		full := string(s.text[:s.emitted])
		s.mu.Unlock()
		return full
	}
	s.closed = true
	var emit string
	if !interrupted && s.emitted < len(s.text) {
		emit = string(s.text[s.emitted:])
		s.emitted = len(s.text)
	}
	full := string(s.text[:s.emitted])
	s.mu.Unlock()

	_ = s.out.Write(ctx, Segment{ID: s.id, Text: emit, Final: true})
	s.out.Close()
	return full
}

// Segments returns the aligned transcript stream.
func (s *Synchronizer) Segments() streams.Reader[Segment] {
	return s.out.Stream()
}
