package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/tts"
)

// TTS composes a list of tts.Provider behind the tts.Provider interface
// with automatic failover. All wrapped providers should share sample rate
// and channel count, or playback will glitch on switchover.
type TTS struct {
	group *group[tts.Provider]
}

var _ tts.Provider = (*TTS)(nil)

// NewTTS creates a TTS fallback adapter.
func NewTTS(providers []tts.Provider, policy Policy) *TTS {
	labels := make([]string, len(providers))
	for i, p := range providers {
		labels[i] = p.Label()
	}
	return &TTS{
		group: newGroup("tts", providers, labels, policy, probeTTS),
	}
}

// probeTTS health-checks a provider with a one-word synthesis.
func probeTTS(ctx context.Context, p tts.Provider) error {
	ch, err := p.Synthesize(ctx, "ok", llm.ConnOptions{Timeout: DefaultProbeTimeout})
	if err != nil {
		return err
	}
	for a := range ch {
		if a.Err != nil {
			return a.Err
		}
	}
	return nil
}

// Label implements tts.Provider.
func (f *TTS) Label() string { return "fallback.TTS" }

// Capabilities implements tts.Provider. Alignment is advertised only when
// every wrapped provider supports it, since a switchover must not change
// the transcript-sync mode mid-speech.
func (f *TTS) Capabilities() tts.Capabilities {
	caps := tts.Capabilities{Streaming: true, AlignedTranscript: true}
	for _, e := range f.group.entries {
		c := e.value.Capabilities()
		caps.AlignedTranscript = caps.AlignedTranscript && c.AlignedTranscript
	}
	return caps
}

// SampleRate implements tts.Provider.
func (f *TTS) SampleRate() int {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.SampleRate()
	}
	return 0
}

// NumChannels implements tts.Provider.
func (f *TTS) NumChannels() int {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.NumChannels()
	}
	return 0
}

// Events returns a subscription for availability changes.
func (f *TTS) Events() <-chan AvailabilityChanged { return f.group.Events() }

// Close stops recovery probes. Idempotent.
func (f *TTS) Close() { f.group.Close() }

// Synthesize implements tts.Provider with per-provider failover. When a
// provider fails after audio has been forwarded and RetryOnChunkSent is
// off, the error is surfaced instead of splicing two voices.
func (f *TTS) Synthesize(ctx context.Context, text string, conn llm.ConnOptions) (<-chan tts.SynthesizedAudio, error) {
	out := make(chan tts.SynthesizedAudio, 32)
	go func() {
		defer close(out)
		start := time.Now()

		var lastErr error
		for _, e := range f.group.candidates() {
			sent, err := f.runOnce(ctx, e, text, conn, out)
			if err == nil {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			if sent && !f.group.policy.RetryOnChunkSent {
				out <- tts.SynthesizedAudio{Err: err}
				return
			}
			f.group.markUnavailable(e)
		}

		out <- tts.SynthesizedAudio{Err: cadenzaerr.NewAPIConnectionError(
			fmt.Sprintf("all TTS providers failed after %v", time.Since(start).Round(time.Millisecond)), lastErr)}
	}()
	return out, nil
}

func (f *TTS) runOnce(ctx context.Context, e *entry[tts.Provider], text string, conn llm.ConnOptions, out chan<- tts.SynthesizedAudio) (sent bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.value.Synthesize(attemptCtx, text, conn)
	if err != nil {
		return false, err
	}
	firstByte := time.AfterFunc(f.group.policy.attemptTimeout(), cancel)

	for a := range ch {
		firstByte.Stop()
		if a.Err != nil {
			return sent, a.Err
		}
		select {
		case out <- a:
			sent = true
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	if !sent && attemptCtx.Err() != nil && ctx.Err() == nil {
		return false, cadenzaerr.NewAPITimeoutError(f.group.policy.attemptTimeout())
	}
	return sent, nil
}

// Stream implements tts.Provider. The adapter stream buffers text per
// segment and synthesizes each flushed segment through the fallback
// Synthesize path, so every segment independently benefits from failover.
func (f *TTS) Stream(ctx context.Context, conn llm.ConnOptions) (tts.SynthesizeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &fallbackTTSStream{
		adapter:  f,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan tts.SynthesizedAudio, 32),
		segments: aio.NewQueue[string](),
	}
	go s.run()
	return s, nil
}

type fallbackTTSStream struct {
	adapter *TTS
	conn    llm.ConnOptions
	ctx     context.Context
	cancel  context.CancelFunc

	events   chan tts.SynthesizedAudio
	segments *aio.Queue[string]

	mu        sync.Mutex
	pending   strings.Builder
	closeOnce sync.Once
}

func (s *fallbackTTSStream) PushText(text string) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.WriteString(text)
	return nil
}

func (s *fallbackTTSStream) Flush() {
	s.mu.Lock()
	text := s.pending.String()
	s.pending.Reset()
	s.mu.Unlock()
	if strings.TrimSpace(text) != "" {
		_ = s.segments.Put(text)
	}
}

func (s *fallbackTTSStream) EndInput() {
	s.Flush()
	s.segments.Close()
}

func (s *fallbackTTSStream) Events() <-chan tts.SynthesizedAudio { return s.events }

func (s *fallbackTTSStream) Close() error {
	s.closeOnce.Do(func() {
		s.segments.Close()
		s.cancel()
	})
	return nil
}

func (s *fallbackTTSStream) run() {
	defer close(s.events)
	for {
		text, err := s.segments.Get(s.ctx)
		if err != nil {
			return
		}
		segID := aio.ShortIDWith("segment")
		ch, err := s.adapter.Synthesize(s.ctx, text, s.conn)
		if err != nil {
			s.emit(tts.SynthesizedAudio{Err: err, SegmentID: segID})
			return
		}
		for a := range ch {
			a.SegmentID = segID
			s.emit(a)
			if a.Err != nil {
				return
			}
		}
		s.emit(tts.SynthesizedAudio{IsFinal: true, SegmentID: segID})
	}
}

func (s *fallbackTTSStream) emit(a tts.SynthesizedAudio) {
	select {
	case s.events <- a:
	case <-s.ctx.Done():
	}
}
