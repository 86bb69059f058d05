package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/stt"
)

// STT composes a list of stt.Provider behind the stt.Provider interface
// with automatic failover.
type STT struct {
	group *group[stt.Provider]
}

var _ stt.Provider = (*STT)(nil)

// NewSTT creates an STT fallback adapter.
func NewSTT(providers []stt.Provider, policy Policy) *STT {
	labels := make([]string, len(providers))
	for i, p := range providers {
		labels[i] = p.Label()
	}
	return &STT{
		group: newGroup("stt", providers, labels, policy, probeSTT),
	}
}

// probeSTT health-checks a provider by transcribing a short silence buffer.
func probeSTT(ctx context.Context, p stt.Provider) error {
	silence := rtc.AudioFrame{
		Data:              make([]byte, 16000/50*2), // 20ms @ 16kHz mono
		SampleRate:        16000,
		Channels:          1,
		SamplesPerChannel: 16000 / 50,
	}
	_, err := p.Recognize(ctx, []rtc.AudioFrame{silence}, "")
	return err
}

// Label implements stt.Provider.
func (f *STT) Label() string { return "fallback.STT" }

// Capabilities reports the primary provider's capabilities; the adapter
// streams regardless by restarting sessions on the next provider.
func (f *STT) Capabilities() stt.Capabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return stt.Capabilities{}
}

// Events returns a subscription for availability changes.
func (f *STT) Events() <-chan AvailabilityChanged { return f.group.Events() }

// Close stops recovery probes. Idempotent.
func (f *STT) Close() { f.group.Close() }

// Recognize implements stt.Provider with per-provider failover.
func (f *STT) Recognize(ctx context.Context, frames []rtc.AudioFrame, language string) (stt.SpeechEvent, error) {
	start := time.Now()
	var lastErr error
	for _, e := range f.group.candidates() {
		attemptCtx, cancel := context.WithTimeout(ctx, f.group.policy.attemptTimeout())
		ev, err := e.value.Recognize(attemptCtx, frames, language)
		cancel()
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return stt.SpeechEvent{}, ctx.Err()
		}
		f.group.markUnavailable(e)
	}
	return stt.SpeechEvent{}, cadenzaerr.NewAPIConnectionError(
		fmt.Sprintf("all STT providers failed after %v", time.Since(start).Round(time.Millisecond)), lastErr)
}

// Stream implements stt.Provider. The returned stream transparently
// restarts on the next provider when the current session errors, replaying
// audio buffered since the last final transcript so no speech is lost.
func (f *STT) Stream(ctx context.Context, opts stt.StreamOptions) (stt.RecognizeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &fallbackSTTStream{
		adapter: f,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan stt.SpeechEvent, 32),
		frames:  make(chan rtc.AudioFrame, 128),
	}
	go s.run()
	return s, nil
}

// fallbackSTTStream is the provider-switching recognize stream.
type fallbackSTTStream struct {
	adapter *STT
	opts    stt.StreamOptions
	ctx     context.Context
	cancel  context.CancelFunc

	events chan stt.SpeechEvent
	frames chan rtc.AudioFrame

	mu        sync.Mutex
	replay    []rtc.AudioFrame // audio since the last final transcript
	ended     bool
	closeOnce sync.Once
}

func (s *fallbackSTTStream) PushFrame(frame rtc.AudioFrame) error {
	select {
	case s.frames <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *fallbackSTTStream) Flush() {}

func (s *fallbackSTTStream) EndInput() {
	s.mu.Lock()
	already := s.ended
	s.ended = true
	s.mu.Unlock()
	if !already {
		close(s.frames)
	}
}

func (s *fallbackSTTStream) Events() <-chan stt.SpeechEvent { return s.events }

func (s *fallbackSTTStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// run drives one underlying session at a time, advancing on error.
func (s *fallbackSTTStream) run() {
	defer close(s.events)

	for {
		if s.ctx.Err() != nil {
			return
		}
		e := s.pickProvider()
		ok := s.runSession(e)
		if ok {
			return
		}
		s.adapter.group.markUnavailable(e)
	}
}

func (s *fallbackSTTStream) pickProvider() *entry[stt.Provider] {
	return s.adapter.group.candidates()[0]
}

// runSession pumps one provider session. It returns true when the stream is
// done (input ended and drained, or the stream was closed), false when the
// session failed and the next provider should take over.
func (s *fallbackSTTStream) runSession(e *entry[stt.Provider]) bool {
	inner, err := e.value.Stream(s.ctx, s.opts)
	if err != nil {
		slog.Warn("stt fallback: session open failed", "provider", e.label, "error", err)
		return s.ctx.Err() != nil
	}
	defer inner.Close()

	// Replay audio the failed session never finalized.
	s.mu.Lock()
	replay := make([]rtc.AudioFrame, len(s.replay))
	copy(replay, s.replay)
	s.mu.Unlock()
	for _, f := range replay {
		if err := inner.PushFrame(f); err != nil {
			return false
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return true

		case frame, ok := <-s.frames:
			if !ok {
				inner.EndInput()
				// Drain remaining events, then finish.
				for ev := range inner.Events() {
					if ev.Err != nil {
						return false
					}
					s.forward(ev)
				}
				return true
			}
			s.mu.Lock()
			s.replay = append(s.replay, frame)
			s.mu.Unlock()
			if err := inner.PushFrame(frame); err != nil {
				return false
			}

		case ev, ok := <-inner.Events():
			if !ok {
				return false
			}
			if ev.Err != nil {
				slog.Warn("stt fallback: session errored, switching", "provider", e.label, "error", ev.Err)
				return false
			}
			s.forward(ev)
		}
	}
}

func (s *fallbackSTTStream) forward(ev stt.SpeechEvent) {
	if ev.Type == stt.EventFinalTranscript {
		s.mu.Lock()
		s.replay = nil
		s.mu.Unlock()
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
