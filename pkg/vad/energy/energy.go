// Package energy implements a dependency-free VAD engine based on
// short-term RMS energy with an adaptive noise floor. It is no substitute
// for a model-based detector in noisy rooms, but it is fast, deterministic,
// and good enough for push-to-talk-adjacent setups and tests.
package energy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/vad"
)

// Engine implements vad.Engine.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// Label implements vad.Engine.
func (e *Engine) Label() string { return "energy-vad" }

// NewStream implements vad.Engine.
func (e *Engine) NewStream(ctx context.Context, cfg vad.Config) (vad.Stream, error) {
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = 0.5
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = 50 * time.Millisecond
	}
	if cfg.MinSilenceDuration <= 0 {
		cfg.MinSilenceDuration = 250 * time.Millisecond
	}
	if cfg.PrefixPaddingDuration <= 0 {
		cfg.PrefixPaddingDuration = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan vad.Event, 16),
		noiseFloor: 1e-4,
	}
	return s, nil
}

type stream struct {
	cfg    vad.Config
	ctx    context.Context
	cancel context.CancelFunc
	events chan vad.Event

	mu         sync.Mutex
	speaking   bool
	speechRun  time.Duration
	silenceRun time.Duration
	started    bool // start-of-speech already emitted for this segment
	noiseFloor float64
	lookback   []rtc.AudioFrame
	closed     bool
	closeOnce  sync.Once
}

// PushFrame implements vad.Stream. It is synchronous and never blocks
// longer than a channel send into the buffered event channel.
func (s *stream) PushFrame(frame rtc.AudioFrame) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	energy := rms(frame.Data)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track the noise floor on quiet frames so the threshold adapts.
	if !s.speaking && energy < s.noiseFloor*4 {
		s.noiseFloor = 0.95*s.noiseFloor + 0.05*energy
		if s.noiseFloor < 1e-5 {
			s.noiseFloor = 1e-5
		}
	}

	// Probability heuristic: how far above the floor, squashed to [0,1].
	ratio := energy / (s.noiseFloor * 10)
	prob := ratio / (1 + ratio)
	isSpeech := prob >= s.cfg.ActivationThreshold

	dur := frame.Duration()
	s.keepLookback(frame)

	switch {
	case isSpeech:
		s.speechRun += dur
		s.silenceRun = 0
		if !s.started && s.speechRun >= s.cfg.MinSpeechDuration {
			s.started = true
			s.speaking = true
			s.emitBlocking(vad.Event{
				Type:           vad.EventStartOfSpeech,
				Probability:    prob,
				SpeechDuration: s.speechRun,
				Frames:         append([]rtc.AudioFrame(nil), s.lookback...),
			})
		}

	case s.started:
		s.silenceRun += dur
		if s.silenceRun >= s.cfg.MinSilenceDuration {
			s.emitBlocking(vad.Event{
				Type:            vad.EventEndOfSpeech,
				Probability:     prob,
				SpeechDuration:  s.speechRun,
				SilenceDuration: s.silenceRun,
			})
			s.started = false
			s.speaking = false
			s.speechRun = 0
			s.silenceRun = 0
		}

	default:
		s.speechRun = 0
		s.silenceRun += dur
	}

	s.emit(vad.Event{Type: vad.EventInferenceDone, Probability: prob})
	return nil
}

// keepLookback retains PrefixPaddingDuration worth of trailing frames.
// Must be called with s.mu held.
func (s *stream) keepLookback(frame rtc.AudioFrame) {
	if s.cfg.PrefixPaddingDuration <= 0 {
		return
	}
	s.lookback = append(s.lookback, frame)
	var total time.Duration
	for _, f := range s.lookback {
		total += f.Duration()
	}
	for len(s.lookback) > 1 && total > s.cfg.PrefixPaddingDuration {
		total -= s.lookback[0].Duration()
		s.lookback = s.lookback[1:]
	}
}

// emit must be called with s.mu held. Inference ticks drop when the
// consumer lags; detection must not stall the audio path.
func (s *stream) emit(ev vad.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// emitBlocking must be called with s.mu held. Speech boundaries are load-
// bearing and wait for the consumer (or stream close).
func (s *stream) emitBlocking(ev vad.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Events implements vad.Stream.
func (s *stream) Events() <-chan vad.Event { return s.events }

// Close implements vad.Stream.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

// rms computes the root-mean-square of s16le PCM, normalized to [0,1].
func rms(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
