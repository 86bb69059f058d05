// Package openai provides a TTS provider backed by the OpenAI speech API.
// The API synthesizes whole strings, so the incremental stream buffers text
// per segment and synthesizes flushed segments one at a time.
package openai

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/streams"
	"github.com/cadenza-ai/cadenza/pkg/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// The PCM response format is s16le mono at 24kHz.
	outputSampleRate = 24000
	outputChannels   = 1
)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the speech model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice selects the synthesis voice.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// New constructs an OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	p := &Provider{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
		voice:  defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Label implements tts.Provider.
func (p *Provider) Label() string { return "openai." + p.model }

// Capabilities implements tts.Provider.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{Streaming: false, AlignedTranscript: false}
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return outputSampleRate }

// NumChannels implements tts.Provider.
func (p *Provider) NumChannels() int { return outputChannels }

// Synthesize implements tts.Provider: one request, PCM chunks out.
func (p *Provider) Synthesize(ctx context.Context, text string, conn llm.ConnOptions) (<-chan tts.SynthesizedAudio, error) {
	cancel := context.CancelFunc(func() {})
	if conn.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, conn.Timeout)
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		cancel()
		return nil, cadenzaerr.NewAPIConnectionError("openai tts", err)
	}

	out := make(chan tts.SynthesizedAudio, 32)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		segID := aio.ShortIDWith("segment")
		framer := streams.NewAudioByteStream(outputSampleRate, outputChannels, 0)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, frame := range framer.Write(buf[:n]) {
					if !emit(ctx, out, tts.SynthesizedAudio{Frame: frame, SegmentID: segID}) {
						return
					}
				}
			}
			if err != nil {
				for _, frame := range framer.Flush() {
					if !emit(ctx, out, tts.SynthesizedAudio{Frame: frame, SegmentID: segID}) {
						return
					}
				}
				if err != io.EOF {
					emit(ctx, out, tts.SynthesizedAudio{Err: cadenzaerr.NewAPIConnectionError("openai tts: read body", err), SegmentID: segID})
					return
				}
				emit(ctx, out, tts.SynthesizedAudio{IsFinal: true, SegmentID: segID})
				return
			}
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- tts.SynthesizedAudio, a tts.SynthesizedAudio) bool {
	select {
	case out <- a:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stream implements tts.Provider by synthesizing flushed segments through
// Synthesize.
func (p *Provider) Stream(ctx context.Context, conn llm.ConnOptions) (tts.SynthesizeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &segmentStream{
		provider: p,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan tts.SynthesizedAudio, 32),
		segments: make(chan string, 8),
	}
	go s.run()
	return s, nil
}

type segmentStream struct {
	provider *Provider
	conn     llm.ConnOptions
	ctx      context.Context
	cancel   context.CancelFunc

	events   chan tts.SynthesizedAudio
	segments chan string

	mu        sync.Mutex
	pending   strings.Builder
	ended     bool
	closeOnce sync.Once
}

func (s *segmentStream) PushText(text string) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("openai tts: stream input ended")
	}
	s.pending.WriteString(text)
	return nil
}

func (s *segmentStream) Flush() {
	s.mu.Lock()
	text := s.pending.String()
	s.pending.Reset()
	ended := s.ended
	s.mu.Unlock()
	if ended || strings.TrimSpace(text) == "" {
		return
	}
	select {
	case s.segments <- text:
	case <-s.ctx.Done():
	}
}

func (s *segmentStream) EndInput() {
	s.Flush()
	s.mu.Lock()
	already := s.ended
	s.ended = true
	s.mu.Unlock()
	if !already {
		close(s.segments)
	}
}

func (s *segmentStream) Events() <-chan tts.SynthesizedAudio { return s.events }

func (s *segmentStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *segmentStream) run() {
	defer close(s.events)
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-s.segments:
			if !ok {
				return
			}
			ch, err := s.provider.Synthesize(s.ctx, text, s.conn)
			if err != nil {
				s.emit(tts.SynthesizedAudio{Err: err})
				return
			}
			for a := range ch {
				s.emit(a)
				if a.Err != nil {
					return
				}
			}
		}
	}
}

func (s *segmentStream) emit(a tts.SynthesizedAudio) {
	select {
	case s.events <- a:
	case <-s.ctx.Done():
	}
}
