// Package openai provides an STT provider backed by the OpenAI audio
// transcription API. The API is request/response, so streaming recognition
// is emulated: pushed frames buffer until a flush (usually driven by VAD
// end-of-speech), then the whole segment is transcribed and emitted as one
// final transcript.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/stt"
)

const defaultModel = "whisper-1"

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client oai.Client
	model  string
}

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the transcription model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New constructs an OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	p := &Provider{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Label implements stt.Provider.
func (p *Provider) Label() string { return "openai." + p.model }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: false, InterimResults: false}
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, frames []rtc.AudioFrame, language string) (stt.SpeechEvent, error) {
	if len(frames) == 0 {
		return stt.SpeechEvent{}, fmt.Errorf("openai stt: no audio")
	}
	wav := encodeWAV(frames)
	audioDur := framesDuration(frames)

	start := time.Now()
	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.SpeechEvent{}, cadenzaerr.NewAPIConnectionError("openai stt", err)
	}

	requestID := aio.ShortID()
	return stt.SpeechEvent{
		Type:      stt.EventFinalTranscript,
		RequestID: requestID,
		Alternatives: []stt.Alternative{{
			Text:     resp.Text,
			Language: language,
		}},
		Usage: &metrics.STTMetrics{
			Base:          metrics.Base{Label: p.Label(), Timestamp: time.Now(), RequestID: requestID},
			Duration:      time.Since(start),
			AudioDuration: audioDur,
		},
	}, nil
}

// Stream implements stt.Provider with a segmenting wrapper over Recognize.
func (p *Provider) Stream(ctx context.Context, opts stt.StreamOptions) (stt.RecognizeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &segmentStream{
		provider: p,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan stt.SpeechEvent, 16),
		work:     make(chan []rtc.AudioFrame, 4),
	}
	go s.run()
	return s, nil
}

// segmentStream buffers frames until Flush and transcribes per segment.
type segmentStream struct {
	provider *Provider
	opts     stt.StreamOptions
	ctx      context.Context
	cancel   context.CancelFunc

	events chan stt.SpeechEvent
	work   chan []rtc.AudioFrame

	mu        sync.Mutex
	buf       []rtc.AudioFrame
	ended     bool
	closeOnce sync.Once
}

func (s *segmentStream) PushFrame(frame rtc.AudioFrame) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("openai stt: stream input ended")
	}
	s.buf = append(s.buf, frame)
	return nil
}

func (s *segmentStream) Flush() {
	s.mu.Lock()
	segment := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(segment) == 0 {
		return
	}
	select {
	case s.work <- segment:
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
		close(s.work)
	}
}

func (s *segmentStream) Events() <-chan stt.SpeechEvent { return s.events }

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
		case segment, ok := <-s.work:
			if !ok {
				return
			}
			ev, err := s.provider.Recognize(s.ctx, segment, s.opts.Language)
			if err != nil {
				s.emit(stt.SpeechEvent{Err: err})
				return
			}
			if len(ev.Alternatives) > 0 && ev.Alternatives[0].Text != "" {
				s.emit(ev)
			}
			if ev.Usage != nil {
				usage := *ev.Usage
				usage.Streamed = true
				s.emit(stt.SpeechEvent{Type: stt.EventRecognitionUsage, RequestID: ev.RequestID, Usage: &usage})
			}
		}
	}
}

func (s *segmentStream) emit(ev stt.SpeechEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// framesDuration sums the playback length of frames.
func framesDuration(frames []rtc.AudioFrame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration()
	}
	return d
}

// encodeWAV wraps s16le PCM frames in a minimal RIFF/WAVE header.
func encodeWAV(frames []rtc.AudioFrame) []byte {
	sampleRate := frames[0].SampleRate
	channels := frames[0].Channels
	var pcm []byte
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}

	var buf bytes.Buffer
	byteRate := sampleRate * channels * 2
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
