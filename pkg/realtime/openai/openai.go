// Package openai implements the realtime.Model contract for the OpenAI
// Realtime API: a bidirectional WebSocket exchanging JSON events, with
// audio as base64 PCM16 chunks. Model generations surface as lazy
// message/function streams; mid-session updates (instructions, tools,
// interruption, truncation) map onto session.update, response.cancel, and
// conversation.item events.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/realtime"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/streams"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// The realtime API speaks s16le mono at 24kHz in both directions.
	wireSampleRate = 24000
)

// Compile-time assertions.
var (
	_ realtime.Model   = (*Model)(nil)
	_ realtime.Session = (*session)(nil)
)

// Option is a functional option for Model.
type Option func(*Model)

// WithModel sets the realtime model id.
func WithModel(model string) Option {
	return func(m *Model) { m.model = model }
}

// WithBaseURL overrides the WebSocket endpoint; used by tests to point at a
// local mock server.
func WithBaseURL(url string) Option {
	return func(m *Model) { m.baseURL = url }
}

// Model implements realtime.Model for the OpenAI Realtime API.
type Model struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Model with the given API key.
func New(apiKey string, opts ...Option) *Model {
	m := &Model{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Label implements realtime.Model.
func (m *Model) Label() string { return "openai." + m.model }

// Capabilities implements realtime.Model.
func (m *Model) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		MessageTruncation:       true,
		TurnDetection:           true,
		UserTranscription:       true,
		AutoToolReplyGeneration: false,
		AudioOutput:             true,
	}
}

// Connect implements realtime.Model.
func (m *Model) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", m.baseURL, m.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + m.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, cadenzaerr.NewAPIConnectionError("openai realtime: dial", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		label:  m.Label(),
		conn:   conn,
		events: make(chan realtime.SessionEvent, 32),
		ctx:    sessCtx,
		cancel: cancel,
	}

	if err := s.sendSessionUpdate(cfg); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ── outgoing protocol messages ───────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type simpleMessage struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── incoming protocol messages ───────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ──────────────────────────────────────────────────────────────────

// generation holds the open streams of one model response.
type generation struct {
	messages  *streams.StreamChannel[realtime.MessageGeneration]
	functions *streams.StreamChannel[llm.FunctionCall]

	// current message streams, keyed by item id.
	itemID string
	text   *streams.StreamChannel[string]
	audio  *streams.StreamChannel[rtc.AudioFrame]

	started  time.Time
	firstOut time.Time
	audioDur time.Duration
}

type session struct {
	label  string
	conn   *websocket.Conn
	events chan realtime.SessionEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	gen           *generation
	userInitiated bool
	closeOnce     sync.Once
}

func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Tools:             toOAITools(cfg.Tools),
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func toOAITools(tools []llm.ToolDefinition) []oaiTool {
	out := make([]oaiTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// PushAudio implements realtime.Session.
func (s *session) PushAudio(frame rtc.AudioFrame) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

// GenerateReply implements realtime.Session.
func (s *session) GenerateReply(ctx context.Context, instructions string) error {
	s.mu.Lock()
	s.userInitiated = true
	s.mu.Unlock()
	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return s.writeJSON(msg)
}

// CommitAudio implements realtime.Session.
func (s *session) CommitAudio() error {
	return s.writeJSON(simpleMessage{Type: "input_audio_buffer.commit"})
}

// ClearAudio implements realtime.Session.
func (s *session) ClearAudio() error {
	return s.writeJSON(simpleMessage{Type: "input_audio_buffer.clear"})
}

// Interrupt implements realtime.Session.
func (s *session) Interrupt() error {
	return s.writeJSON(simpleMessage{Type: "response.cancel"})
}

// Truncate implements realtime.Session.
func (s *session) Truncate(ctx context.Context, messageID string, audioEnd time.Duration) error {
	return s.writeJSON(truncateMessage{
		Type:       "conversation.item.truncate",
		ItemID:     messageID,
		AudioEndMs: audioEnd.Milliseconds(),
	})
}

// UpdateChatCtx implements realtime.Session by appending items the server
// has not seen. The realtime API has no replace verb; function outputs and
// text items are created in order.
func (s *session) UpdateChatCtx(ctx context.Context, chatCtx *llm.ChatContext) error {
	for _, item := range chatCtx.Items() {
		switch {
		case item.CallOutput != nil:
			err := s.writeJSON(createConversationItemMessage{
				Type: "conversation.item.create",
				Item: conversationItem{
					Type:   "function_call_output",
					CallID: item.CallOutput.CallID,
					Output: item.CallOutput.Output,
				},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateTools implements realtime.Session.
func (s *session) UpdateTools(ctx context.Context, tools []llm.ToolDefinition) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Tools:             toOAITools(tools),
		},
	})
}

// UpdateInstructions implements realtime.Session.
func (s *session) UpdateInstructions(ctx context.Context, instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Instructions:      instructions,
		},
	})
}

// StartUserActivity implements realtime.Session. The server runs its own
// VAD; an explicit hint has no wire equivalent, so this is a no-op.
func (s *session) StartUserActivity() error { return nil }

// Events implements realtime.Session.
func (s *session) Events() <-chan realtime.SessionEvent { return s.events }

// Close implements realtime.Session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// receiveLoop reads server events until the socket closes. It owns the
// events channel.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.finishGeneration()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(realtime.SessionEvent{Err: cadenzaerr.NewAPIConnectionError("openai realtime: read", err)})
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		s.startGeneration()

	case "response.output_item.added":
		s.startMessage(evt.ItemID)

	case "response.audio.delta":
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.pushAudio(audioData)

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			s.pushText(evt.Delta)
		}

	case "response.function_call_arguments.done":
		s.pushFunctionCall(llm.FunctionCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		})

	case "response.done":
		s.finishGeneration()

	case "input_audio_buffer.speech_started":
		s.emit(realtime.SessionEvent{InputSpeechStarted: true})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.SessionEvent{InputSpeechStopped: true})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emit(realtime.SessionEvent{InputTranscription: &realtime.InputTranscriptionEvent{
				ItemID:     evt.ItemID,
				Transcript: evt.Transcript,
				IsFinal:    true,
			}})
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.SessionEvent{Err: cadenzaerr.NewAPIError("openai realtime: " + msg)})
	}
}

func (s *session) startGeneration() {
	s.mu.Lock()
	userInitiated := s.userInitiated
	s.userInitiated = false
	gen := &generation{
		messages:  streams.NewStreamChannel[realtime.MessageGeneration](4),
		functions: streams.NewStreamChannel[llm.FunctionCall](8),
		started:   time.Now(),
	}
	s.gen = gen
	s.mu.Unlock()

	s.emit(realtime.SessionEvent{GenerationCreated: &realtime.GenerationCreatedEvent{
		MessageStream:  gen.messages.Stream(),
		FunctionStream: gen.functions.Stream(),
		UserInitiated:  userInitiated,
	}})
}

func (s *session) startMessage(itemID string) {
	s.mu.Lock()
	gen := s.gen
	if gen == nil {
		s.mu.Unlock()
		return
	}
	s.closeCurrentMessageLocked(gen)
	gen.itemID = itemID
	gen.text = streams.NewStreamChannel[string](64)
	gen.audio = streams.NewStreamChannel[rtc.AudioFrame](64)
	msg := realtime.MessageGeneration{
		MessageID:   itemID,
		TextStream:  gen.text.Stream(),
		AudioStream: gen.audio.Stream(),
	}
	s.mu.Unlock()

	_ = gen.messages.Write(s.ctx, msg)
}

func (s *session) pushAudio(data []byte) {
	s.mu.Lock()
	gen := s.gen
	if gen == nil || gen.audio == nil {
		s.mu.Unlock()
		return
	}
	if gen.firstOut.IsZero() {
		gen.firstOut = time.Now()
	}
	frame := rtc.AudioFrame{
		Data:              data,
		SampleRate:        wireSampleRate,
		Channels:          1,
		SamplesPerChannel: len(data) / 2,
	}
	gen.audioDur += frame.Duration()
	audio := gen.audio
	s.mu.Unlock()

	_ = audio.Write(s.ctx, frame)
}

func (s *session) pushText(delta string) {
	s.mu.Lock()
	gen := s.gen
	if gen == nil || gen.text == nil {
		s.mu.Unlock()
		return
	}
	text := gen.text
	s.mu.Unlock()

	_ = text.Write(s.ctx, delta)
}

func (s *session) pushFunctionCall(call llm.FunctionCall) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if gen == nil {
		return
	}
	_ = gen.functions.Write(s.ctx, call)
}

func (s *session) closeCurrentMessageLocked(gen *generation) {
	if gen.text != nil {
		gen.text.Close()
		gen.text = nil
	}
	if gen.audio != nil {
		gen.audio.Close()
		gen.audio = nil
	}
}

func (s *session) finishGeneration() {
	s.mu.Lock()
	gen := s.gen
	s.gen = nil
	if gen != nil {
		s.closeCurrentMessageLocked(gen)
	}
	s.mu.Unlock()
	if gen == nil {
		return
	}
	gen.messages.Close()
	gen.functions.Close()

	rec := metrics.RealtimeModelMetrics{
		Base:                metrics.Base{Label: s.label, Timestamp: time.Now()},
		Duration:            time.Since(gen.started),
		OutputAudioDuration: gen.audioDur,
	}
	if !gen.firstOut.IsZero() {
		rec.TTFT = gen.firstOut.Sub(gen.started)
	}
	s.emit(realtime.SessionEvent{Metrics: &rec})
}

func (s *session) emit(ev realtime.SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
