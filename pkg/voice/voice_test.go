package voice

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/tts"
)

// ── mocks ────────────────────────────────────────────────────────────────────

// scriptedLLM pops one response script per Chat call.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]llm.ChatChunk
	calls   atomic.Int32
}

func (m *scriptedLLM) Label() string { return "mock-llm" }

func (m *scriptedLLM) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	m.calls.Add(1)
	m.mu.Lock()
	var script []llm.ChatChunk
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	m.mu.Unlock()

	out := make(chan llm.ChatChunk, len(script)+1)
	go func() {
		defer close(out)
		for _, c := range script {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func textChunks(words ...string) []llm.ChatChunk {
	var out []llm.ChatChunk
	for _, w := range words {
		out = append(out, llm.ChatChunk{Delta: llm.ChatDelta{Content: w}})
	}
	return out
}

// mockTTS synthesizes at a configurable pace: framesPer 20ms frames (one
// when unset) per pushed text fragment, frameDelay apart.
type mockTTS struct {
	frameDelay time.Duration
	framesPer  int
}

func (m *mockTTS) Label() string { return "mock-tts" }
func (m *mockTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{Streaming: true}
}
func (m *mockTTS) SampleRate() int { return 16000 }
func (m *mockTTS) NumChannels() int { return 1 }

func (m *mockTTS) Synthesize(ctx context.Context, text string, conn llm.ConnOptions) (<-chan tts.SynthesizedAudio, error) {
	out := make(chan tts.SynthesizedAudio, 8)
	go func() {
		defer close(out)
		m.emit(ctx, out)
	}()
	return out, nil
}

func (m *mockTTS) Stream(ctx context.Context, conn llm.ConnOptions) (tts.SynthesizeStream, error) {
	s := &mockTTSStream{m: m, ctx: ctx, events: make(chan tts.SynthesizedAudio, 64), text: make(chan string, 64)}
	go s.run()
	return s, nil
}

type mockTTSStream struct {
	m      *mockTTS
	ctx    context.Context
	events chan tts.SynthesizedAudio
	text   chan string
	once   sync.Once
}

func (s *mockTTSStream) PushText(t string) error {
	select {
	case s.text <- t:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *mockTTSStream) Flush() {}

func (s *mockTTSStream) EndInput() { s.once.Do(func() { close(s.text) }) }

func (s *mockTTSStream) Events() <-chan tts.SynthesizedAudio { return s.events }

func (s *mockTTSStream) Close() error {
	s.once.Do(func() { close(s.text) })
	return nil
}

func (s *mockTTSStream) run() {
	defer close(s.events)
	for range s.text {
		s.m.emit(s.ctx, s.events)
	}
}

func (m *mockTTS) emit(ctx context.Context, out chan<- tts.SynthesizedAudio) {
	frames := m.framesPer
	if frames <= 0 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		if m.frameDelay > 0 {
			select {
			case <-time.After(m.frameDelay):
			case <-ctx.Done():
				return
			}
		}
		frame := rtc.AudioFrame{
			Data:              make([]byte, 640),
			SampleRate:        16000,
			Channels:          1,
			SamplesPerChannel: 320,
		}
		select {
		case out <- tts.SynthesizedAudio{Frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

// mockSink counts playback instantly: position == written duration.
type mockSink struct {
	mu      sync.Mutex
	written time.Duration
	cleared int
	closed  bool
}

func (s *mockSink) Write(ctx context.Context, frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written += frame.Duration()
	return nil
}

func (s *mockSink) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *mockSink) PlaybackPosition() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// idleInput never yields a frame.
type idleInput struct{}

func (idleInput) Next(ctx context.Context) (rtc.AudioFrame, error) {
	<-ctx.Done()
	return rtc.AudioFrame{}, ctx.Err()
}

func newTestSession(t *testing.T, opts SessionOptions, agent *Agent) (*AgentSession, *mockSink) {
	t.Helper()
	sink := &mockSink{}
	sess := NewAgentSession(opts)
	if err := sess.Start(context.Background(), agent, StartOptions{
		Input:  idleInput{},
		Output: sink,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(CloseReasonUserRequested, nil) })
	return sess, sink
}

func assistantTexts(cc *llm.ChatContext) []string {
	var out []string
	for _, item := range cc.Items() {
		if item.Message != nil && item.Message.Role == llm.RoleAssistant {
			out = append(out, item.Message.Text())
		}
	}
	return out
}

// ── scheduling ───────────────────────────────────────────────────────────────

func TestSpeechPriorityOrdering(t *testing.T) {
	t.Parallel()

	agent := &Agent{Name: "a", TTS: &mockTTS{}}
	sess, _ := newTestSession(t, SessionOptions{}, agent)
	activity := sess.currentActivity()

	// Hold the scheduler so all three are queued before any plays.
	activity.pauseScheduling()

	low, err := activity.say("low", PriorityLow, true)
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	high, err := activity.say("high", PriorityHigh, true)
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	normal, err := activity.say("normal", PriorityNormal, true)
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	activity.resumeScheduling()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range []*SpeechHandle{low, high, normal} {
		if err := h.WaitForPlayout(ctx); err != nil {
			t.Fatalf("playout: %v", err)
		}
	}

	got := assistantTexts(sess.ChatContext())
	want := []string{"high", "normal", "low"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("play order %v, want %v", got, want)
	}
}

func TestSchedulingPausedRejectsWithoutForce(t *testing.T) {
	t.Parallel()

	agent := &Agent{Name: "a", TTS: &mockTTS{}}
	sess, _ := newTestSession(t, SessionOptions{}, agent)
	activity := sess.currentActivity()

	activity.pauseScheduling()
	if _, err := activity.say("nope", PriorityNormal, false); err == nil {
		t.Fatal("scheduleSpeech must reject while paused without force")
	}
	activity.resumeScheduling()
}

// ── interruption gate (scenario: word + duration gates) ──────────────────────

func TestInterruptionGate(t *testing.T) {
	t.Parallel()

	agent := &Agent{Name: "a", TTS: &mockTTS{frameDelay: 10 * time.Millisecond, framesPer: 200}}
	sess, sink := newTestSession(t, SessionOptions{
		MinInterruptionWords:    2,
		MinInterruptionDuration: time.Millisecond,
	}, agent)
	activity := sess.currentActivity()

	h, err := sess.Say("a very long sentence that keeps the agent talking for a while")
	if err != nil {
		t.Fatalf("say: %v", err)
	}

	// Wait until the speech is actually playing.
	deadline := time.Now().Add(2 * time.Second)
	for activity.currentSpeech() != h || h.PlayedFor() < 20*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatal("speech never started playing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// One word: below the gate.
	if interrupted := activity.onInterruptionSignal("uh"); interrupted {
		t.Fatal("single word must not interrupt")
	}
	if h.Interrupted() {
		t.Fatal("speech must still be playing after gated signal")
	}

	// Three words: interrupts.
	if interrupted := activity.onInterruptionSignal("please stop that"); !interrupted {
		t.Fatal("want interruption")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.WaitForPlayout(ctx); err != nil {
		t.Fatalf("playout after interrupt: %v", err)
	}
	if !h.Interrupted() {
		t.Fatal("handle must be marked interrupted")
	}

	deadline = time.Now().Add(time.Second)
	for activity.currentSpeech() != nil {
		if time.Now().After(deadline) {
			t.Fatal("current speech must clear after interruption")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	cleared := sink.cleared
	sink.mu.Unlock()
	if cleared == 0 {
		t.Fatal("interruption must clear the audio sink queue")
	}
}

func TestUninterruptibleSpeechIgnoresSignals(t *testing.T) {
	t.Parallel()

	agent := &Agent{Name: "a", TTS: &mockTTS{frameDelay: 5 * time.Millisecond, framesPer: 40}}
	allow := false
	sess, _ := newTestSession(t, SessionOptions{
		AllowInterruptions:      &allow,
		MinInterruptionDuration: time.Millisecond,
	}, agent)
	activity := sess.currentActivity()

	h, err := sess.Say("cannot be stopped")
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	activity.onInterruptionSignal("please stop right now")
	if h.Interrupted() {
		t.Fatal("uninterruptible speech must ignore signals")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.WaitForPlayout(ctx)
}

// ── tool-call loop (scenario: two tools, one follow-up) ──────────────────────

func TestToolCallLoop(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{
		{
			{Delta: llm.ChatDelta{ToolCalls: []llm.ToolCallDelta{
				{CallID: "c1", Name: "getWeather", Arguments: `{"location":"SF"}`},
				{CallID: "c2", Name: "getTime", Arguments: `{}`},
			}}},
		},
		textChunks("It is sunny in SF."),
	}}

	weatherDef, _ := llm.NewToolDefinition[struct {
		Location string `json:"location"`
	}]("getWeather", "weather lookup")
	timeDef, _ := llm.NewToolDefinition[struct{}]("getTime", "clock")

	tools, err := NewToolContext(
		FunctionTool{Definition: weatherDef, Execute: func(ctx context.Context, rc RunContext, args string) (any, error) {
			return "sunny in SF", nil
		}},
		FunctionTool{Definition: timeDef, Execute: func(ctx context.Context, rc RunContext, args string) (any, error) {
			return "12:00", nil
		}},
	)
	if err != nil {
		t.Fatalf("tool context: %v", err)
	}

	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}, Tools: tools}
	sess, _ := newTestSession(t, SessionOptions{}, agent)

	h, err := sess.GenerateReply(GenerateReplyOptions{UserInput: "what's the weather?"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.WaitForPlayout(ctx); err != nil {
		t.Fatalf("playout: %v", err)
	}

	// The chained tool reply is a second speech; wait for the model's
	// second call to finish playing.
	deadline := time.Now().Add(5 * time.Second)
	for len(assistantTexts(sess.ChatContext())) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("follow-up reply never played")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cc := sess.ChatContext()
	var kinds []string
	for _, item := range cc.Items() {
		switch {
		case item.Message != nil:
			kinds = append(kinds, string(item.Message.Role))
		case item.Call != nil:
			kinds = append(kinds, "call:"+item.Call.Name)
		case item.CallOutput != nil:
			kinds = append(kinds, "output:"+item.CallOutput.Name)
		}
	}
	want := []string{"user", "call:getWeather", "call:getTime", "output:getWeather", "output:getTime", "assistant"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("chat sequence %v, want %v", kinds, want)
	}

	if got := model.calls.Load(); got != 2 {
		t.Fatalf("want exactly one follow-up LLM call (2 total), got %d", got)
	}

	// Call ids must pair up.
	if err := cc.Validate(); err != nil {
		t.Fatalf("call/output pairing broken: %v", err)
	}
}

func TestMaxToolStepsZeroSuppressesReply(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{
		{
			{Delta: llm.ChatDelta{ToolCalls: []llm.ToolCallDelta{
				{CallID: "c1", Name: "noop", Arguments: `{}`},
			}}},
		},
		textChunks("should never run"),
	}}
	noopDef, _ := llm.NewToolDefinition[struct{}]("noop", "does nothing")
	tools, _ := NewToolContext(FunctionTool{Definition: noopDef, Execute: func(ctx context.Context, rc RunContext, args string) (any, error) {
		return "ok", nil
	}})

	zero := 0
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}, Tools: tools}
	sess, _ := newTestSession(t, SessionOptions{MaxToolSteps: &zero}, agent)

	h, err := sess.GenerateReply(GenerateReplyOptions{UserInput: "go"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.WaitForPlayout(ctx)
	time.Sleep(50 * time.Millisecond)

	if got := model.calls.Load(); got != 1 {
		t.Fatalf("maxToolSteps=0 must suppress the follow-up call, got %d calls", got)
	}
}

func TestUnknownToolBecomesErrorOutput(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{
		{
			{Delta: llm.ChatDelta{ToolCalls: []llm.ToolCallDelta{
				{CallID: "c1", Name: "doesNotExist", Arguments: `{}`},
			}}},
		},
		textChunks("recovered"),
	}}
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}}
	sess, _ := newTestSession(t, SessionOptions{}, agent)

	h, _ := sess.GenerateReply(GenerateReplyOptions{UserInput: "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.WaitForPlayout(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var found bool
		for _, item := range sess.ChatContext().Items() {
			if item.CallOutput != nil && item.CallOutput.IsError {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unknown tool must synthesize an error output")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── handoff (scenario: ordering across agent swap) ───────────────────────────

func TestHandoffPreservesOrdering(t *testing.T) {
	t.Parallel()

	agentA := &Agent{Name: "A", TTS: &mockTTS{frameDelay: 10 * time.Millisecond, framesPer: 30}}

	var enterOrder []string
	var orderMu sync.Mutex
	agentB := &Agent{
		Name: "B",
		TTS:  &mockTTS{},
		OnEnter: func(ctx context.Context, sess *AgentSession) {
			orderMu.Lock()
			enterOrder = append(enterOrder, "enter-B")
			orderMu.Unlock()
		},
		WaitOnEnter: true,
	}

	sess, _ := newTestSession(t, SessionOptions{}, agentA)

	s1, err := sess.Say("message from A")
	if err != nil {
		t.Fatalf("say: %v", err)
	}

	// Wait for S1 to start playing, then swap agents while it plays.
	deadline := time.Now().Add(2 * time.Second)
	for sess.currentActivity().currentSpeech() != s1 {
		if time.Now().After(deadline) {
			t.Fatal("S1 never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	handoffDone := make(chan error, 1)
	go func() { handoffDone <- sess.UpdateAgent(agentB) }()

	// While S1 plays and the handoff is pending, queue speech for B.
	time.Sleep(20 * time.Millisecond)
	s2, err := sess.Say("hi from B")
	if err != nil {
		t.Fatalf("say during handoff: %v", err)
	}

	if err := <-handoffDone; err != nil {
		t.Fatalf("handoff: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s2.WaitForPlayout(ctx); err != nil {
		t.Fatalf("s2 playout: %v", err)
	}

	if !s1.playDone.IsDone() {
		t.Fatal("S1 must complete before the swap")
	}
	if s1.Interrupted() {
		t.Fatal("S1 must not be interrupted by the handoff")
	}

	got := assistantTexts(sess.ChatContext())
	want := []string{"message from A", "hi from B"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("utterance order %v, want %v", got, want)
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(enterOrder) != 1 {
		t.Fatalf("OnEnter(B) must run exactly once, ran %d times", len(enterOrder))
	}
}

// ── session lifecycle ────────────────────────────────────────────────────────

func TestSessionCloseIdempotentSingleEvent(t *testing.T) {
	t.Parallel()

	agent := &Agent{Name: "a", TTS: &mockTTS{}}
	sink := &mockSink{}
	sess := NewAgentSession(SessionOptions{})
	events := sess.Events()
	if err := sess.Start(context.Background(), agent, StartOptions{Input: idleInput{}, Output: sink}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sess.Close(CloseReasonUserRequested, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(CloseReasonUserRequested, nil); err != nil {
		t.Fatalf("second close: %v", err)
	}

	var closeEvents int
	for ev := range events {
		if ev.Close != nil {
			closeEvents++
		}
	}
	if closeEvents != 1 {
		t.Fatalf("want exactly one Close event, got %d", closeEvents)
	}
	if !sink.closed {
		t.Fatal("audio output must be detached on close")
	}

	if _, err := sess.Say("too late"); err == nil {
		t.Fatal("say after close must fail")
	}
}

func TestGenerateReplySimple(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{textChunks("hello ", "there")}}
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}}
	sess, _ := newTestSession(t, SessionOptions{}, agent)

	h, err := sess.GenerateReply(GenerateReplyOptions{UserInput: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.WaitForPlayout(ctx); err != nil {
		t.Fatalf("playout: %v", err)
	}

	got := assistantTexts(sess.ChatContext())
	if len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("want [hello there], got %v", got)
	}
	if h.SpokenText() != "hello there" {
		t.Fatalf("spoken text %q", h.SpokenText())
	}
}
