package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/stt"
)

// fakeSTT hands out a manually driven recognize stream.
type fakeSTT struct {
	mu     sync.Mutex
	stream *fakeSTTStream
}

func (f *fakeSTT) Label() string { return "fake-stt" }
func (f *fakeSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, InterimResults: true}
}

func (f *fakeSTT) Recognize(ctx context.Context, frames []rtc.AudioFrame, language string) (stt.SpeechEvent, error) {
	return stt.SpeechEvent{}, nil
}

func (f *fakeSTT) Stream(ctx context.Context, opts stt.StreamOptions) (stt.RecognizeStream, error) {
	s := &fakeSTTStream{events: make(chan stt.SpeechEvent, 16)}
	f.mu.Lock()
	f.stream = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSTT) current() *fakeSTTStream {
	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		s := f.stream
		f.mu.Unlock()
		if s != nil {
			return s
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSTTStream struct {
	events    chan stt.SpeechEvent
	closeOnce sync.Once
}

func (s *fakeSTTStream) PushFrame(rtc.AudioFrame) error { return nil }
func (s *fakeSTTStream) Flush()                          {}
func (s *fakeSTTStream) EndInput()                       {}
func (s *fakeSTTStream) Events() <-chan stt.SpeechEvent { return s.events }
func (s *fakeSTTStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSTTStream) emitFinal(text string) {
	s.events <- stt.SpeechEvent{
		Type:         stt.EventFinalTranscript,
		Alternatives: []stt.Alternative{{Text: text, Language: "en"}},
	}
}

// fixedDetector always reports the given probability.
type fixedDetector struct {
	prob      float64
	threshold float64
}

func (d fixedDetector) SupportsLanguage(string) bool { return true }
func (d fixedDetector) UnlikelyThreshold(string) (float64, bool) {
	return d.threshold, true
}
func (d fixedDetector) PredictEndOfTurn(context.Context, *llm.ChatContext, string) float64 {
	return d.prob
}

func TestFinalTranscriptCommitsExactlyOneUserTurn(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{textChunks("sure thing")}}
	sttP := &fakeSTT{}
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}, STT: sttP}
	sess, _ := newTestSession(t, SessionOptions{
		MinEndpointingDelay: 20 * time.Millisecond,
	}, agent)

	stream := sttP.current()
	if stream == nil {
		t.Fatal("recognition never opened the stt stream")
	}
	stream.emitFinal("book me a table")

	deadline := time.Now().Add(3 * time.Second)
	for {
		var users, assistants int
		for _, item := range sess.ChatContext().Items() {
			if item.Message == nil {
				continue
			}
			switch item.Message.Role {
			case llm.RoleUser:
				users++
			case llm.RoleAssistant:
				assistants++
			}
		}
		if users == 1 && assistants == 1 {
			return
		}
		if users > 1 {
			t.Fatalf("final transcript committed %d user turns", users)
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never committed: users=%d assistants=%d", users, assistants)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnlikelyEOUStretchesEndpointing(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{scripts: [][]llm.ChatChunk{textChunks("ok")}}
	sttP := &fakeSTT{}
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}, STT: sttP}
	sess, _ := newTestSession(t, SessionOptions{
		MinEndpointingDelay: 20 * time.Millisecond,
		MaxEndpointingDelay: 400 * time.Millisecond,
		// Probability below the threshold: the user probably is not done.
		TurnDetector: fixedDetector{prob: 0.01, threshold: 0.5},
	}, agent)

	stream := sttP.current()
	stream.emitFinal("and then I was thinking")

	// Well after the minimum delay the turn must still be open.
	time.Sleep(150 * time.Millisecond)
	for _, item := range sess.ChatContext().Items() {
		if item.Message != nil && item.Message.Role == llm.RoleUser {
			t.Fatal("unlikely end-of-turn must stretch the endpointing delay")
		}
	}

	// And eventually it commits at the stretched delay.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var users int
		for _, item := range sess.ChatContext().Items() {
			if item.Message != nil && item.Message.Role == llm.RoleUser {
				users++
			}
		}
		if users == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stretched turn never committed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClearUserTurnDiscardsPending(t *testing.T) {
	t.Parallel()

	model := &scriptedLLM{}
	sttP := &fakeSTT{}
	agent := &Agent{Name: "a", LLM: model, TTS: &mockTTS{}, STT: sttP}
	sess, _ := newTestSession(t, SessionOptions{
		MinEndpointingDelay: 50 * time.Millisecond,
	}, agent)

	stream := sttP.current()
	stream.emitFinal("never mind this")
	time.Sleep(10 * time.Millisecond)
	sess.ClearUserTurn()

	time.Sleep(150 * time.Millisecond)
	if n := sess.ChatContext().Len(); n != 0 {
		t.Fatalf("cleared turn must not reach the chat context, got %d items", n)
	}
	if calls := model.calls.Load(); calls != 0 {
		t.Fatalf("cleared turn must not trigger generation, got %d calls", calls)
	}
}
