package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// fakeLLM is a scriptable llm.Provider: it fails failCount times, then
// succeeds by emitting its chunks.
type fakeLLM struct {
	label     string
	failCount int32
	failWith  error
	chunks    []string
	calls     atomic.Int32
	// failAfterChunks, when positive, emits that many chunks before the
	// stream errors.
	failAfterChunks int
}

func (f *fakeLLM) Label() string { return f.label }

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	n := f.calls.Add(1)
	out := make(chan llm.ChatChunk, 8)
	go func() {
		defer close(out)
		if n <= atomic.LoadInt32(&f.failCount) {
			if f.failAfterChunks > 0 {
				for i := 0; i < f.failAfterChunks; i++ {
					out <- llm.ChatChunk{Delta: llm.ChatDelta{Content: "partial"}}
				}
			}
			out <- llm.ChatChunk{Err: f.failWith}
			return
		}
		for _, c := range f.chunks {
			out <- llm.ChatChunk{Delta: llm.ChatDelta{Content: c}}
		}
	}()
	return out, nil
}

func chatReq() llm.ChatRequest {
	cc := llm.NewChatContext()
	cc.AddMessage(llm.RoleUser, "hi")
	return llm.ChatRequest{ChatCtx: cc}
}

func collect(t *testing.T, ch <-chan llm.ChatChunk) (text string, streamErr error) {
	t.Helper()
	for chunk := range ch {
		if chunk.Err != nil {
			return text, chunk.Err
		}
		text += chunk.Delta.Content
	}
	return text, nil
}

func TestLLMFallbackOn4xxThenRecovery(t *testing.T) {
	t.Parallel()

	// A fails once with a non-retryable 403 before emitting data, then
	// recovers (the recovery probe's chat succeeds).
	a := &fakeLLM{label: "A", failCount: 1, failWith: cadenzaerr.NewAPIStatusError("forbidden", 403), chunks: []string{"a"}}
	b := &fakeLLM{label: "B", chunks: []string{"hello ", "world"}}

	f := NewLLM([]llm.Provider{a, b}, Policy{RetryInterval: 10 * time.Millisecond})
	defer f.Close()
	events := f.Events()

	ch, err := f.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	text, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "hello world" {
		t.Fatalf("want B's output, got %q", text)
	}

	ev := <-events
	if ev.Provider != "A" || ev.Available {
		t.Fatalf("want {A, false}, got %+v", ev)
	}
	// The probe's successful chat flips A back.
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery event")
	}
	if ev.Provider != "A" || !ev.Available {
		t.Fatalf("want {A, true}, got %+v", ev)
	}
}

func TestLLMFallbackAbortsAfterDataByDefault(t *testing.T) {
	t.Parallel()

	boom := cadenzaerr.NewAPIError("mid-stream failure")
	boom.Retryable = false
	a := &fakeLLM{label: "A", failCount: 99, failWith: boom, failAfterChunks: 2}
	b := &fakeLLM{label: "B", chunks: []string{"never"}}

	f := NewLLM([]llm.Provider{a, b}, Policy{})
	defer f.Close()

	ch, err := f.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	text, streamErr := collect(t, ch)
	if streamErr == nil {
		t.Fatal("want the mid-stream error surfaced, got clean close")
	}
	if text != "partialpartial" {
		t.Fatalf("want A's partial output only, got %q", text)
	}
	if got := b.calls.Load(); got != 0 {
		t.Fatalf("B must not be tried after data was sent, got %d calls", got)
	}
}

func TestLLMFallbackAllFail(t *testing.T) {
	t.Parallel()

	status := cadenzaerr.NewAPIStatusError("teapot", 418)
	a := &fakeLLM{label: "A", failCount: 99, failWith: status}
	b := &fakeLLM{label: "B", failCount: 99, failWith: status}

	f := NewLLM([]llm.Provider{a, b}, Policy{RetryInterval: 5 * time.Millisecond})
	defer f.Close()

	ch, _ := f.Chat(context.Background(), chatReq())
	_, streamErr := collect(t, ch)
	var connErr *cadenzaerr.APIConnectionError
	if !errors.As(streamErr, &connErr) {
		t.Fatalf("want APIConnectionError aggregate, got %v", streamErr)
	}
}

func TestLLMFallbackRetriesRetryableOnSameProvider(t *testing.T) {
	t.Parallel()

	a := &fakeLLM{label: "A", failCount: 2, failWith: cadenzaerr.NewAPIStatusError("unavailable", 503), chunks: []string{"ok"}}

	f := NewLLM([]llm.Provider{a}, Policy{MaxRetryPerProvider: 3, RetryInterval: 5 * time.Millisecond})
	defer f.Close()

	ch, _ := f.Chat(context.Background(), chatReq())
	text, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "ok" {
		t.Fatalf("want ok after retries, got %q", text)
	}
	if calls := a.calls.Load(); calls != 3 {
		t.Fatalf("want 3 attempts (2 failures + success), got %d", calls)
	}
}
