package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// fakeExecutor replies with a fixed probability, optionally failing or
// hanging.
type fakeExecutor struct {
	probability float64
	err         error
	hang        bool
	gotText     string
}

func (f *fakeExecutor) DoInference(ctx context.Context, method, requestID string, data []byte) ([]byte, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	var req inferenceRequest
	_ = json.Unmarshal(data, &req)
	f.gotText = req.Text
	return json.Marshal(inferenceResponse{Probability: f.probability})
}

func chatWith(turns ...[2]string) *llm.ChatContext {
	cc := llm.NewChatContext()
	for _, t := range turns {
		cc.AddMessage(llm.ChatRole(t[0]), t[1])
	}
	return cc
}

func TestUnlikelyThreshold(t *testing.T) {
	t.Parallel()

	m := NewEOUModel(&fakeExecutor{})
	if _, ok := m.UnlikelyThreshold("en-US"); !ok {
		t.Fatal("en-US must resolve via primary subtag")
	}
	if _, ok := m.UnlikelyThreshold("xx"); ok {
		t.Fatal("unknown language must be unsupported")
	}
	if !m.SupportsLanguage("de") || m.SupportsLanguage("tlh") {
		t.Fatal("SupportsLanguage must mirror the threshold table")
	}

	override := NewEOUModel(&fakeExecutor{}, WithThresholdOverride(0.5))
	th, ok := override.UnlikelyThreshold("tlh")
	if !ok || th != 0.5 {
		t.Fatalf("override must apply to every language, got (%v, %v)", th, ok)
	}
}

func TestPredictEndOfTurn(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{probability: 0.87}
	m := NewEOUModel(exec)
	got := m.PredictEndOfTurn(context.Background(), chatWith([2]string{"user", "so anyway"}), "en")
	if got != 0.87 {
		t.Fatalf("want 0.87, got %v", got)
	}
}

func TestPredictUnsupportedLanguageDisablesGating(t *testing.T) {
	t.Parallel()

	m := NewEOUModel(&fakeExecutor{probability: 0.9})
	if got := m.PredictEndOfTurn(context.Background(), chatWith(), "tlh"); got != ProbUnavailable {
		t.Fatalf("want sentinel, got %v", got)
	}
}

func TestPredictTimeoutDisablesGating(t *testing.T) {
	t.Parallel()

	m := NewEOUModel(&fakeExecutor{hang: true}, WithTimeout(20*time.Millisecond))
	if got := m.PredictEndOfTurn(context.Background(), chatWith([2]string{"user", "hello"}), "en"); got != ProbUnavailable {
		t.Fatalf("want sentinel on timeout, got %v", got)
	}
}

func TestPredictExecutorErrorDisablesGating(t *testing.T) {
	t.Parallel()

	m := NewEOUModel(&fakeExecutor{err: errors.New("runner gone")})
	if got := m.PredictEndOfTurn(context.Background(), chatWith([2]string{"user", "hello"}), "en"); got != ProbUnavailable {
		t.Fatalf("want sentinel on executor error, got %v", got)
	}
}

func TestPrepareText(t *testing.T) {
	t.Parallel()

	cc := chatWith(
		[2]string{"system", "irrelevant to the model"},
		[2]string{"user", "Hi there."},
		[2]string{"assistant", "Hello!  How can I help?"},
		[2]string{"user", "I was wondering"},
		[2]string{"user", "about the weather."},
	)
	text := PrepareText(cc)

	if strings.Contains(text, "irrelevant") {
		t.Fatal("system messages must be excluded")
	}
	if strings.Count(text, "<|user|>") != 2 {
		t.Fatalf("adjacent user turns must merge: %q", text)
	}
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "?") {
		t.Fatalf("trailing end marker must be stripped: %q", text)
	}
	if !strings.Contains(text, "i was wondering about the weather") {
		t.Fatalf("merged utterance missing: %q", text)
	}
}

func TestPrepareTextLimitsTurns(t *testing.T) {
	t.Parallel()

	cc := llm.NewChatContext()
	for i := 0; i < 8; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		cc.AddMessage(role, "turn")
	}
	text := PrepareText(cc)
	if got := strings.Count(text, "<|"); got != maxTurns {
		t.Fatalf("want %d turns, got %d: %q", maxTurns, got, text)
	}
}
