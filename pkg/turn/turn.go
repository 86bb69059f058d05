// Package turn predicts whether a user has finished speaking. The EOU model
// scores the probability that the current utterance is complete from the
// last few conversation turns; the session uses it to stretch or shrink the
// endpointing delay before committing a user turn.
//
// The model itself (tokenizer + ONNX session) lives in a sibling inference
// process and is reached through an InferenceExecutor; this package owns
// the text preparation, the per-language thresholds, and the timeout
// policy.
package turn

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// InferenceMethod is the executor method name the EOU runner registers
// under.
const InferenceMethod = "eou"

// DefaultTimeout bounds one probability probe.
const DefaultTimeout = 3 * time.Second

// maxTurns is how many trailing chat turns feed the model.
const maxTurns = 4

// ProbUnavailable is the sentinel returned when the model cannot produce a
// probability (unsupported language, timeout, executor failure). It
// disables EOU gating: the caller falls back to its VAD-only endpointing
// delay.
const ProbUnavailable = -1.0

// Detector is what the session consumes: a turn-end probability source.
type Detector interface {
	// SupportsLanguage reports whether a threshold exists for lang.
	SupportsLanguage(lang string) bool

	// UnlikelyThreshold returns the per-language probability threshold
	// below which a turn end is considered unlikely.
	UnlikelyThreshold(lang string) (float64, bool)

	// PredictEndOfTurn scores the probability that the user's utterance is
	// complete, in [0,1], or ProbUnavailable.
	PredictEndOfTurn(ctx context.Context, chatCtx *llm.ChatContext, lang string) float64
}

// InferenceExecutor dispatches a named inference to wherever the model
// lives (the job's sibling inference process in production, an in-process
// fake in tests).
type InferenceExecutor interface {
	DoInference(ctx context.Context, method string, requestID string, data []byte) ([]byte, error)
}

//go:embed languages.json
var languagesJSON []byte

type languageEntry struct {
	Threshold float64 `json:"threshold"`
}

func loadLanguages() map[string]languageEntry {
	var m map[string]languageEntry
	if err := json.Unmarshal(languagesJSON, &m); err != nil {
		panic("turn: bundled languages.json is invalid: " + err.Error())
	}
	return m
}

// Option configures an EOUModel.
type Option func(*EOUModel)

// WithTimeout overrides the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *EOUModel) { m.timeout = d }
}

// WithThresholdOverride forces the unlikely-threshold for every language.
func WithThresholdOverride(threshold float64) Option {
	return func(m *EOUModel) { m.override = &threshold }
}

// EOUModel is the end-of-utterance probability model client.
type EOUModel struct {
	executor  InferenceExecutor
	languages map[string]languageEntry
	timeout   time.Duration
	override  *float64
}

var _ Detector = (*EOUModel)(nil)

// NewEOUModel creates an EOUModel dispatching through executor.
func NewEOUModel(executor InferenceExecutor, opts ...Option) *EOUModel {
	m := &EOUModel{
		executor:  executor,
		languages: loadLanguages(),
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SupportsLanguage implements Detector.
func (m *EOUModel) SupportsLanguage(lang string) bool {
	_, ok := m.UnlikelyThreshold(lang)
	return ok
}

// UnlikelyThreshold implements Detector. Language tags are matched on their
// primary subtag ("en-US" → "en").
func (m *EOUModel) UnlikelyThreshold(lang string) (float64, bool) {
	if m.override != nil {
		return *m.override, true
	}
	entry, ok := m.languages[primarySubtag(lang)]
	if !ok {
		return 0, false
	}
	return entry.Threshold, true
}

func primarySubtag(lang string) string {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return lang[:i]
	}
	return lang
}

// inferenceRequest is the wire shape sent to the EOU runner.
type inferenceRequest struct {
	Text string `json:"text"`
}

type inferenceResponse struct {
	Probability float64 `json:"probability"`
}

// PredictEndOfTurn implements Detector. Unsupported languages, executor
// failures, and timeouts all return ProbUnavailable so the caller's gating
// degrades to VAD-only endpointing.
func (m *EOUModel) PredictEndOfTurn(ctx context.Context, chatCtx *llm.ChatContext, lang string) float64 {
	if !m.SupportsLanguage(lang) {
		return ProbUnavailable
	}

	payload, err := json.Marshal(inferenceRequest{Text: PrepareText(chatCtx)})
	if err != nil {
		return ProbUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.executor.DoInference(ctx, InferenceMethod, aio.ShortID(), payload)
	if err != nil {
		slog.Warn("eou inference failed, disabling gating for this turn", "error", err)
		return ProbUnavailable
	}

	var resp inferenceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("eou inference returned invalid payload", "error", err)
		return ProbUnavailable
	}
	if resp.Probability < 0 || resp.Probability > 1 {
		return ProbUnavailable
	}
	return resp.Probability
}

// PrepareText renders the trailing chat turns into the model's input:
// adjacent same-role messages merged, at most maxTurns turns, the current
// utterance's trailing end marker stripped.
func PrepareText(chatCtx *llm.ChatContext) string {
	type turnText struct {
		role llm.ChatRole
		text string
	}
	var turns []turnText
	for _, item := range chatCtx.Items() {
		if item.Message == nil {
			continue
		}
		role := item.Message.Role
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		text := normalizeUtterance(item.Message.Text())
		if text == "" {
			continue
		}
		if len(turns) > 0 && turns[len(turns)-1].role == role {
			turns[len(turns)-1].text += " " + text
			continue
		}
		turns = append(turns, turnText{role: role, text: text})
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	var sb strings.Builder
	for i, tn := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "<|%s|> %s", tn.role, tn.text)
	}
	// The model scores "did the speaker stop here"; a trailing terminator
	// on the live utterance would leak the answer.
	return strings.TrimRight(sb.String(), ".!? ")
}

func normalizeUtterance(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
