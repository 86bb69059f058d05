package voice

import (
	"time"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/realtime"
	"github.com/cadenza-ai/cadenza/pkg/stt"
	"github.com/cadenza-ai/cadenza/pkg/transform"
	"github.com/cadenza-ai/cadenza/pkg/tts"
	"github.com/cadenza-ai/cadenza/pkg/turn"
	"github.com/cadenza-ai/cadenza/pkg/vad"
)

// SessionOptions configures an AgentSession. Zero values select the
// documented defaults.
type SessionOptions struct {
	// Session-wide providers; agents may override per Agent.
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
	VAD      vad.Engine
	Realtime realtime.Model

	// TurnDetector gates end-of-utterance commits. Nil disables EOU
	// gating; endpointing then uses MinEndpointingDelay alone.
	TurnDetector turn.Detector

	// Language drives the turn detector threshold and the TTS text
	// transforms. Default "en".
	Language string

	// AllowInterruptions is the master switch for the interruption policy.
	// Default true.
	AllowInterruptions *bool

	// DiscardAudioIfUninterruptible drops input audio while an
	// uninterruptible speech is playing.
	DiscardAudioIfUninterruptible bool

	// MinInterruptionDuration is the minimum playout before an interrupt
	// signal counts. Default 500ms.
	MinInterruptionDuration time.Duration

	// MinInterruptionWords is the transcript word-count threshold for an
	// interruption. Zero disables the word gate.
	MinInterruptionWords int

	// MinEndpointingDelay is the minimum silence before a user turn
	// commits. Default 500ms.
	MinEndpointingDelay time.Duration

	// MaxEndpointingDelay caps the stretched delay when the turn detector
	// finds the utterance unlikely to be over. Default 6s.
	MaxEndpointingDelay time.Duration

	// MaxToolSteps bounds LLM→tool→LLM chains per user turn. Default 3;
	// zero (set explicitly via a pointer) suppresses post-tool replies.
	MaxToolSteps *int

	// PreemptiveGeneration speculatively starts the LLM on interim
	// transcripts.
	PreemptiveGeneration bool

	// UserAwayTimeout emits UserStateChanged{away} after this much input
	// silence. Zero selects the default of 15s; a negative value disables
	// the timer.
	UserAwayTimeout time.Duration

	// UseTTSAlignedTranscript prefers provider word timestamps for
	// transcript sync when available.
	UseTTSAlignedTranscript bool

	// TTSTransform overrides the text pipeline applied before synthesis;
	// nil selects transform.ForLanguage(Language).
	TTSTransform transform.Transform
}

const (
	defaultMinInterruptionDuration = 500 * time.Millisecond
	defaultMinEndpointingDelay     = 500 * time.Millisecond
	defaultMaxEndpointingDelay     = 6 * time.Second
	defaultMaxToolSteps            = 3
	defaultUserAwayTimeout         = 15 * time.Second
)

func (o *SessionOptions) withDefaults() {
	if o.Language == "" {
		o.Language = "en"
	}
	if o.AllowInterruptions == nil {
		v := true
		o.AllowInterruptions = &v
	}
	if o.MinInterruptionDuration <= 0 {
		o.MinInterruptionDuration = defaultMinInterruptionDuration
	}
	if o.MinEndpointingDelay <= 0 {
		o.MinEndpointingDelay = defaultMinEndpointingDelay
	}
	if o.MaxEndpointingDelay < o.MinEndpointingDelay {
		o.MaxEndpointingDelay = defaultMaxEndpointingDelay
	}
	if o.MaxToolSteps == nil {
		v := defaultMaxToolSteps
		o.MaxToolSteps = &v
	}
	if o.UserAwayTimeout == 0 {
		o.UserAwayTimeout = defaultUserAwayTimeout
	}
	if o.TTSTransform == nil {
		o.TTSTransform = transform.ForLanguage(o.Language)
	}
}

func (o *SessionOptions) allowInterruptions() bool {
	return o.AllowInterruptions == nil || *o.AllowInterruptions
}

func (o *SessionOptions) maxToolSteps() int {
	if o.MaxToolSteps == nil {
		return defaultMaxToolSteps
	}
	return *o.MaxToolSteps
}
