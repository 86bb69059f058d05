// Package voice implements the session runtime that turns provider
// building blocks into a conversing agent: the AgentSession orchestrator,
// the per-agent AgentActivity state machine, speech scheduling with strict
// priority and a single-speaker invariant, the interruption policy, the
// tool-call loop, and agent handoff.
package voice

import (
	"context"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/realtime"
	"github.com/cadenza-ai/cadenza/pkg/stt"
	"github.com/cadenza-ai/cadenza/pkg/tts"
	"github.com/cadenza-ai/cadenza/pkg/vad"
)

// Agent is a user-defined role: instructions, tools, and optionally its own
// provider overrides. Agents are cheap descriptions; the runtime state
// lives in the AgentActivity bound to the session.
type Agent struct {
	// Name identifies the agent in logs and handoff records.
	Name string

	// Instructions is the system prompt.
	Instructions string

	// Tools is the agent's tool context. Immutable during a turn.
	Tools ToolContext

	// ChatCtx seeds the session history when the agent is passed to Start;
	// nil starts with an empty history. It is not used on handoff:
	// UpdateAgent clears it and the next agent inherits the session history.
	ChatCtx *llm.ChatContext

	// Provider overrides; nil falls back to the session's.
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
	VAD      vad.Engine
	Realtime realtime.Model

	// OnEnter runs when the agent becomes active. A reply scheduled here
	// is the natural way to greet.
	OnEnter func(ctx context.Context, sess *AgentSession)

	// OnExit runs before the agent is swapped away.
	OnExit func(ctx context.Context, sess *AgentSession)

	// WaitOnEnter delays speech scheduling until OnEnter returns.
	WaitOnEnter bool
}

// sttProvider resolves the agent's STT, falling back to the session's.
func (a *Agent) sttProvider(s *AgentSession) stt.Provider {
	if a.STT != nil {
		return a.STT
	}
	return s.opts.STT
}

func (a *Agent) llmProvider(s *AgentSession) llm.Provider {
	if a.LLM != nil {
		return a.LLM
	}
	return s.opts.LLM
}

func (a *Agent) ttsProvider(s *AgentSession) tts.Provider {
	if a.TTS != nil {
		return a.TTS
	}
	return s.opts.TTS
}

func (a *Agent) vadEngine(s *AgentSession) vad.Engine {
	if a.VAD != nil {
		return a.VAD
	}
	return s.opts.VAD
}

func (a *Agent) realtimeModel(s *AgentSession) realtime.Model {
	if a.Realtime != nil {
		return a.Realtime
	}
	return s.opts.Realtime
}
