package voice

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/realtime"
)

// realtimeActivity drives an AgentActivity from a realtime model session
// instead of the STT→LLM→TTS cascade: user audio goes straight to the
// model; generations come back as parallel text/audio streams scheduled as
// speeches.
type realtimeActivity struct {
	activity *AgentActivity
	model    realtime.Model
	session  realtime.Session

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newRealtimeActivity(a *AgentActivity, model realtime.Model) (*realtimeActivity, error) {
	ctx, cancel := context.WithCancel(a.ctx)

	sess, err := model.Connect(ctx, realtime.SessionConfig{
		Instructions:    a.agent.Instructions,
		Tools:           a.agent.Tools.Definitions(),
		InputSampleRate: a.session.inputSampleRate(),
	})
	if err != nil {
		cancel()
		return nil, err
	}

	rt := &realtimeActivity{
		activity: a,
		model:    model,
		session:  sess,
		ctx:      ctx,
		cancel:   cancel,
	}
	go rt.audioLoop()
	go rt.eventLoop()
	return rt, nil
}

// audioLoop pumps session input audio into the model.
func (rt *realtimeActivity) audioLoop() {
	input := rt.activity.session.audioInput()
	if input == nil {
		return
	}
	for {
		frame, err := input.Next(rt.ctx)
		if err != nil {
			return
		}
		if err := rt.session.PushAudio(frame); err != nil {
			rt.activity.logger.Warn("realtime audio push failed", "error", err)
			return
		}
	}
}

// eventLoop dispatches model session events.
func (rt *realtimeActivity) eventLoop() {
	caps := rt.model.Capabilities()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case ev, ok := <-rt.session.Events():
			if !ok {
				return
			}
			switch {
			case ev.Err != nil:
				rt.activity.logger.Error("realtime session failed", "error", ev.Err)
				rt.activity.session.maybeCloseOnError(ev.Err)
				return

			case ev.GenerationCreated != nil:
				rt.onGeneration(ev.GenerationCreated, caps)

			case ev.InputTranscription != nil:
				t := ev.InputTranscription
				rt.activity.session.touchUserActivity()
				rt.activity.session.emit(Event{UserInputTranscribed: &UserInputTranscribedEvent{
					Transcript: t.Transcript,
					IsFinal:    t.IsFinal,
				}})
				if t.IsFinal {
					item := rt.activity.session.appendUserMessage(t.Transcript)
					rt.activity.session.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
				}

			case ev.InputSpeechStarted:
				rt.activity.session.setUserState(UserStateSpeaking)
				rt.activity.session.touchUserActivity()
				if rt.activity.onInterruptionSignal("") {
					_ = rt.session.Interrupt()
				}

			case ev.InputSpeechStopped:
				rt.activity.session.setUserState(UserStateListening)

			case ev.Metrics != nil:
				rt.activity.session.emitMetrics(*ev.Metrics)
			}
		}
	}
}

// onGeneration schedules the model generation as one speech.
func (rt *realtimeActivity) onGeneration(gen *realtime.GenerationCreatedEvent, caps realtime.Capabilities) {
	a := rt.activity
	h := newSpeechHandle(a.ctx, PriorityNormal, a.session.opts.allowInterruptions(), a.session.ChatContext().Copy())
	h.runFn = func(*AgentActivity) { rt.playGeneration(h, gen, caps) }
	if err := a.scheduleSpeech(h, false); err != nil {
		rt.activity.logger.Warn("failed to schedule realtime generation", "error", err)
		return
	}
	a.session.emit(Event{SpeechCreated: &SpeechCreatedEvent{Speech: h, Source: "generate_reply"}})
}

// playGeneration plays every message of one generation and then executes
// its tool calls.
func (rt *realtimeActivity) playGeneration(h *SpeechHandle, gen *realtime.GenerationCreatedEvent, caps realtime.Capabilities) {
	a := rt.activity
	a.session.setAgentState(AgentStateSpeaking)
	out := a.session.audioOutput()

	var spoken string
	for {
		msg, err := gen.MessageStream.Next(h.ctx)
		if err != nil {
			break
		}

		// Text and audio advance in parallel; text goes to subscribers as
		// the audio plays.
		textDone := make(chan string, 1)
		go func() {
			var full string
			for {
				s, terr := msg.TextStream.Next(h.ctx)
				if terr != nil {
					textDone <- full
					return
				}
				full += s
			}
		}()

		for {
			frame, aerr := msg.AudioStream.Next(h.ctx)
			if aerr != nil {
				break
			}
			h.markPlayStarted()
			if out != nil {
				if werr := out.Write(h.ctx, frame); werr != nil {
					break
				}
			}
		}
		spoken += <-textDone

		if h.Interrupted() {
			if out != nil {
				out.ClearBuffer()
			}
			if caps.MessageTruncation {
				_ = rt.session.Truncate(context.Background(), msg.MessageID, h.PlayedFor())
			}
			break
		}
	}

	h.setSpokenText(spoken)
	h.markGenerationDone()
	a.appendAssistantTurn(h)

	// Tool calls arrive on the function stream once the generation ends.
	var calls []llm.ToolCallDelta
	for {
		call, err := gen.FunctionStream.Next(h.ctx)
		if err != nil {
			break
		}
		calls = append(calls, llm.ToolCallDelta{CallID: call.CallID, Name: call.Name, Arguments: call.Arguments})
	}
	if len(calls) > 0 && !h.Interrupted() {
		a.runToolBatch(h, calls)
		if !caps.AutoToolReplyGeneration {
			_ = rt.session.UpdateChatCtx(context.Background(), a.session.ChatContext().Copy())
			_ = rt.session.GenerateReply(context.Background(), "")
		}
	}
}

func (rt *realtimeActivity) close() {
	rt.closeOnce.Do(func() {
		rt.cancel()
		_ = rt.session.Close()
	})
}
