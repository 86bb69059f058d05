package voice

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/transcription"
	"github.com/cadenza-ai/cadenza/pkg/transform"
)

// ErrSchedulingPaused is returned by scheduleSpeech while the activity is
// draining or mid-handoff and force is not set.
var ErrSchedulingPaused = errors.New("voice: speech scheduling paused")

// activityState tracks the AgentActivity lifecycle.
type activityState int

const (
	activityStarting activityState = iota
	activityRunning
	activityDraining
	activityClosed
)

// AgentActivity binds one Agent to a running session: it owns the speech
// queue, the single-speaker invariant, audio recognition, the tool-call
// loop, and the generation pipeline.
type AgentActivity struct {
	session *AgentSession
	agent   *Agent
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            activityState
	queue            speechHeap
	seq              uint64
	qUpdated         *aio.Future[struct{}]
	current          *SpeechHandle
	schedulingPaused bool
	speechTasks      map[*SpeechHandle]chan struct{} // handle → task-finished
	drainBlocked     map[*SpeechHandle]bool
	preemptive       *preemptiveGen

	recognition *audioRecognition
	rt          *realtimeActivity

	mainDone chan struct{}
}

// preemptiveGen is a speculative LLM stream started on an interim
// transcript.
type preemptiveGen struct {
	transcript string
	ch         <-chan llm.ChatChunk
	cancel     context.CancelFunc
}

func newAgentActivity(sess *AgentSession, agent *Agent) *AgentActivity {
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentActivity{
		session:      sess,
		agent:        agent,
		logger:       slog.Default().With("agent", agent.Name),
		ctx:          ctx,
		cancel:       cancel,
		qUpdated:     aio.NewFuture[struct{}](),
		speechTasks:  make(map[*SpeechHandle]chan struct{}),
		drainBlocked: make(map[*SpeechHandle]bool),
		mainDone:     make(chan struct{}),
	}
}

// start transitions the activity to running: the scheduling loop, then
// either the realtime task or audio recognition.
func (a *AgentActivity) start() error {
	a.mu.Lock()
	a.state = activityRunning
	a.mu.Unlock()

	go a.mainLoop()

	if model := a.agent.realtimeModel(a.session); model != nil {
		rt, err := newRealtimeActivity(a, model)
		if err != nil {
			return err
		}
		a.rt = rt
		return nil
	}

	if a.agent.sttProvider(a.session) != nil || a.agent.vadEngine(a.session) != nil {
		rec, err := newAudioRecognition(a)
		if err != nil {
			return err
		}
		a.recognition = rec
	}
	return nil
}

// ── scheduling ───────────────────────────────────────────────────────────────

// scheduleSpeech enqueues h. With force it bypasses a paused scheduler
// (used for handoff-internal speech).
func (a *AgentActivity) scheduleSpeech(h *SpeechHandle, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == activityClosed {
		return errors.New("voice: activity closed")
	}
	if (a.schedulingPaused || a.state == activityDraining) && !force {
		return ErrSchedulingPaused
	}
	a.seq++
	heap.Push(&a.queue, queuedSpeech{handle: h, seq: a.seq})
	h.scheduled.Store(true)
	a.speechTasks[h] = make(chan struct{})
	a.qUpdated.Resolve(struct{}{})
	return nil
}

// mainLoop plays exactly one speech at a time: strict priority, FIFO on
// ties, never preempting an in-progress speech.
func (a *AgentActivity) mainLoop() {
	defer close(a.mainDone)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 || a.current != nil || a.schedulingPaused {
			wake := a.qUpdated
			if wake.IsDone() {
				a.qUpdated = aio.NewFuture[struct{}]()
				wake = a.qUpdated
			}
			a.mu.Unlock()
			select {
			case <-wake.Done():
			case <-a.ctx.Done():
				return
			}
			a.mu.Lock()
		}

		item := heap.Pop(&a.queue).(queuedSpeech)
		h := item.handle
		if h.Interrupted() {
			done := a.speechTasks[h]
			delete(a.speechTasks, h)
			a.mu.Unlock()
			h.markPlayoutDone()
			if done != nil {
				close(done)
			}
			continue
		}
		a.current = h
		done := a.speechTasks[h]
		a.mu.Unlock()

		a.runSpeech(h)

		a.mu.Lock()
		a.current = nil
		delete(a.speechTasks, h)
		a.qUpdated.Resolve(struct{}{})
		a.mu.Unlock()
		if done != nil {
			close(done)
		}

		a.session.setAgentState(AgentStateListening)
	}
}

// runSpeech executes one speech's pipeline to playout completion.
func (a *AgentActivity) runSpeech(h *SpeechHandle) {
	defer h.markPlayoutDone()
	if h.runFn != nil {
		h.runFn(a)
	}
}

// currentSpeech returns the speech being played, or nil.
func (a *AgentActivity) currentSpeech() *SpeechHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// pauseScheduling stops new speech from being dequeued-scheduled; in-flight
// speech finishes.
func (a *AgentActivity) pauseScheduling() {
	a.mu.Lock()
	a.schedulingPaused = true
	a.mu.Unlock()
}

func (a *AgentActivity) resumeScheduling() {
	a.mu.Lock()
	a.schedulingPaused = false
	a.qUpdated.Resolve(struct{}{})
	a.mu.Unlock()
}

// takeQueued removes and returns every not-yet-playing speech in queue
// order; used to forward pending speech to the next activity on handoff.
func (a *AgentActivity) takeQueued() []*SpeechHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*SpeechHandle
	for len(a.queue) > 0 {
		item := heap.Pop(&a.queue).(queuedSpeech)
		delete(a.speechTasks, item.handle)
		out = append(out, item.handle)
	}
	return out
}

// ── interruption policy ──────────────────────────────────────────────────────

// onInterruptionSignal applies the uniform gating from both interruption
// sources: VAD speech-start (carrying the current interim transcript, empty
// when there is none and always empty in realtime sessions) and a final STT
// transcript.
// It reports whether the current speech was interrupted.
func (a *AgentActivity) onInterruptionSignal(text string) bool {
	if !a.session.opts.allowInterruptions() {
		return false
	}
	current := a.currentSpeech()

	wordCount := len(transform.SplitWords(text, true))
	if wordCount < a.session.opts.MinInterruptionWords {
		// Below the word gate the signal is noise; a speculative reply
		// keyed to it is stale too.
		a.cancelPreemptive()
		return false
	}

	if current == nil {
		return false
	}
	if !current.AllowInterruptions() {
		return false
	}
	if current.PlayedFor() < a.session.opts.MinInterruptionDuration {
		return false
	}

	a.logger.Debug("interrupting current speech", "speech_id", current.ID(), "words", wordCount)
	current.Interrupt()
	if out := a.session.audioOutput(); out != nil {
		out.ClearBuffer()
	}
	return true
}

// interrupt force-interrupts the current speech regardless of gating
// (session.interrupt verb, close path). The future resolves when playout
// has stopped and queues are clear.
func (a *AgentActivity) interrupt(force bool) *aio.Future[struct{}] {
	a.mu.Lock()
	current := a.current
	var queued []*SpeechHandle
	for _, q := range a.queue {
		if force || q.handle.AllowInterruptions() {
			queued = append(queued, q.handle)
		}
	}
	a.mu.Unlock()

	for _, h := range queued {
		h.Interrupt()
	}
	if current == nil {
		fut := aio.NewFuture[struct{}]()
		fut.Resolve(struct{}{})
		return fut
	}
	if !force && !current.AllowInterruptions() {
		fut := aio.NewFuture[struct{}]()
		fut.Resolve(struct{}{})
		return fut
	}
	fut := current.Interrupt()
	if out := a.session.audioOutput(); out != nil {
		out.ClearBuffer()
	}
	return fut
}

// ── preemptive generation ────────────────────────────────────────────────────

// onInterimTranscript speculatively starts the LLM while the user is still
// speaking.
func (a *AgentActivity) onInterimTranscript(text string) {
	if !a.session.opts.PreemptiveGeneration || text == "" {
		return
	}
	provider := a.agent.llmProvider(a.session)
	if provider == nil {
		return
	}

	a.mu.Lock()
	if a.preemptive != nil && a.preemptive.transcript == text {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.cancelPreemptive()

	chatCtx := a.session.ChatContext().Copy()
	chatCtx.AddMessage(llm.RoleUser, text)
	genCtx, cancel := context.WithCancel(a.ctx)
	ch, err := provider.Chat(genCtx, llm.ChatRequest{
		ChatCtx: chatCtx,
		Tools:   a.agent.Tools.Definitions(),
	})
	if err != nil {
		cancel()
		return
	}

	a.mu.Lock()
	a.preemptive = &preemptiveGen{transcript: text, ch: ch, cancel: cancel}
	a.mu.Unlock()
}

// takePreemptive consumes the speculative stream when the final transcript
// matches it; a mismatch discards the speculative output entirely.
func (a *AgentActivity) takePreemptive(finalTranscript string) <-chan llm.ChatChunk {
	a.mu.Lock()
	gen := a.preemptive
	a.preemptive = nil
	a.mu.Unlock()
	if gen == nil {
		return nil
	}
	if gen.transcript != finalTranscript {
		gen.cancel()
		go drainChunks(gen.ch)
		return nil
	}
	return gen.ch
}

func (a *AgentActivity) cancelPreemptive() {
	a.mu.Lock()
	gen := a.preemptive
	a.preemptive = nil
	a.mu.Unlock()
	if gen != nil {
		gen.cancel()
		go drainChunks(gen.ch)
	}
}

func drainChunks(ch <-chan llm.ChatChunk) {
	for range ch {
	}
}

// ── reply generation ─────────────────────────────────────────────────────────

// say schedules a verbatim utterance.
func (a *AgentActivity) say(text string, priority int, force bool) (*SpeechHandle, error) {
	h := newSpeechHandle(a.session.ctx, priority, a.session.opts.allowInterruptions(), a.session.ChatContext().Copy())
	h.runFn = func(act *AgentActivity) { act.sayTask(h, text) }
	if err := a.scheduleSpeech(h, force); err != nil {
		return nil, err
	}
	a.session.emit(Event{SpeechCreated: &SpeechCreatedEvent{Speech: h, Source: "say"}})
	return h, nil
}

// generateReply schedules an LLM-driven reply. userInput, when non-empty,
// is committed to the session history as the triggering user turn;
// speculative carries a matched preemptive stream.
func (a *AgentActivity) generateReply(userInput, instructions string, speculative <-chan llm.ChatChunk) (*SpeechHandle, error) {
	if userInput != "" {
		item := a.session.appendUserMessage(userInput)
		a.session.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
	}

	chatCtx := a.session.ChatContext().Copy()
	h := newSpeechHandle(a.session.ctx, PriorityNormal, a.session.opts.allowInterruptions(), chatCtx)
	h.runFn = func(act *AgentActivity) { act.generationTask(h, instructions, speculative) }
	if err := a.scheduleSpeech(h, false); err != nil {
		if speculative != nil {
			go drainChunks(speculative)
		}
		return nil, err
	}
	a.session.emit(Event{SpeechCreated: &SpeechCreatedEvent{Speech: h, Source: "generate_reply"}})
	return h, nil
}

// sayTask synthesizes and plays a fixed string.
func (a *AgentActivity) sayTask(h *SpeechHandle, text string) {
	a.session.setAgentState(AgentStateSpeaking)

	textCh := streamsChannelOf(text)
	spoken, err := a.playText(h, textCh)
	h.setSpokenText(spoken)
	h.markGenerationDone()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("say playback failed", "error", err)
	}
	a.appendAssistantTurn(h)
}

// generationTask runs one LLM call, streams it through TTS, executes tool
// batches, and chains follow-up speech.
func (a *AgentActivity) generationTask(h *SpeechHandle, instructions string, speculative <-chan llm.ChatChunk) {
	a.session.setAgentState(AgentStateThinking)

	provider := a.agent.llmProvider(a.session)
	if provider == nil {
		a.logger.Warn("no LLM provider configured, dropping reply")
		return
	}

	chunks := speculative
	if chunks == nil {
		chatCtx := h.chatCtx.Copy()
		if instructions != "" {
			chatCtx.AddMessage(llm.RoleDeveloper, instructions)
		}
		if sys := a.systemMessage(); sys != "" && !hasSystemMessage(chatCtx) {
			prefixSystem(chatCtx, sys)
		}
		var err error
		chunks, err = provider.Chat(h.ctx, llm.ChatRequest{
			ChatCtx:    chatCtx,
			Tools:      a.agent.Tools.Definitions(),
			ToolChoice: llm.ToolChoiceAuto,
		})
		if err != nil {
			a.logger.Error("llm call failed", "error", err)
			a.session.maybeCloseOnError(err)
			return
		}
	}

	// Split the chunk stream into TTS-bound text and tool calls.
	textIn := newTextChannel()
	var (
		toolCalls []llm.ToolCallDelta
		llmErr    error
	)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer textIn.Close()
		for chunk := range chunks {
			if chunk.Err != nil {
				llmErr = chunk.Err
				return
			}
			if chunk.Usage != nil {
				rec := *chunk.Usage
				rec.Timestamp = time.Now()
				a.session.emitMetrics(rec)
			}
			if chunk.Delta.Content != "" {
				if err := textIn.Write(h.ctx, chunk.Delta.Content); err != nil {
					return
				}
			}
			toolCalls = append(toolCalls, chunk.Delta.ToolCalls...)
		}
	}()

	spoken, playErr := a.playText(h, textIn.Stream())
	// Unblock the pump if playout ended before the text drained (TTS setup
	// failure, interruption); a clean close is unaffected.
	textIn.Abort(context.Canceled)
	<-pumpDone
	h.setSpokenText(spoken)
	h.markGenerationDone()

	if llmErr != nil {
		a.logger.Error("llm stream failed", "error", llmErr)
		a.session.maybeCloseOnError(llmErr)
		return
	}
	if playErr != nil && !errors.Is(playErr, context.Canceled) {
		a.logger.Warn("speech playback failed", "error", playErr)
	}

	a.appendAssistantTurn(h)

	if len(toolCalls) > 0 && !h.Interrupted() {
		a.runToolBatch(h, toolCalls)
	}
}

// systemMessage renders the agent instructions.
func (a *AgentActivity) systemMessage() string {
	return a.agent.Instructions
}

func hasSystemMessage(cc *llm.ChatContext) bool {
	for _, item := range cc.Items() {
		if item.Message != nil && item.Message.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

func prefixSystem(cc *llm.ChatContext, text string) {
	items := append([]llm.ChatItem(nil), cc.Items()...)
	sys := llm.NewChatContext()
	sys.AddMessage(llm.RoleSystem, text)
	sys.Append(items...)
	*cc = *sys
}

// appendAssistantTurn writes the spoken text back to the live session
// history, flagged when playout was cut short.
func (a *AgentActivity) appendAssistantTurn(h *SpeechHandle) {
	text := h.SpokenText()
	if text == "" {
		return
	}
	item := a.session.appendAssistantMessage(text, h.Interrupted())
	a.session.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
}

// ── tool batch (§ tool-call loop) ────────────────────────────────────────────

// runToolBatch materializes the calls, executes them as one batch, appends
// the outputs, and chains a follow-up reply bounded by MaxToolSteps.
func (a *AgentActivity) runToolBatch(h *SpeechHandle, calls []llm.ToolCallDelta) {
	// Materialize FunctionCall items into history (session + snapshot).
	callItems := make([]llm.ChatItem, 0, len(calls))
	for _, c := range calls {
		callID := c.CallID
		if callID == "" {
			callID = aio.ShortIDWith("call")
		}
		callItems = append(callItems, llm.ChatItem{
			ID:   aio.ShortIDWith("item"),
			Call: &llm.FunctionCall{CallID: callID, Name: c.Name, Arguments: c.Arguments},
		})
	}
	a.session.appendItems(callItems...)
	for _, item := range callItems {
		a.session.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
	}

	outputs := make([]llm.ChatItem, len(callItems))
	var handoff *Handoff
	var handoffOnce sync.Once

	var wg sync.WaitGroup
	for i, item := range callItems {
		wg.Add(1)
		go func(i int, call llm.FunctionCall) {
			defer wg.Done()
			out := a.executeTool(h, call)
			if out.handoff != nil {
				taken := false
				handoffOnce.Do(func() {
					handoff = out.handoff
					taken = true
				})
				if !taken {
					// Exactly one handoff per batch; the rest become
					// readable errors for the model.
					out.item.CallOutput.Output = "error: another handoff was already requested in this batch"
					out.item.CallOutput.IsError = true
				}
			}
			outputs[i] = out.item
		}(i, *item.Call)
	}
	wg.Wait()

	a.session.appendItems(outputs...)
	for _, item := range outputs {
		a.session.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
	}

	if handoff != nil {
		a.session.scheduleHandoff(handoff.Agent)
		return
	}

	if h.numSteps >= a.session.opts.maxToolSteps() {
		a.logger.Debug("max tool steps reached, stopping chain", "steps", h.numSteps)
		return
	}

	// Chain the follow-up reply as a child speech so the model can speak
	// to the tool results.
	child := newSpeechHandle(a.session.ctx, h.priority, h.allowInterruptions, a.session.ChatContext().Copy())
	child.parent = h
	child.numSteps = h.numSteps + 1
	child.runFn = func(act *AgentActivity) { act.generationTask(child, "", nil) }
	if err := a.scheduleSpeech(child, true); err != nil {
		a.logger.Warn("failed to schedule tool reply", "error", err)
		return
	}
	a.session.emit(Event{SpeechCreated: &SpeechCreatedEvent{Speech: child, Source: "tool_response"}})
}

// toolResult is one finished tool invocation.
type toolResult struct {
	item    llm.ChatItem
	handoff *Handoff
}

// executeTool resolves and runs one tool; failures never escape — they
// become error outputs the model can read.
func (a *AgentActivity) executeTool(h *SpeechHandle, call llm.FunctionCall) toolResult {
	output := func(text string, isErr bool) llm.ChatItem {
		return llm.ChatItem{
			ID: aio.ShortIDWith("item"),
			CallOutput: &llm.FunctionCallOutput{
				CallID:  call.CallID,
				Name:    call.Name,
				Output:  text,
				IsError: isErr,
			},
		}
	}

	tool, ok := a.agent.Tools[call.Name]
	if !ok {
		a.logger.Warn("model requested unknown tool", "tool", call.Name)
		return toolResult{item: output(fmt.Sprintf("error: unknown tool %q", call.Name), true)}
	}

	rc := RunContext{Session: a.session, Speech: h, CallID: call.CallID}
	value, err := tool.Execute(h.ctx, rc, call.Arguments)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return toolResult{item: output("error: "+err.Error(), true)}
	}

	switch v := value.(type) {
	case *Handoff:
		return handoffResult(v, output)
	case Handoff:
		return handoffResult(&v, output)
	case string:
		return toolResult{item: output(v, false)}
	case nil:
		return toolResult{item: output("", false)}
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return toolResult{item: output(fmt.Sprintf("error: unencodable tool result: %v", err), true)}
		}
		return toolResult{item: output(string(raw), false)}
	}
}

func handoffResult(v *Handoff, output func(string, bool) llm.ChatItem) toolResult {
	text := v.Returns
	if text == "" {
		text = fmt.Sprintf("transferring to agent %q", v.Agent.Name)
	}
	return toolResult{item: output(text, false), handoff: v}
}

// ── playout ──────────────────────────────────────────────────────────────────

// playText drives text through the transform pipeline and TTS into the
// session's audio output, keeping the transcript synchronizer aligned with
// actual playback. It returns the transcript that was delivered.
func (a *AgentActivity) playText(h *SpeechHandle, text streamsReader) (string, error) {
	sync := transcription.NewSynchronizer(h.ID())
	go a.session.publishTranscripts(sync)

	ttsProvider := a.agent.ttsProvider(a.session)
	out := a.session.audioOutput()

	transformed := a.session.opts.TTSTransform(text)

	// Text-only sessions still produce transcripts.
	if ttsProvider == nil || out == nil {
		var full string
		for {
			s, err := transformed.Next(h.ctx)
			if err != nil {
				sync.PushText(full)
				sync.MarkTextDone()
				sync.FlushRemaining(context.Background(), !errors.Is(err, io.EOF))
				if errors.Is(err, io.EOF) {
					return full, nil
				}
				return full, err
			}
			full += s
		}
	}

	stream, err := ttsProvider.Stream(h.ctx, llm.DefaultConnOptions)
	if err != nil {
		sync.FlushRemaining(context.Background(), true)
		return "", err
	}
	defer stream.Close()
	// Release the transform goroutines if playout stops before the text
	// stream is exhausted.
	defer func() {
		go func() {
			for {
				if _, derr := transformed.Next(context.Background()); derr != nil {
					return
				}
			}
		}()
	}()

	useAligned := a.session.opts.UseTTSAlignedTranscript && ttsProvider.Capabilities().AlignedTranscript

	// Feed transformed text into TTS and the synchronizer.
	feedDone := make(chan error, 1)
	go func() {
		defer stream.EndInput()
		for {
			s, err := transformed.Next(h.ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					feedDone <- nil
				} else {
					feedDone <- err
				}
				return
			}
			sync.PushText(s)
			if err := stream.PushText(s); err != nil {
				feedDone <- err
				return
			}
			stream.Flush()
		}
	}()

	ttsStart := time.Now()
	var (
		firstByte     time.Time
		audioDuration time.Duration
	)

	playErr := func() error {
		for {
			select {
			case <-h.ctx.Done():
				return h.ctx.Err()
			case ev, ok := <-stream.Events():
				if !ok {
					return nil
				}
				if ev.Err != nil {
					return ev.Err
				}
				if len(ev.Frame.Data) == 0 {
					continue
				}
				if firstByte.IsZero() {
					firstByte = time.Now()
					h.markPlayStarted()
					a.session.setAgentState(AgentStateSpeaking)
				}
				if useAligned && len(ev.Timed) > 0 {
					sync.PushTimed(ev.Timed)
				}
				audioDuration += ev.Frame.Duration()
				if err := out.Write(h.ctx, ev.Frame); err != nil {
					return err
				}
				sync.TickPlayback(h.ctx, out.PlaybackPosition())
			}
		}
	}()

	sync.MarkTextDone()

	interrupted := h.Interrupted() || errors.Is(playErr, context.Canceled)
	if interrupted {
		out.ClearBuffer()
	} else if playErr == nil {
		// Let the sink's buffered audio finish before declaring playout
		// done.
		a.waitPlayedOut(h, audioDuration)
		sync.TickPlayback(context.Background(), out.PlaybackPosition())
	}
	spoken := sync.FlushRemaining(context.Background(), interrupted)

	select {
	case err := <-feedDone:
		if playErr == nil {
			playErr = err
		}
	default:
	}

	mrec := metrics.TTSMetrics{
		Base: metrics.Base{
			Label:     ttsProvider.Label(),
			Timestamp: time.Now(),
			RequestID: h.ID(),
		},
		Duration:        time.Since(ttsStart),
		AudioDuration:   audioDuration,
		CharactersCount: len(spoken),
		Streamed:        true,
		Cancelled:       interrupted,
	}
	if !firstByte.IsZero() {
		mrec.TTFB = firstByte.Sub(ttsStart)
	}
	a.session.emitMetrics(mrec)

	return spoken, playErr
}

// waitPlayedOut polls the sink until the written audio has actually been
// heard, the speech is interrupted, or a generous deadline passes.
func (a *AgentActivity) waitPlayedOut(h *SpeechHandle, total time.Duration) {
	deadline := time.Now().Add(total + 10*time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	out := a.session.audioOutput()
	for {
		if out.PlaybackPosition() >= total || time.Now().After(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-h.ctx.Done():
			return
		}
	}
}

// ── drain & close ────────────────────────────────────────────────────────────

// markDrainBlocked excludes h's task from the drain wait; used during
// handoff so pre-swap chains do not stall the swap.
func (a *AgentActivity) markDrainBlocked(h *SpeechHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drainBlocked[h] = true
}

// drain stops accepting new speech and waits for queued and in-flight
// speech tasks (minus drain-blocked ones) to play out.
func (a *AgentActivity) drain(ctx context.Context) error {
	a.mu.Lock()
	if a.state == activityClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = activityDraining
	// A handoff pause would stall the queued speech we are waiting on.
	a.schedulingPaused = false
	a.qUpdated.Resolve(struct{}{})
	var waits []chan struct{}
	for h, done := range a.speechTasks {
		if !a.drainBlocked[h] {
			waits = append(waits, done)
		}
	}
	a.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// close tears the activity down: cancel tasks, stop recognition, release
// provider streams. Idempotent.
func (a *AgentActivity) close() {
	a.mu.Lock()
	if a.state == activityClosed {
		a.mu.Unlock()
		return
	}
	a.state = activityClosed
	a.mu.Unlock()

	a.cancelPreemptive()
	a.cancel()
	if a.recognition != nil {
		a.recognition.close()
	}
	if a.rt != nil {
		a.rt.close()
	}
	<-a.mainDone
}
