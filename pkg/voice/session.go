package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/streams"
	"github.com/cadenza-ai/cadenza/pkg/transcription"
)

// ErrSessionClosed is returned by public verbs after Close.
var ErrSessionClosed = errors.New("voice: session closed")

// ErrSessionStarted is returned by Start on an already-started session.
var ErrSessionStarted = errors.New("voice: session already started")

// sessionState tracks the AgentSession lifecycle.
type sessionState int

const (
	sessionIdle sessionState = iota
	sessionStarted
	sessionClosing
	sessionClosed
)

// StartOptions binds the session to its media I/O. Either Room or the
// explicit Input/Output pair must be provided.
type StartOptions struct {
	// Room is the media transport; the session subscribes to Participant's
	// audio and publishes its own.
	Room rtc.Room

	// Participant pins the remote participant; empty takes the first
	// speaker.
	Participant string

	// Input overrides the room audio subscription (tests, piping).
	Input streams.Reader[rtc.AudioFrame]

	// Output overrides the room audio sink.
	Output rtc.AudioSink

	// InputSampleRate describes Input when Room is nil. Default 16000.
	InputSampleRate int
}

// AgentSession is the public orchestrator: it owns the I/O bindings, the
// options, the chat history, and the active AgentActivity, and exposes the
// conversational verbs.
type AgentSession struct {
	opts   SessionOptions
	logger *slog.Logger
	bus    eventBus

	ctx    context.Context
	cancel context.CancelFunc

	// UserData is opaque application state reachable from tools.
	UserData any

	mu             sync.Mutex
	state          sessionState
	agentState     AgentState
	userState      UserState
	chatCtx        *llm.ChatContext
	activity       *AgentActivity
	nextActivity   *AgentActivity
	input          streams.Reader[rtc.AudioFrame]
	output         rtc.AudioSink
	room           rtc.Room
	inputRate      int
	handoffMu      *aio.Mutex
	handoffPending bool
	lastUserInput  time.Time
	awayTimer      *time.Timer
	closeErr       error
	closeReason    CloseReason

	closedCh chan struct{}
}

// NewAgentSession creates an idle session.
func NewAgentSession(opts SessionOptions) *AgentSession {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentSession{
		opts:       opts,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		agentState: AgentStateInitializing,
		userState:  UserStateListening,
		chatCtx:    llm.NewChatContext(),
		handoffMu:  aio.NewMutex(),
		inputRate:  16000,
		closedCh:   make(chan struct{}),
	}
}

// Events returns a new subscription to session events.
func (s *AgentSession) Events() <-chan Event {
	return s.bus.Subscribe()
}

// ChatContext returns the live conversation history. Mutate it only
// through session verbs.
func (s *AgentSession) ChatContext() *llm.ChatContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCtx
}

// Start binds I/O and activates agent. Only one session may be started at
// a time per job process.
func (s *AgentSession) Start(ctx context.Context, agent *Agent, io StartOptions) error {
	s.mu.Lock()
	if s.state != sessionIdle {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.state = sessionStarted
	s.mu.Unlock()

	if io.Room != nil {
		input, err := io.Room.SubscribeAudio(ctx, io.Participant)
		if err != nil {
			return err
		}
		output, err := io.Room.PublishAudio(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.room = io.Room
		s.input = chanReader[rtc.AudioFrame]{ch: input}
		s.output = output
		s.inputRate = 48000
		s.mu.Unlock()

		go func() {
			select {
			case <-io.Room.Disconnected():
				s.closeWithReason(CloseReasonError, errors.New("room disconnected"))
			case <-s.ctx.Done():
			}
		}()
	} else {
		s.mu.Lock()
		s.input = io.Input
		s.output = io.Output
		if io.InputSampleRate > 0 {
			s.inputRate = io.InputSampleRate
		}
		s.mu.Unlock()
	}

	if agent.ChatCtx != nil {
		s.mu.Lock()
		s.chatCtx = agent.ChatCtx.Copy()
		s.mu.Unlock()
	}

	if err := s.activate(agent); err != nil {
		return err
	}
	s.setAgentState(AgentStateListening)
	s.armAwayTimer()
	return nil
}

// activate builds and starts an activity for agent, making it current.
func (s *AgentSession) activate(agent *Agent) error {
	activity := newAgentActivity(s, agent)
	if err := activity.start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.activity = activity
	s.nextActivity = nil
	s.mu.Unlock()

	if agent.OnEnter != nil {
		if agent.WaitOnEnter {
			activity.pauseScheduling()
			agent.OnEnter(s.ctx, s)
			activity.resumeScheduling()
		} else {
			go agent.OnEnter(s.ctx, s)
		}
	}
	return nil
}

// currentActivity returns the routing target: the next activity during a
// handoff pause, else the active one.
func (s *AgentSession) currentActivity() *AgentActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextActivity != nil {
		return s.nextActivity
	}
	return s.activity
}

// Say schedules a verbatim utterance and returns its handle.
func (s *AgentSession) Say(text string) (*SpeechHandle, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	activity := s.currentActivity()
	if activity == nil {
		return nil, errors.New("voice: session not started")
	}
	// Mid-handoff the current activity is paused; the handle still queues
	// and is forwarded to the next activity at the flip.
	s.mu.Lock()
	force := s.handoffPending
	s.mu.Unlock()
	return activity.say(text, PriorityNormal, force)
}

// GenerateReplyOptions tunes GenerateReply.
type GenerateReplyOptions struct {
	// UserInput synthesizes a user turn before generating.
	UserInput string

	// Instructions is a one-off developer prompt for this reply only.
	Instructions string
}

// GenerateReply asks the active agent's model to produce a reply now.
func (s *AgentSession) GenerateReply(opts GenerateReplyOptions) (*SpeechHandle, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	activity := s.currentActivity()
	if activity == nil {
		return nil, errors.New("voice: session not started")
	}
	return activity.generateReply(opts.UserInput, opts.Instructions, nil)
}

// Interrupt stops the current speech and clears queued audio. The future
// resolves once playout has stopped.
func (s *AgentSession) Interrupt(force bool) *aio.Future[struct{}] {
	activity := s.currentActivity()
	if activity == nil {
		fut := aio.NewFuture[struct{}]()
		fut.Resolve(struct{}{})
		return fut
	}
	return activity.interrupt(force)
}

// CommitUserTurn forces the pending user turn to commit now (push-to-talk
// release).
func (s *AgentSession) CommitUserTurn() {
	if activity := s.currentActivity(); activity != nil && activity.recognition != nil {
		activity.recognition.commitNow()
	}
}

// ClearUserTurn discards the pending user turn (push-to-talk cancel).
func (s *AgentSession) ClearUserTurn() {
	if activity := s.currentActivity(); activity != nil && activity.recognition != nil {
		activity.recognition.clearTurn()
	}
}

// UpdateAgent swaps the session to a new agent: the in-flight speech
// finishes, the old agent exits, the new one enters, and speech queued
// during the pause routes to the new activity.
func (s *AgentSession) UpdateAgent(next *Agent) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	unlock, err := s.handoffMu.Lock(s.ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	old := s.activity
	s.mu.Unlock()
	if old == nil {
		return errors.New("voice: session not started")
	}

	// Pause: handles created during the swap queue on the paused activity
	// and are forwarded below; the current speech keeps playing.
	s.mu.Lock()
	s.handoffPending = true
	s.mu.Unlock()
	old.pauseScheduling()
	if cur := old.currentSpeech(); cur != nil {
		old.markDrainBlocked(cur)
		_ = cur.WaitForPlayout(s.ctx)
	}

	if old.agent.OnExit != nil {
		old.agent.OnExit(s.ctx, s)
	}

	next.ChatCtx = nil // handoffs inherit the session history
	nextActivity := newAgentActivity(s, next)
	if err := nextActivity.start(); err != nil {
		old.resumeScheduling()
		return err
	}

	s.mu.Lock()
	s.nextActivity = nextActivity
	s.mu.Unlock()

	if next.OnEnter != nil {
		if next.WaitOnEnter {
			next.OnEnter(s.ctx, s)
		} else {
			go next.OnEnter(s.ctx, s)
		}
	}

	// Atomic flip, then forward speech queued during the pause and retire
	// the old activity.
	s.mu.Lock()
	s.activity = nextActivity
	s.nextActivity = nil
	s.handoffPending = false
	s.mu.Unlock()

	for _, h := range old.takeQueued() {
		if err := nextActivity.scheduleSpeech(h, true); err != nil {
			s.logger.Warn("dropping speech queued during handoff", "speech_id", h.ID(), "error", err)
			h.Interrupt()
		}
	}

	drainCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	_ = old.drain(drainCtx)
	cancel()
	old.close()

	s.logger.Info("agent handoff complete", "from", old.agent.Name, "to", next.Name)
	return nil
}

// scheduleHandoff runs UpdateAgent off the tool goroutine after the
// current playout completes.
func (s *AgentSession) scheduleHandoff(next *Agent) {
	go func() {
		if err := s.UpdateAgent(next); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Error("agent handoff failed", "error", err)
		}
	}()
}

// Close ends the session: force-interrupt, commit the user turn (unless
// closing on error), drain, close the activity, detach audio, and emit
// Close exactly once.
func (s *AgentSession) Close(reason CloseReason, cause error) error {
	s.mu.Lock()
	if s.state == sessionClosed || s.state == sessionClosing {
		s.mu.Unlock()
		<-s.closedCh
		return nil
	}
	s.state = sessionClosing
	s.closeReason = reason
	s.closeErr = cause
	activity := s.activity
	if s.nextActivity != nil {
		activity = s.nextActivity
	}
	awayTimer := s.awayTimer
	s.mu.Unlock()

	if awayTimer != nil {
		awayTimer.Stop()
	}

	if activity != nil {
		fut := activity.interrupt(true)
		waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, _ = fut.Wait(waitCtx)
		cancel()

		// An error close skips the user-turn commit; a graceful one
		// persists the pending transcript without generating a reply.
		if reason != CloseReasonError && activity.recognition != nil {
			if text := activity.recognition.takePendingText(); text != "" {
				item := s.appendUserMessage(text)
				s.emit(Event{ConversationItem: &ConversationItemAddedEvent{Item: item}})
			}
		}
		if cur := activity.currentSpeech(); cur != nil {
			waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = cur.WaitForPlayout(waitCtx)
			cancel()
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = activity.drain(drainCtx)
		cancel()
		activity.close()
	}

	s.mu.Lock()
	output := s.output
	room := s.room
	s.output = nil
	s.input = nil
	s.state = sessionClosed
	s.mu.Unlock()

	if output != nil {
		_ = output.Close()
	}
	if room != nil {
		_ = room.Close()
	}

	s.cancel()
	s.bus.emit(Event{Close: &CloseEvent{Reason: reason, Err: cause}})
	s.bus.close()
	close(s.closedCh)
	return nil
}

// closeWithReason is the internal error-close path.
func (s *AgentSession) closeWithReason(reason CloseReason, cause error) {
	go func() { _ = s.Close(reason, cause) }()
}

// maybeCloseOnError escalates a fatal pipeline error into an error-close.
func (s *AgentSession) maybeCloseOnError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if s.isClosed() {
		return
	}
	s.logger.Error("fatal session error", "error", err)
	s.closeWithReason(CloseReasonError, err)
}

func (s *AgentSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionClosing || s.state == sessionClosed
}

// ── state, history, and I/O plumbing ─────────────────────────────────────────

func (s *AgentSession) setAgentState(st AgentState) {
	s.mu.Lock()
	old := s.agentState
	s.agentState = st
	s.mu.Unlock()
	if old != st {
		s.bus.emit(Event{AgentStateChanged: &AgentStateChangedEvent{Old: old, New: st}})
	}
}

// AgentState returns the current agent state.
func (s *AgentSession) AgentState() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentState
}

func (s *AgentSession) setUserState(st UserState) {
	s.mu.Lock()
	old := s.userState
	s.userState = st
	s.mu.Unlock()
	if old != st {
		s.bus.emit(Event{UserStateChanged: &UserStateChangedEvent{Old: old, New: st}})
	}
}

// UserState returns the current user state.
func (s *AgentSession) UserState() UserState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userState
}

// touchUserActivity re-arms the user-away timer.
func (s *AgentSession) touchUserActivity() {
	s.mu.Lock()
	s.lastUserInput = time.Now()
	timer := s.awayTimer
	timeout := s.opts.UserAwayTimeout
	s.mu.Unlock()

	if timer != nil && timeout > 0 {
		timer.Reset(timeout)
	}
	if s.UserState() == UserStateAway {
		s.setUserState(UserStateListening)
	}
}

func (s *AgentSession) armAwayTimer() {
	if s.opts.UserAwayTimeout <= 0 {
		return
	}
	s.mu.Lock()
	s.awayTimer = time.AfterFunc(s.opts.UserAwayTimeout, func() {
		// The session only reports; applications decide whether to close.
		s.setUserState(UserStateAway)
	})
	s.mu.Unlock()
}

func (s *AgentSession) appendUserMessage(text string) llm.ChatItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCtx.AddMessage(llm.RoleUser, text)
}

func (s *AgentSession) appendAssistantMessage(text string, interrupted bool) llm.ChatItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.chatCtx.AddMessage(llm.RoleAssistant, text)
	if interrupted {
		item.Message.Interrupted = true
	}
	return item
}

func (s *AgentSession) appendItems(items ...llm.ChatItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCtx.Append(items...)
}

func (s *AgentSession) emit(ev Event) {
	s.bus.emit(ev)
}

func (s *AgentSession) emitMetrics(rec metrics.Record) {
	s.bus.emit(Event{MetricsCollected: &MetricsCollectedEvent{Record: rec}})
}

func (s *AgentSession) audioOutput() rtc.AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *AgentSession) audioInput() streams.Reader[rtc.AudioFrame] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

func (s *AgentSession) inputSampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputRate
}

// publishTranscripts drains one synchronizer into session events, emitting
// playback-aligned transcript segments as they become due.
func (s *AgentSession) publishTranscripts(sync *transcription.Synchronizer) {
	for {
		seg, err := sync.Segments().Next(s.ctx)
		if err != nil {
			return
		}
		s.bus.emit(Event{TranscriptSegment: &seg})
	}
}

// chanReader adapts a receive channel to a streams.Reader.
type chanReader[T any] struct {
	ch <-chan T
}

func (r chanReader[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-r.ch:
		if !ok {
			return zero, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
