package voice

import (
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/fallback"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/transcription"
)

// AgentState is the session's activity state, published on every change.
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateListening    AgentState = "listening"
	AgentStateThinking     AgentState = "thinking"
	AgentStateSpeaking     AgentState = "speaking"
)

// UserState tracks the remote participant.
type UserState string

const (
	UserStateSpeaking  UserState = "speaking"
	UserStateListening UserState = "listening"
	UserStateAway      UserState = "away"
)

// CloseReason explains a session close.
type CloseReason string

const (
	CloseReasonUserRequested CloseReason = "user_requested"
	CloseReasonJobShutdown   CloseReason = "job_shutdown"
	CloseReasonError         CloseReason = "error"
)

// Event is the tagged union delivered to session subscribers. Exactly one
// field is non-nil.
type Event struct {
	AgentStateChanged    *AgentStateChangedEvent
	UserStateChanged     *UserStateChangedEvent
	UserInputTranscribed *UserInputTranscribedEvent
	ConversationItem     *ConversationItemAddedEvent
	SpeechCreated        *SpeechCreatedEvent
	TranscriptSegment    *transcription.Segment
	MetricsCollected     *MetricsCollectedEvent
	AvailabilityChanged  *fallback.AvailabilityChanged
	Close                *CloseEvent
}

// AgentStateChangedEvent reports an agent state transition.
type AgentStateChangedEvent struct {
	Old, New AgentState
}

// UserStateChangedEvent reports a user state transition; Away fires from
// the user-away timer.
type UserStateChangedEvent struct {
	Old, New UserState
}

// UserInputTranscribedEvent carries interim and final user transcripts.
type UserInputTranscribedEvent struct {
	Transcript string
	IsFinal    bool
	Language   string
	SpeakerID  string
}

// ConversationItemAddedEvent fires when an item is committed to the
// session chat context.
type ConversationItemAddedEvent struct {
	Item llm.ChatItem
}

// SpeechCreatedEvent fires for every scheduled speech.
type SpeechCreatedEvent struct {
	Speech *SpeechHandle

	// Source is what created the speech: "say", "generate_reply", or
	// "tool_response".
	Source string
}

// MetricsCollectedEvent republishes one provider metric record.
type MetricsCollectedEvent struct {
	Record metrics.Record
}

// CloseEvent is emitted exactly once per session.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// eventBus fans session events out to subscribers; emission never blocks
// the pipeline.
type eventBus struct {
	mu   sync.Mutex
	subs []chan Event
	done bool
}

// Subscribe returns a buffered event channel, closed when the session
// closes.
func (b *eventBus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers drop events rather than stall audio.
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
