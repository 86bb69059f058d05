package voice

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// Speech priorities. Higher values play first; ties play in arrival order.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// SpeechHandle represents one scheduled utterance: created, enqueued,
// scheduled, playing, then interrupted or done. The parent chain models
// LLM→tool-output→LLM re-entry.
type SpeechHandle struct {
	id                 string
	priority           int
	allowInterruptions bool

	// chatCtx is the snapshot owned by this speech.
	chatCtx *llm.ChatContext

	// parent is the speech whose tool batch produced this one.
	parent *SpeechHandle

	// numSteps counts tool-chain depth from the originating user turn.
	numSteps int

	scheduled   atomic.Bool
	interrupted atomic.Bool

	genDone  *aio.Future[struct{}]
	playDone *aio.Future[struct{}]

	// interruptFut resolves once playout has actually stopped after an
	// interrupt.
	interruptFut *aio.Future[struct{}]

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	playStartedAt time.Time
	spokenText    string

	// runFn is the speech's pipeline, executed by the main loop of
	// whichever activity ends up playing it (handles queued during a
	// handoff are forwarded to the next activity).
	runFn func(a *AgentActivity)
}

// newSpeechHandle creates an unscheduled handle bound to parent's context.
func newSpeechHandle(parent context.Context, priority int, allowInterruptions bool, chatCtx *llm.ChatContext) *SpeechHandle {
	ctx, cancel := context.WithCancel(parent)
	return &SpeechHandle{
		id:                 aio.ShortIDWith("speech"),
		priority:           priority,
		allowInterruptions: allowInterruptions,
		chatCtx:            chatCtx,
		genDone:            aio.NewFuture[struct{}](),
		playDone:           aio.NewFuture[struct{}](),
		interruptFut:       aio.NewFuture[struct{}](),
		ctx:                ctx,
		cancel:             cancel,
	}
}

// ID returns the speech id.
func (h *SpeechHandle) ID() string { return h.id }

// Priority returns the scheduling priority.
func (h *SpeechHandle) Priority() int { return h.priority }

// AllowInterruptions reports whether the interruption policy may cut this
// speech short.
func (h *SpeechHandle) AllowInterruptions() bool { return h.allowInterruptions }

// Interrupted reports whether the speech was interrupted.
func (h *SpeechHandle) Interrupted() bool { return h.interrupted.Load() }

// Scheduled reports whether the speech has entered the queue.
func (h *SpeechHandle) Scheduled() bool { return h.scheduled.Load() }

// Parent returns the speech that chained into this one, or nil.
func (h *SpeechHandle) Parent() *SpeechHandle { return h.parent }

// ChatContext returns the snapshot owned by this speech.
func (h *SpeechHandle) ChatContext() *llm.ChatContext { return h.chatCtx }

// Interrupt marks the speech interrupted and cancels its task. It is a
// no-op after playout completes. The returned future resolves when playout
// has stopped.
func (h *SpeechHandle) Interrupt() *aio.Future[struct{}] {
	if h.playDone.IsDone() {
		h.interruptFut.Resolve(struct{}{})
		return h.interruptFut
	}
	if h.interrupted.CompareAndSwap(false, true) {
		h.cancel()
	}
	return h.interruptFut
}

// WaitForGeneration blocks until the model finished producing this speech.
func (h *SpeechHandle) WaitForGeneration(ctx context.Context) error {
	_, err := h.genDone.Wait(ctx)
	return err
}

// WaitForPlayout blocks until the audio finished playing (or the speech
// was interrupted and its audio cleared).
func (h *SpeechHandle) WaitForPlayout(ctx context.Context) error {
	_, err := h.playDone.Wait(ctx)
	return err
}

// PlayedFor reports how long this speech has been playing; zero before
// playout starts.
func (h *SpeechHandle) PlayedFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playStartedAt.IsZero() {
		return 0
	}
	return time.Since(h.playStartedAt)
}

// SpokenText returns the transcript actually delivered to the user.
func (h *SpeechHandle) SpokenText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spokenText
}

func (h *SpeechHandle) markPlayStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playStartedAt.IsZero() {
		h.playStartedAt = time.Now()
	}
}

func (h *SpeechHandle) setSpokenText(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spokenText = text
}

func (h *SpeechHandle) markGenerationDone() {
	h.genDone.Resolve(struct{}{})
}

func (h *SpeechHandle) markPlayoutDone() {
	h.genDone.Resolve(struct{}{})
	h.playDone.Resolve(struct{}{})
	h.interruptFut.Resolve(struct{}{})
	h.cancel()
}

// ── priority queue ───────────────────────────────────────────────────────────

// queuedSpeech is one heap entry keyed by (-priority, insertion sequence).
type queuedSpeech struct {
	handle *SpeechHandle
	seq    uint64
}

type speechHeap []queuedSpeech

func (h speechHeap) Len() int { return len(h) }

func (h speechHeap) Less(i, j int) bool {
	if h[i].handle.priority != h[j].handle.priority {
		return h[i].handle.priority > h[j].handle.priority
	}
	return h[i].seq < h[j].seq
}

func (h speechHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *speechHeap) Push(x any) { *h = append(*h, x.(queuedSpeech)) }

func (h *speechHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*speechHeap)(nil)
