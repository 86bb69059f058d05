package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/stt"
	"github.com/cadenza-ai/cadenza/pkg/turn"
	"github.com/cadenza-ai/cadenza/pkg/vad"
)

// audioRecognition feeds session audio into VAD and STT, assembles user
// turns, and decides when a turn is over: VAD silence stretched or shrunk
// by the end-of-utterance model, bounded by the endpointing delays.
type audioRecognition struct {
	activity *AgentActivity
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sttStream stt.RecognizeStream
	vadStream vad.Stream

	mu           sync.Mutex
	interim      string
	finals       []string
	userSpeaking bool
	silenceSince time.Time
	finalAt      time.Time
	commitTimer  *time.Timer
	commitEpoch  int
	closeOnce    sync.Once
}

func newAudioRecognition(a *AgentActivity) (*audioRecognition, error) {
	ctx, cancel := context.WithCancel(a.ctx)
	r := &audioRecognition{
		activity: a,
		logger:   a.logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	if provider := a.agent.sttProvider(a.session); provider != nil {
		stream, err := provider.Stream(ctx, stt.StreamOptions{
			SampleRate: a.session.inputSampleRate(),
			Language:   a.session.opts.Language,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		r.sttStream = stream
		go r.sttLoop()
	}

	if engine := a.agent.vadEngine(a.session); engine != nil {
		stream, err := engine.NewStream(ctx, vad.Config{
			SampleRate:            a.session.inputSampleRate(),
			ActivationThreshold:   0.5,
			MinSpeechDuration:     50 * time.Millisecond,
			MinSilenceDuration:    250 * time.Millisecond,
			PrefixPaddingDuration: 500 * time.Millisecond,
		})
		if err != nil {
			cancel()
			if r.sttStream != nil {
				r.sttStream.Close()
			}
			return nil, err
		}
		r.vadStream = stream
		go r.vadLoop()
	}

	go r.audioLoop()
	return r, nil
}

// audioLoop pumps session input frames into both detectors, honoring the
// discard-while-uninterruptible option.
func (r *audioRecognition) audioLoop() {
	input := r.activity.session.audioInput()
	if input == nil {
		return
	}
	for {
		frame, err := input.Next(r.ctx)
		if err != nil {
			return
		}

		if r.activity.session.opts.DiscardAudioIfUninterruptible {
			if cur := r.activity.currentSpeech(); cur != nil && !cur.AllowInterruptions() {
				continue
			}
		}

		if r.vadStream != nil {
			if err := r.vadStream.PushFrame(frame); err != nil {
				r.logger.Warn("vad push failed", "error", err)
			}
		}
		if r.sttStream != nil {
			if err := r.sttStream.PushFrame(frame); err != nil {
				r.logger.Warn("stt push failed", "error", err)
			}
		}
	}
}

// vadLoop reacts to speech boundaries.
func (r *audioRecognition) vadLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.vadStream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case vad.EventStartOfSpeech:
				r.onSpeechStart()
			case vad.EventEndOfSpeech:
				r.onSpeechEnd()
			case vad.EventInferenceDone:
				if ev.Usage != nil {
					r.activity.session.emitMetrics(*ev.Usage)
				}
			}
		}
	}
}

// sttLoop consumes recognition events.
func (r *audioRecognition) sttLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.sttStream.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				r.logger.Warn("stt stream failed", "error", ev.Err)
				r.activity.session.maybeCloseOnError(ev.Err)
				return
			}
			switch ev.Type {
			case stt.EventInterimTranscript:
				if len(ev.Alternatives) == 0 {
					continue
				}
				r.onInterim(ev.Alternatives[0])
			case stt.EventFinalTranscript:
				if len(ev.Alternatives) == 0 {
					continue
				}
				r.onFinal(ev.Alternatives[0])
			case stt.EventRecognitionUsage:
				if ev.Usage != nil {
					r.activity.session.emitMetrics(*ev.Usage)
				}
			}
		}
	}
}

func (r *audioRecognition) onSpeechStart() {
	r.mu.Lock()
	r.userSpeaking = true
	r.silenceSince = time.Time{}
	interim := r.interim
	r.mu.Unlock()

	r.cancelCommit()
	r.activity.session.setUserState(UserStateSpeaking)
	r.activity.session.touchUserActivity()

	// Interruption signal (a): VAD speech started during agent playout.
	r.activity.onInterruptionSignal(interim)
}

func (r *audioRecognition) onSpeechEnd() {
	r.mu.Lock()
	r.userSpeaking = false
	r.silenceSince = time.Now()
	hasFinal := len(r.finals) > 0
	r.mu.Unlock()

	r.activity.session.setUserState(UserStateListening)
	if hasFinal {
		r.scheduleCommit()
	}
	// Without a final transcript yet, the commit is scheduled when it
	// arrives.
}

func (r *audioRecognition) onInterim(alt stt.Alternative) {
	r.mu.Lock()
	r.interim = alt.Text
	r.mu.Unlock()

	r.activity.session.touchUserActivity()
	r.activity.session.emit(Event{UserInputTranscribed: &UserInputTranscribedEvent{
		Transcript: alt.Text,
		IsFinal:    false,
		Language:   alt.Language,
	}})
	r.activity.onInterimTranscript(r.turnTextWith(alt.Text))
}

func (r *audioRecognition) onFinal(alt stt.Alternative) {
	if strings.TrimSpace(alt.Text) == "" {
		return
	}
	r.mu.Lock()
	r.finals = append(r.finals, alt.Text)
	r.interim = ""
	r.finalAt = time.Now()
	speaking := r.userSpeaking
	r.mu.Unlock()

	r.activity.session.touchUserActivity()
	r.activity.session.emit(Event{UserInputTranscribed: &UserInputTranscribedEvent{
		Transcript: alt.Text,
		IsFinal:    true,
		Language:   alt.Language,
	}})

	// Interruption signal (b): a non-trivial final transcript.
	r.activity.onInterruptionSignal(alt.Text)

	if !speaking {
		r.scheduleCommit()
	}
}

// turnText joins the turn's final transcripts.
func (r *audioRecognition) turnText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(strings.Join(r.finals, " "))
}

// turnTextWith appends a trailing interim hypothesis to the committed
// finals, for speculative generation.
func (r *audioRecognition) turnTextWith(interim string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := append(append([]string(nil), r.finals...), interim)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// scheduleCommit arms (or re-arms) the end-of-turn timer. The delay starts
// at MinEndpointingDelay and stretches to MaxEndpointingDelay when the EOU
// model says the user is probably not done.
func (r *audioRecognition) scheduleCommit() {
	sess := r.activity.session
	delay := sess.opts.MinEndpointingDelay

	if det := sess.opts.TurnDetector; det != nil {
		threshold, ok := det.UnlikelyThreshold(sess.opts.Language)
		if ok {
			chatCtx := sess.ChatContext().Copy()
			if text := r.turnText(); text != "" {
				chatCtx.AddMessage("user", text)
			}
			prob := det.PredictEndOfTurn(r.ctx, chatCtx, sess.opts.Language)
			if prob != turn.ProbUnavailable && prob < threshold {
				delay = sess.opts.MaxEndpointingDelay
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitEpoch++
	epoch := r.commitEpoch
	if r.commitTimer != nil {
		r.commitTimer.Stop()
	}
	r.commitTimer = time.AfterFunc(delay, func() {
		r.commitTurn(epoch)
	})
}

func (r *audioRecognition) cancelCommit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitEpoch++
	if r.commitTimer != nil {
		r.commitTimer.Stop()
		r.commitTimer = nil
	}
}

// commitTurn finalizes the user turn and triggers the reply.
func (r *audioRecognition) commitTurn(epoch int) {
	r.mu.Lock()
	if epoch != r.commitEpoch || len(r.finals) == 0 {
		r.mu.Unlock()
		return
	}
	text := strings.TrimSpace(strings.Join(r.finals, " "))
	r.finals = nil
	r.interim = ""
	silenceSince := r.silenceSince
	finalAt := r.finalAt
	r.mu.Unlock()

	if text == "" {
		return
	}

	if !silenceSince.IsZero() {
		rec := metrics.EOUMetrics{
			Base:                metrics.Base{Label: "eou", Timestamp: time.Now()},
			EndOfUtteranceDelay: time.Since(silenceSince),
		}
		if !finalAt.IsZero() && finalAt.After(silenceSince) {
			rec.TranscriptionDelay = finalAt.Sub(silenceSince)
		}
		r.activity.session.emitMetrics(rec)
	}

	speculative := r.activity.takePreemptive(r.speculativeKey(text))
	if _, err := r.activity.generateReply(text, "", speculative); err != nil {
		r.logger.Warn("failed to schedule reply for user turn", "error", err)
	}
}

// speculativeKey mirrors the transcript shape used when the speculative
// stream was started.
func (r *audioRecognition) speculativeKey(finalText string) string {
	return finalText
}

// commitNow forces the turn to commit immediately (push-to-talk).
func (r *audioRecognition) commitNow() {
	r.mu.Lock()
	r.commitEpoch++
	epoch := r.commitEpoch
	if r.commitTimer != nil {
		r.commitTimer.Stop()
		r.commitTimer = nil
	}
	r.mu.Unlock()
	r.commitTurn(epoch)
}

// takePendingText removes and returns the uncommitted user turn text, used
// by the session close path to persist the turn without generating a reply.
func (r *audioRecognition) takePendingText() string {
	r.cancelCommit()
	r.mu.Lock()
	defer r.mu.Unlock()
	text := strings.TrimSpace(strings.Join(r.finals, " "))
	r.finals = nil
	r.interim = ""
	return text
}

// clearTurn discards the pending user turn.
func (r *audioRecognition) clearTurn() {
	r.cancelCommit()
	r.mu.Lock()
	r.finals = nil
	r.interim = ""
	r.mu.Unlock()
	r.activity.cancelPreemptive()
}

func (r *audioRecognition) close() {
	r.closeOnce.Do(func() {
		r.cancelCommit()
		r.cancel()
		if r.sttStream != nil {
			r.sttStream.Close()
		}
		if r.vadStream != nil {
			r.vadStream.Close()
		}
	})
}
