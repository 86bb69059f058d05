// Package wsroom implements the rtc.Room contract over a PCM websocket
// gateway: a media bridge that decodes room audio server-side and exchanges
// raw s16le frames with the agent. Binary frames carry audio; JSON text
// frames carry control messages (join, clear, participant churn).
//
// This is the transport used when no native room SDK is linked in; anything
// satisfying rtc.Room can replace it.
package wsroom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/streams"
)

// gateway audio format: s16le mono at 48kHz, 20ms frames.
const (
	sampleRate = 48000
	channels   = 1
)

// control is the JSON control message exchanged on text frames.
type control struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	Token       string `json:"token,omitempty"`
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// DialOptions configures Connect.
type DialOptions struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Token is the signed room-join token.
	Token string

	// RoomName to join.
	RoomName string
}

// Room implements rtc.Room over one gateway connection.
type Room struct {
	name string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	subscription chan rtc.AudioFrame
	disconnected chan struct{}
	closeOnce    sync.Once
}

var _ rtc.Room = (*Room)(nil)

// Connect dials the gateway and joins the room. The returned Room is ready
// to subscribe and publish immediately.
func Connect(ctx context.Context, opts DialOptions) (*Room, error) {
	conn, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + opts.Token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wsroom: dial gateway: %w", err)
	}
	// Audio frames arrive continuously; lift the default read cap.
	conn.SetReadLimit(1 << 20)

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:         opts.RoomName,
		conn:         conn,
		ctx:          roomCtx,
		cancel:       cancel,
		disconnected: make(chan struct{}),
	}

	join, _ := json.Marshal(control{Type: "join", Room: opts.RoomName, Token: opts.Token})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: join: %w", err)
	}

	go r.receiveLoop()
	return r, nil
}

// Name implements rtc.Room.
func (r *Room) Name() string { return r.name }

// SubscribeAudio implements rtc.Room. The gateway mixes (or pins) the
// remote participant server-side; one subscription per room connection.
func (r *Room) SubscribeAudio(ctx context.Context, participant string) (<-chan rtc.AudioFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscription != nil {
		return nil, fmt.Errorf("wsroom: audio already subscribed")
	}
	r.subscription = make(chan rtc.AudioFrame, 64)

	if participant != "" {
		msg, _ := json.Marshal(control{Type: "subscribe", Participant: participant})
		if err := r.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			r.subscription = nil
			return nil, fmt.Errorf("wsroom: subscribe: %w", err)
		}
	}
	return r.subscription, nil
}

// PublishAudio implements rtc.Room.
func (r *Room) PublishAudio(ctx context.Context) (rtc.AudioSink, error) {
	return newSink(r), nil
}

// Disconnected implements rtc.Room.
func (r *Room) Disconnected() <-chan struct{} { return r.disconnected }

// Close implements rtc.Room.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		_ = r.conn.Close(websocket.StatusNormalClosure, "leaving")
	})
	return nil
}

// receiveLoop demultiplexes gateway traffic: binary frames into the audio
// subscription, text frames as control.
func (r *Room) receiveLoop() {
	defer close(r.disconnected)
	defer func() {
		r.mu.Lock()
		if r.subscription != nil {
			close(r.subscription)
			r.subscription = nil
		}
		r.mu.Unlock()
	}()
	framer := streams.NewAudioByteStream(sampleRate, channels, 0)

	for {
		msgType, data, err := r.conn.Read(r.ctx)
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			frames := framer.Write(data)
			r.mu.Lock()
			sub := r.subscription
			r.mu.Unlock()
			if sub == nil {
				continue
			}
			for _, f := range frames {
				select {
				case sub <- f:
				case <-r.ctx.Done():
					return
				}
			}

		case websocket.MessageText:
			var c control
			if err := json.Unmarshal(data, &c); err != nil {
				continue
			}
			if c.Type == "disconnect" {
				_ = r.Close()
				return
			}
		}
	}
}

// sink publishes agent audio. The gateway buffers a little downstream;
// playback position is tracked against a wall-clock play head so the
// transcript synchronizer sees real pacing.
type sink struct {
	room *Room

	mu        sync.Mutex
	written   time.Duration
	playStart time.Time
	closed    bool
}

var _ rtc.AudioSink = (*sink)(nil)

func newSink(r *Room) *sink {
	return &sink{room: r}
}

// Write implements rtc.AudioSink. Writes pace themselves against the play
// head so upstream synthesis feels end-to-end backpressure.
func (s *sink) Write(ctx context.Context, frame rtc.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("wsroom: sink closed")
	}
	if s.playStart.IsZero() {
		s.playStart = time.Now()
	}
	ahead := s.written - time.Since(s.playStart)
	s.written += frame.Duration()
	s.mu.Unlock()

	// Keep at most ~200ms queued beyond the play head.
	if ahead > 200*time.Millisecond {
		select {
		case <-time.After(ahead - 200*time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.room.conn.Write(ctx, websocket.MessageBinary, frame.Data)
}

// ClearBuffer implements rtc.AudioSink: asks the gateway to drop queued
// audio and snaps the play head forward.
func (s *sink) ClearBuffer() {
	msg, _ := json.Marshal(control{Type: "clear"})
	_ = s.room.conn.Write(s.room.ctx, websocket.MessageText, msg)

	s.mu.Lock()
	if !s.playStart.IsZero() {
		// Everything written is considered played (discarded).
		s.playStart = time.Now().Add(-s.written)
	}
	s.mu.Unlock()
}

// PlaybackPosition implements rtc.AudioSink.
func (s *sink) PlaybackPosition() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playStart.IsZero() {
		return 0
	}
	elapsed := time.Since(s.playStart)
	if elapsed > s.written {
		return s.written
	}
	return elapsed
}

// Close implements rtc.AudioSink.
func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
