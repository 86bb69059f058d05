package energy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/rtc"
	"github.com/cadenza-ai/cadenza/pkg/vad"
)

// frame synthesizes a 20ms 16kHz mono frame: a sine at the given amplitude
// (0 = silence).
func frame(amplitude float64) rtc.AudioFrame {
	const samples = 320
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return rtc.AudioFrame{Data: data, SampleRate: 16000, Channels: 1, SamplesPerChannel: samples}
}

func TestDetectsSpeechSegment(t *testing.T) {
	t.Parallel()

	engine := New()
	stream, err := engine.NewStream(context.Background(), vad.Config{
		SampleRate:         16000,
		MinSpeechDuration:  40 * time.Millisecond,
		MinSilenceDuration: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer stream.Close()

	// Collect boundary events concurrently; pushes block on boundaries
	// until the consumer takes them.
	boundaries := make(chan vad.Event, 8)
	go func() {
		for ev := range stream.Events() {
			if ev.Type == vad.EventStartOfSpeech || ev.Type == vad.EventEndOfSpeech {
				boundaries <- ev
			}
		}
		close(boundaries)
	}()

	// Settle the noise floor on silence, then speak, then go quiet.
	push := func(amplitude float64, frames int) {
		for i := 0; i < frames; i++ {
			if err := stream.PushFrame(frame(amplitude)); err != nil {
				t.Fatalf("push: %v", err)
			}
		}
	}
	push(0.001, 25)
	push(0.5, 20) // 400ms of speech
	push(0.001, 10)

	var sawStart, sawEnd bool
	deadline := time.After(time.Second)
	for !(sawStart && sawEnd) {
		select {
		case ev := <-boundaries:
			switch ev.Type {
			case vad.EventStartOfSpeech:
				sawStart = true
				if len(ev.Frames) == 0 {
					t.Error("start-of-speech must carry lookback frames")
				}
			case vad.EventEndOfSpeech:
				if !sawStart {
					t.Fatal("end-of-speech before start-of-speech")
				}
				sawEnd = true
				if ev.SpeechDuration < 300*time.Millisecond {
					t.Errorf("speech duration %v too short", ev.SpeechDuration)
				}
			}
		case <-deadline:
			t.Fatalf("missing events: start=%v end=%v", sawStart, sawEnd)
		}
	}
}

func TestSilenceEmitsNoBoundaries(t *testing.T) {
	t.Parallel()

	engine := New()
	stream, _ := engine.NewStream(context.Background(), vad.Config{SampleRate: 16000})
	defer stream.Close()

	for i := 0; i < 50; i++ {
		_ = stream.PushFrame(frame(0.001))
	}
	for {
		select {
		case ev := <-stream.Events():
			if ev.Type == vad.EventStartOfSpeech || ev.Type == vad.EventEndOfSpeech {
				t.Fatalf("silence produced boundary event %v", ev.Type)
			}
		default:
			return
		}
	}
}

func TestPushAfterCloseFails(t *testing.T) {
	t.Parallel()

	engine := New()
	stream, _ := engine.NewStream(context.Background(), vad.Config{SampleRate: 16000})
	stream.Close()
	stream.Close() // idempotent
	if err := stream.PushFrame(frame(0.5)); err == nil {
		t.Fatal("push after close must fail")
	}
}
