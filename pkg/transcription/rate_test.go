package transcription

import (
	"context"
	"testing"
	"time"
)

func TestAccumulateToRateBased(t *testing.T) {
	t.Parallel()

	s := NewSpeakingRateData()
	s.AddByRate(0, 10) // 10 chars/s from t=0
	s.AddByRate(2, 20) // 20 chars/s from t=2

	cases := []struct {
		t    float64
		want float64
	}{
		{0, 0},
		{1, 10},
		{2, 20},
		{2.5, 30},
		{3, 40},
	}
	for _, c := range cases {
		if got := s.AccumulateTo(c.t); got != c.want {
			t.Errorf("AccumulateTo(%v) = %v, want %v", c.t, got, c.want)
		}
	}
}

func TestAccumulateToMonotonic(t *testing.T) {
	t.Parallel()

	s := NewSpeakingRateData()
	s.AddByRate(0, 12)
	s.AddByAnnotation("hello world", 1, 2)
	s.AddByRate(3, 7)

	prev := -1.0
	for ti := 0.0; ti <= 5.0; ti += 0.1 {
		got := s.AccumulateTo(ti)
		if got < prev {
			t.Fatalf("not monotonic at t=%v: %v < %v", ti, got, prev)
		}
		prev = got
	}
}

func TestAddByAnnotationBuffersUntilTimestamp(t *testing.T) {
	t.Parallel()

	s := NewSpeakingRateData()
	// Two fragments with no timing yet, then one that closes the span.
	s.AddByAnnotation("ab", -1, -1)
	s.AddByAnnotation("cd", -1, -1)
	s.AddByAnnotation("ef", 0, 3) // 6 chars over [0,3] = 2 chars/s

	if got := s.AccumulateTo(1.5); got != 3 {
		t.Fatalf("AccumulateTo(1.5) = %v, want 3", got)
	}
	if got := s.AccumulateTo(10); got != 6 {
		t.Fatalf("AccumulateTo(10) = %v, want 6 (capped)", got)
	}
}

func TestSynchronizerDripsWithPlayback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sync := NewSynchronizer("seg-1")
	sync.PushText("abcdefghij") // 10 chars
	sync.MarkTextDone()

	// Pace: exactly 10 chars over one second.
	sync.rate = NewSpeakingRateData()
	sync.rate.AddByRate(0, 10)

	sync.TickPlayback(ctx, 500*time.Millisecond)
	seg, err := sync.Segments().Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if seg.Text != "abcde" || seg.Final {
		t.Fatalf("want first half, got %+v", seg)
	}

	sync.TickPlayback(ctx, time.Second)
	seg, err = sync.Segments().Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if seg.Text != "fghij" || !seg.Final {
		t.Fatalf("want final half, got %+v", seg)
	}
}

func TestSynchronizerFlushOnInterrupt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sync := NewSynchronizer("seg-2")
	sync.PushText("never fully spoken")

	full := sync.FlushRemaining(ctx, true)
	if full != "" {
		t.Fatalf("interrupted before playback: want empty spoken text, got %q", full)
	}
	seg, err := sync.Segments().Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !seg.Final {
		t.Fatalf("want final marker, got %+v", seg)
	}
}
