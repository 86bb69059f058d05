package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/voice"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m, reader
}

func collectNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestRecordFoldsEveryVariant(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.record(ctx, metrics.LLMMetrics{
		Base:             metrics.Base{Label: "gpt-4o-mini"},
		Duration:         1200 * time.Millisecond,
		TTFT:             300 * time.Millisecond,
		PromptTokens:     120,
		CompletionTokens: 48,
	})
	m.record(ctx, metrics.TTSMetrics{
		Base:            metrics.Base{Label: "tts-1"},
		Duration:        700 * time.Millisecond,
		TTFB:            150 * time.Millisecond,
		CharactersCount: 96,
	})
	m.record(ctx, metrics.STTMetrics{
		Base:     metrics.Base{Label: "whisper-1"},
		Duration: 400 * time.Millisecond,
	})
	m.record(ctx, metrics.EOUMetrics{
		EndOfUtteranceDelay: 600 * time.Millisecond,
	})

	names := collectNames(t, reader)
	for _, want := range []string{
		"cadenza.llm.duration",
		"cadenza.llm.ttft",
		"cadenza.llm.prompt_tokens",
		"cadenza.llm.completion_tokens",
		"cadenza.tts.duration",
		"cadenza.tts.characters",
		"cadenza.stt.duration",
		"cadenza.eou.delay",
	} {
		if !names[want] {
			t.Errorf("instrument %s not recorded", want)
		}
	}
}

func TestBridgeSessionStopsOnClose(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)

	events := make(chan voice.Event, 4)
	events <- voice.Event{MetricsCollected: &voice.MetricsCollectedEvent{
		Record: metrics.LLMMetrics{Base: metrics.Base{Label: "x"}, PromptTokens: 1},
	}}
	close(events)

	done := make(chan struct{})
	go func() {
		m.BridgeSession(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge must return when the event channel closes")
	}
	if !collectNames(t, reader)["cadenza.llm.prompt_tokens"] {
		t.Fatal("bridged record not folded")
	}
}
