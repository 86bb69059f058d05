package metrics

import "sync"

// UsageSummary is the folded total of every record a UsageCollector has seen.
type UsageSummary struct {
	// LLMPromptTokens and LLMCompletionTokens sum across all models.
	LLMPromptTokens     int
	LLMCompletionTokens int

	// TTSCharactersCount sums the characters sent to synthesis.
	TTSCharactersCount int

	// STTAudioDurationSeconds sums transcribed audio, in seconds.
	STTAudioDurationSeconds float64

	// RealtimeInputTokens and RealtimeOutputTokens sum realtime-model usage.
	RealtimeInputTokens  int
	RealtimeOutputTokens int
}

// ModelUsage is per-model token accounting.
type ModelUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// UsageCollector folds metric records into running totals. It is safe for
// concurrent use; typical wiring subscribes Collect to the session's
// metrics events.
type UsageCollector struct {
	mu      sync.Mutex
	summary UsageSummary
	byModel map[string]ModelUsage
}

// NewUsageCollector creates an empty collector.
func NewUsageCollector() *UsageCollector {
	return &UsageCollector{byModel: make(map[string]ModelUsage)}
}

// Collect folds one record into the totals. Unknown variants are ignored.
func (c *UsageCollector) Collect(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := rec.(type) {
	case LLMMetrics:
		c.summary.LLMPromptTokens += m.PromptTokens
		c.summary.LLMCompletionTokens += m.CompletionTokens
		mu := c.byModel[m.Label]
		mu.PromptTokens += m.PromptTokens
		mu.CompletionTokens += m.CompletionTokens
		c.byModel[m.Label] = mu
	case TTSMetrics:
		c.summary.TTSCharactersCount += m.CharactersCount
	case STTMetrics:
		c.summary.STTAudioDurationSeconds += m.AudioDuration.Seconds()
	case RealtimeModelMetrics:
		c.summary.RealtimeInputTokens += m.InputTokens
		c.summary.RealtimeOutputTokens += m.OutputTokens
		mu := c.byModel[m.Label]
		mu.PromptTokens += m.InputTokens
		mu.CompletionTokens += m.OutputTokens
		c.byModel[m.Label] = mu
	}
}

// Summary returns a copy of the folded totals.
func (c *UsageCollector) Summary() UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// ByModel returns a copy of the per-model token accounting.
func (c *UsageCollector) ByModel() map[string]ModelUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ModelUsage, len(c.byModel))
	for k, v := range c.byModel {
		out[k] = v
	}
	return out
}
