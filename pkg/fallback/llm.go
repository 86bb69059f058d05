package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// LLM composes a list of llm.Provider behind the llm.Provider interface with
// automatic failover.
type LLM struct {
	group *group[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLM)(nil)

// NewLLM creates an LLM fallback adapter. providers are tried in order; all
// start available.
func NewLLM(providers []llm.Provider, policy Policy) *LLM {
	labels := make([]string, len(providers))
	for i, p := range providers {
		labels[i] = p.Label()
	}
	return &LLM{
		group: newGroup("llm", providers, labels, policy, probeLLM),
	}
}

// probeLLM performs the recovery health check: a minimal chat that only has
// to start streaming.
func probeLLM(ctx context.Context, p llm.Provider) error {
	cc := llm.NewChatContext()
	cc.AddMessage(llm.RoleUser, "ping")
	ch, err := p.Chat(ctx, llm.ChatRequest{
		ChatCtx:     cc,
		ConnOptions: llm.ConnOptions{Timeout: DefaultProbeTimeout},
	})
	if err != nil {
		return err
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return chunk.Err
		}
	}
	return nil
}

// Label implements llm.Provider.
func (f *LLM) Label() string { return "fallback.LLM" }

// Events returns a subscription for availability changes.
func (f *LLM) Events() <-chan AvailabilityChanged { return f.group.Events() }

// Close stops recovery probes. Idempotent.
func (f *LLM) Close() { f.group.Close() }

// Chat implements llm.Provider. The returned channel is created
// immediately; provider iteration happens behind it. Total failure surfaces
// as a final chunk carrying an APIConnectionError with the aggregate
// duration.
func (f *LLM) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	out := make(chan llm.ChatChunk, 32)
	go func() {
		defer close(out)
		start := time.Now()

		var lastErr error
		for _, e := range f.group.candidates() {
			sent, err := f.tryProvider(ctx, e, req, out)
			if err == nil {
				return
			}
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			if sent && !f.group.policy.RetryOnChunkSent {
				// Data already reached the caller; switching providers now
				// would splice two models' output. Surface the error.
				out <- llm.ChatChunk{Err: err}
				return
			}
			f.group.markUnavailable(e)
		}

		out <- llm.ChatChunk{Err: cadenzaerr.NewAPIConnectionError(
			fmt.Sprintf("all LLM providers failed after %v", time.Since(start).Round(time.Millisecond)), lastErr)}
	}()
	return out, nil
}

// tryProvider runs req against one provider, retrying retryable failures up
// to MaxRetryPerProvider as long as no data has been forwarded. It reports
// whether any chunk reached the caller.
func (f *LLM) tryProvider(ctx context.Context, e *entry[llm.Provider], req llm.ChatRequest, out chan<- llm.ChatChunk) (sent bool, err error) {
	for attempt := 0; ; attempt++ {
		sent, err = f.runOnce(ctx, e, req, out)
		if err == nil {
			return false, nil
		}
		if sent || !cadenzaerr.Retryable(err) || attempt >= f.group.policy.MaxRetryPerProvider {
			return sent, err
		}
		interval := f.group.policy.RetryInterval
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (f *LLM) runOnce(ctx context.Context, e *entry[llm.Provider], req llm.ChatRequest, out chan<- llm.ChatChunk) (sent bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.value.Chat(attemptCtx, req)
	if err != nil {
		return false, err
	}

	// The attempt timeout covers connection plus first payload; once data
	// flows the generation may take as long as it takes.
	firstChunk := time.AfterFunc(f.group.policy.attemptTimeout(), cancel)

	for chunk := range ch {
		firstChunk.Stop()
		if chunk.Err != nil {
			return sent, chunk.Err
		}
		select {
		case out <- chunk:
			sent = true
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	if !sent {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if attemptCtx.Err() != nil {
			return false, cadenzaerr.NewAPITimeoutError(f.group.policy.attemptTimeout())
		}
	}
	return sent, nil
}
