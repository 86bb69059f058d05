// Package fallback wraps lists of same-kind providers (LLM, STT, TTS)
// behind the original provider interface with automatic failover. Each
// wrapped provider carries an availability flag: a failed call marks it
// unavailable, emits an availability event, and schedules a recovery probe;
// a successful probe flips it back.
//
// The adapters preserve the provider contract exactly, so they compose with
// everything that takes a plain provider. All types are safe for concurrent
// use.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultAttemptTimeout bounds connection plus first payload per provider
// attempt.
const DefaultAttemptTimeout = 10 * time.Second

// DefaultProbeTimeout bounds a recovery probe.
const DefaultProbeTimeout = 5 * time.Second

// Policy tunes an adapter.
type Policy struct {
	// AttemptTimeout bounds each provider attempt up to its first payload.
	// Zero selects DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// MaxRetryPerProvider is how many times a retryable failure is retried
	// on the same provider before advancing to the next.
	MaxRetryPerProvider int

	// RetryInterval is the base backoff between same-provider retries.
	RetryInterval time.Duration

	// RetryOnChunkSent permits switching providers after data has already
	// been forwarded to the caller. Off by default: a switched stream can
	// splice the output of two different models.
	RetryOnChunkSent bool
}

func (p Policy) attemptTimeout() time.Duration {
	if p.AttemptTimeout <= 0 {
		return DefaultAttemptTimeout
	}
	return p.AttemptTimeout
}

// AvailabilityChanged is emitted whenever a wrapped provider's availability
// flips.
type AvailabilityChanged struct {
	// Kind is the provider kind: "llm", "stt", or "tts".
	Kind string

	// Provider is the wrapped provider's label.
	Provider string

	Available bool
}

// entry tracks one wrapped provider.
type entry[T any] struct {
	value T
	label string

	mu         sync.Mutex
	available  bool
	recovering bool
}

// group is the shared availability machinery behind the three adapters.
type group[T any] struct {
	kind    string
	entries []*entry[T]
	policy  Policy

	// probe performs a cheap health check against a provider.
	probe func(ctx context.Context, p T) error

	eventsMu sync.Mutex
	events   []chan AvailabilityChanged
	wg       sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
}

func newGroup[T any](kind string, providers []T, labels []string, policy Policy, probe func(ctx context.Context, p T) error) *group[T] {
	g := &group[T]{kind: kind, policy: policy, probe: probe, done: make(chan struct{})}
	for i, p := range providers {
		g.entries = append(g.entries, &entry[T]{value: p, label: labels[i], available: true})
	}
	return g
}

// Close stops recovery probes and closes every event subscription.
// Idempotent.
func (g *group[T]) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
		g.eventsMu.Lock()
		for _, ch := range g.events {
			close(ch)
		}
		g.events = nil
		g.eventsMu.Unlock()
	})
}

// Events returns a new subscription channel for availability changes. The
// channel is closed when the adapter is closed.
func (g *group[T]) Events() <-chan AvailabilityChanged {
	ch := make(chan AvailabilityChanged, 16)
	g.eventsMu.Lock()
	g.events = append(g.events, ch)
	g.eventsMu.Unlock()
	return ch
}

func (g *group[T]) emit(ev AvailabilityChanged) {
	g.eventsMu.Lock()
	defer g.eventsMu.Unlock()
	for _, ch := range g.events {
		select {
		case ch <- ev:
		default:
			// A stalled subscriber must not block the pipeline.
		}
	}
}

// candidates returns the providers to try: the available ones, or every
// provider when none is marked available (better a doomed attempt than none).
func (g *group[T]) candidates() []*entry[T] {
	var avail []*entry[T]
	for _, e := range g.entries {
		e.mu.Lock()
		ok := e.available
		e.mu.Unlock()
		if ok {
			avail = append(avail, e)
		}
	}
	if len(avail) == 0 {
		return g.entries
	}
	return avail
}

// markUnavailable flips the entry off, emits the event, and schedules a
// recovery probe. At most one probe runs per provider at a time.
func (g *group[T]) markUnavailable(e *entry[T]) {
	e.mu.Lock()
	wasAvailable := e.available
	e.available = false
	startProbe := !e.recovering
	if startProbe {
		e.recovering = true
	}
	e.mu.Unlock()

	if wasAvailable {
		slog.Warn("provider failed, marking unavailable", "kind", g.kind, "provider", e.label)
		g.emit(AvailabilityChanged{Kind: g.kind, Provider: e.label, Available: false})
	}
	if !startProbe {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-g.done:
				return
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), DefaultProbeTimeout)
			err := g.probe(ctx, e.value)
			cancel()

			if err == nil {
				e.mu.Lock()
				e.available = true
				e.recovering = false
				e.mu.Unlock()
				slog.Info("provider recovered", "kind", g.kind, "provider", e.label)
				g.emit(AvailabilityChanged{Kind: g.kind, Provider: e.label, Available: true})
				return
			}
			slog.Debug("recovery probe failed", "kind", g.kind, "provider", e.label, "error", err)

			interval := g.policy.RetryInterval
			if interval <= 0 {
				interval = 2 * time.Second
			}
			select {
			case <-g.done:
				return
			case <-time.After(interval):
			}
		}
	}()
}
