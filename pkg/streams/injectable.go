package streams

import (
	"context"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/aio"
)

// Injectable merges a source stream with an inline channel of injected
// items. The merged output preserves source order and injection order but
// interleaves the two arbitrarily. Injection after Close fails; Cancel
// aborts both the merged output and the injection channel.
type Injectable[T any] struct {
	merged *MultiInput[T]
	inject *StreamChannel[T]

	// injectMu serializes writers into the injection channel so injected
	// items keep their caller-side order.
	injectMu *aio.Mutex

	mu     sync.Mutex
	closed bool
}

// NewInjectable creates an Injectable merging src with an injection channel,
// buffering up to capacity items.
func NewInjectable[T any](src Reader[T], capacity int) *Injectable[T] {
	inj := &Injectable[T]{
		merged:   NewMultiInput[T](capacity),
		inject:   NewStreamChannel[T](capacity),
		injectMu: aio.NewMutex(),
	}
	inj.merged.AddInput(src)
	inj.merged.AddInput(inj.inject.Stream())
	return inj
}

// Inject queues v into the merged output, after any items injected before it.
func (i *Injectable[T]) Inject(ctx context.Context, v T) error {
	unlock, err := i.injectMu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrStreamClosed
	}
	i.mu.Unlock()
	return i.inject.Write(ctx, v)
}

// Next implements Reader on the merged output.
func (i *Injectable[T]) Next(ctx context.Context) (T, error) {
	return i.merged.Next(ctx)
}

// Close stops accepting injections, detaches the source, and ends the
// merged output. Buffered items remain readable. Idempotent.
func (i *Injectable[T]) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.mu.Unlock()

	i.inject.Close()
	i.merged.Close()
}

// Cancel aborts the merged output and the injection channel with reason.
func (i *Injectable[T]) Cancel(reason error) {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	i.inject.Abort(reason)
	i.merged.out.Abort(reason)
	i.merged.Close()
}
