package ipc

import (
	"context"
	"fmt"
	"sync"
)

// InferenceRunner hosts one model inside the inference process. Runners are
// loaded once at child startup and shared by every job in the worker.
type InferenceRunner interface {
	// Method is the registry key jobs dispatch to.
	Method() string

	// Initialize loads model weights; called once before any Run.
	Initialize(ctx context.Context) error

	// Run performs one inference. One flight per request id.
	Run(ctx context.Context, data []byte) ([]byte, error)

	// Close releases the model.
	Close() error
}

// InferenceRegistry is the child-side name→runner map.
type InferenceRegistry struct {
	mu      sync.RWMutex
	runners map[string]InferenceRunner
}

// NewInferenceRegistry creates a registry over the given runners. Duplicate
// methods are rejected.
func NewInferenceRegistry(runners ...InferenceRunner) (*InferenceRegistry, error) {
	m := make(map[string]InferenceRunner, len(runners))
	for _, r := range runners {
		if _, dup := m[r.Method()]; dup {
			return nil, fmt.Errorf("ipc: duplicate inference runner %q", r.Method())
		}
		m[r.Method()] = r
	}
	return &InferenceRegistry{runners: m}, nil
}

// Initialize loads every runner.
func (r *InferenceRegistry) Initialize(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, runner := range r.runners {
		if err := runner.Initialize(ctx); err != nil {
			return fmt.Errorf("ipc: initialize runner %q: %w", name, err)
		}
	}
	return nil
}

// Run dispatches one inference. Unknown methods return an error the caller
// forwards as an InferenceResponse error.
func (r *InferenceRegistry) Run(ctx context.Context, method string, data []byte) ([]byte, error) {
	r.mu.RLock()
	runner, ok := r.runners[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown inference method %q", method)
	}
	return runner.Run(ctx, data)
}

// Close releases all runners; the first error wins.
func (r *InferenceRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, runner := range r.runners {
		if err := runner.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.runners = map[string]InferenceRunner{}
	return first
}
