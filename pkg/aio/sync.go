package aio

import (
	"container/list"
	"context"
	"sync"
)

// Mutex is an async-capable lock with strict FIFO hand-off: waiters acquire
// in the order they called Lock. FIFO ordering matters in drain paths, where
// a late-arriving close must not starve an earlier scheduled speech.
//
// The zero value is not usable; create with NewMutex.
type Mutex struct {
	sem *Semaphore
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// Lock acquires the mutex, blocking until it is available or ctx is
// cancelled. On success it returns an unlock closure; the closure is
// idempotent.
func (m *Mutex) Lock(ctx context.Context) (func(), error) {
	return m.sem.Acquire(ctx)
}

// TryLock acquires the mutex without blocking. The second return value
// reports success.
func (m *Mutex) TryLock() (func(), bool) {
	return m.sem.TryAcquire()
}

// Semaphore is a counting semaphore with FIFO wakeups. Unlike
// x/sync/semaphore it hands permits to waiters strictly in arrival order,
// and releases are expressed as closures so a permit cannot be double-freed.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters *list.List // of chan struct{}
}

// NewSemaphore creates a Semaphore with n permits. n must be positive.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("aio: semaphore size must be positive")
	}
	return &Semaphore{permits: n, waiters: list.New()}
}

// Acquire takes one permit, blocking in FIFO order until one is available or
// ctx is cancelled. The returned closure releases the permit and is
// idempotent.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.permits > 0 && s.waiters.Len() == 0 {
		s.permits--
		s.mu.Unlock()
		return s.releaseOnce(), nil
	}
	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return s.releaseOnce(), nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// Woken concurrently with cancellation: we own a permit and
			// must give it back.
			s.mu.Unlock()
			s.release()
			return nil, ctx.Err()
		default:
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire takes a permit without blocking. It fails when no permit is free
// or earlier waiters are queued.
func (s *Semaphore) TryAcquire() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits == 0 || s.waiters.Len() > 0 {
		return nil, false
	}
	s.permits--
	return s.releaseOnce(), true
}

func (s *Semaphore) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(s.release) }
}

func (s *Semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	s.permits++
}
