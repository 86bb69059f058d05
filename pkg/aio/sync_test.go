package aio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMutexBasic(t *testing.T) {
	t.Parallel()

	m := NewMutex()
	unlock, err := m.Lock(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := m.TryLock(); ok {
		t.Fatal("TryLock must fail while held")
	}
	unlock()
	unlock() // idempotent

	unlock2, ok := m.TryLock()
	if !ok {
		t.Fatal("TryLock must succeed after unlock")
	}
	unlock2()
}

func TestSemaphoreFIFO(t *testing.T) {
	t.Parallel()

	s := NewSemaphore(1)
	unlock, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := make(chan int, 2)
	acquired := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			u, err := s.Acquire(context.Background())
			if err != nil {
				return
			}
			order <- i
			acquired <- struct{}{}
			time.Sleep(10 * time.Millisecond)
			u()
		}()
		// Give the goroutine time to enqueue before starting the next,
		// making arrival order deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	unlock()
	<-acquired
	<-acquired
	if first := <-order; first != 1 {
		t.Fatalf("want FIFO hand-off (waiter 1 first), got waiter %d", first)
	}
}

func TestSemaphoreAcquireCancelled(t *testing.T) {
	t.Parallel()

	s := NewSemaphore(1)
	unlock, _ := s.Acquire(context.Background())
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestQueuePutGet(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	for i := 0; i < 3; i++ {
		if err := q.Put(i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	for want := 0; want < 3; want++ {
		v, err := q.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != want {
			t.Fatalf("want %d, got %d", want, v)
		}
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Put("late")
	}()
	v, err := q.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "late" {
		t.Fatalf("want late, got %q", v)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	_ = q.Put(1)
	q.Close()
	q.Close() // idempotent

	if err := q.Put(2); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed on put after close, got %v", err)
	}
	if v, err := q.Get(context.Background()); err != nil || v != 1 {
		t.Fatalf("buffered item must survive close, got (%d, %v)", v, err)
	}
	if _, err := q.Get(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed once drained, got %v", err)
	}
}

func TestRetryInterval(t *testing.T) {
	t.Parallel()

	opts := RetryOptions{MaxRetry: 5, RetryInterval: 100 * time.Millisecond, MaxRetryInterval: 500 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond}, // capped
		{9, 500 * time.Millisecond},
		{-1, 100 * time.Millisecond},
	}
	for _, c := range cases {
		if got := RetryInterval(opts, c.attempt); got != c.want {
			t.Errorf("attempt %d: want %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := ShortID()
		if len(id) != 16 {
			t.Fatalf("want 16 chars, got %d (%q)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if id := ShortIDWith("speech"); len(id) != len("speech")+1+16 {
		t.Fatalf("prefixed id has wrong shape: %q", id)
	}
}
