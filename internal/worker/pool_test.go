package worker

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/ipc"
	"github.com/cadenza-ai/cadenza/internal/job"
)

// fakeHandle is an in-memory process handle.
type fakeHandle struct {
	exited chan struct{}
	killed atomic.Bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{exited: make(chan struct{})} }

func (h *fakeHandle) Kill() error {
	if h.killed.CompareAndSwap(false, true) {
		close(h.exited)
	}
	return nil
}

func (h *fakeHandle) exit() {
	if h.killed.CompareAndSwap(false, true) {
		close(h.exited)
	}
}

func (h *fakeHandle) Exited() <-chan struct{} { return h.exited }

// poolHandler is a no-op child job handler.
type poolHandler struct{}

func (poolHandler) StartJob(context.Context, job.RunningJobInfo) error { return nil }
func (poolHandler) OnShutdown(context.Context, string)                 {}

// fakeSpawner forks in-memory children: each spawn wires a real ChildRunner
// over a net.Pipe to the returned supervisor.
type fakeSpawner struct {
	spawned atomic.Int32
}

func (s *fakeSpawner) spawn(ctx context.Context) (*ipc.SupervisedProc, error) {
	s.spawned.Add(1)

	parentConn, childConn := net.Pipe()
	handle := newFakeHandle()
	proc := ipc.NewSupervisedProc(ipc.NewCodec(parentConn, parentConn), handle, ipc.ProcOptions{
		InitializeTimeout: time.Second,
		CloseTimeout:      time.Second,
		PingInterval:      20 * time.Millisecond,
		PingTimeout:       time.Second,
		HighPingThreshold: 500 * time.Millisecond,
	})

	child := ipc.NewChildRunner(ipc.NewCodec(childConn, childConn), poolHandler{}, nil)
	go func() {
		_ = child.Run(context.Background())
		handle.exit()
		parentConn.Close()
		childConn.Close()
	}()
	return proc, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolWarmsConfiguredCount(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	pool := NewProcPool(PoolOptions{NumIdleProcesses: 2, Spawn: spawner.spawn})
	pool.Start()
	defer pool.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool { return pool.WarmCount() == 2 },
		"pool never reached 2 warm procs")
	if got := spawner.spawned.Load(); got != 2 {
		t.Fatalf("want exactly 2 spawns (one per slot), got %d", got)
	}
}

func TestPoolLaunchUsesWarmProcAndReplenishes(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	pool := NewProcPool(PoolOptions{NumIdleProcesses: 2, Spawn: spawner.spawn})
	pool.Start()
	defer pool.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool { return pool.WarmCount() == 2 },
		"pool never warmed")

	info := job.RunningJobInfo{Job: job.Job{ID: "job-1", RoomName: "r"}, Token: "t", URL: "u"}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	proc, err := pool.LaunchJob(ctx, info)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("warm launch took %v, want <100ms", elapsed)
	}
	if pool.GetByJobID("job-1") != proc {
		t.Fatal("job table must point at the launched proc")
	}

	// Releasing the warm slot must replenish to 2 warm again.
	waitFor(t, 2*time.Second, func() bool { return pool.WarmCount() == 2 },
		"pool did not replenish after launch")
	if pool.ActiveCount() != 1 {
		t.Fatalf("want 1 active, got %d", pool.ActiveCount())
	}
}

func TestPoolReplacesCrashedWarmProc(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	pool := NewProcPool(PoolOptions{NumIdleProcesses: 1, Spawn: spawner.spawn})
	pool.Start()
	defer pool.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(pool.Processes()) == 1 },
		"pool never warmed")

	// Kill the warm proc; the babysitter must free the slot and the
	// replenisher must spawn a replacement.
	pool.Processes()[0].Kill()
	waitFor(t, 2*time.Second, func() bool { return spawner.spawned.Load() >= 2 },
		"pool did not replace the crashed proc")
}

func TestPoolCloseIdempotent(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	pool := NewProcPool(PoolOptions{NumIdleProcesses: 1, Spawn: spawner.spawn})
	pool.Start()

	waitFor(t, 2*time.Second, func() bool { return pool.WarmCount() == 1 }, "never warmed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := pool.LaunchJob(ctx, job.RunningJobInfo{Job: job.Job{ID: "x"}}); err == nil {
		t.Fatal("launch after close must fail")
	}
}
