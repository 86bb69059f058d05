package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/job"
)

// fakeHandle is an in-memory process handle.
type fakeHandle struct {
	exited chan struct{}
	killed atomic.Bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{exited: make(chan struct{})}
}

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

// testHandler records job handler callbacks.
type testHandler struct {
	started  atomic.Bool
	shutdown atomic.Bool
}

func (h *testHandler) StartJob(ctx context.Context, info job.RunningJobInfo) error {
	h.started.Store(true)
	return nil
}

func (h *testHandler) OnShutdown(ctx context.Context, reason string) {
	h.shutdown.Store(true)
}

// echoRunner doubles as a trivial inference runner.
type echoRunner struct{}

func (echoRunner) Method() string { return "echo" }
func (echoRunner) Initialize(context.Context) error { return nil }
func (echoRunner) Close() error { return nil }
func (echoRunner) Run(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

// startPair wires a SupervisedProc to a real ChildRunner over an in-memory
// pipe and returns both plus the fake process handle.
func startPair(t *testing.T, opts ProcOptions) (*SupervisedProc, *testHandler, *fakeHandle) {
	t.Helper()

	parentConn, childConn := net.Pipe()
	handle := newFakeHandle()
	proc := NewSupervisedProc(NewCodec(parentConn, parentConn), handle, opts)

	handler := &testHandler{}
	registry, err := NewInferenceRegistry(echoRunner{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	child := NewChildRunner(NewCodec(childConn, childConn), handler, registry)

	go func() {
		_ = child.Run(context.Background())
		handle.exit()
	}()
	t.Cleanup(func() {
		parentConn.Close()
		childConn.Close()
		handle.exit()
	})
	return proc, handler, handle
}

func quickOpts() ProcOptions {
	return ProcOptions{
		InitializeTimeout: time.Second,
		CloseTimeout:      time.Second,
		PingInterval:      20 * time.Millisecond,
		PingTimeout:       500 * time.Millisecond,
		HighPingThreshold: 200 * time.Millisecond,
	}
}

func TestHandshakeAndJobLaunch(t *testing.T) {
	t.Parallel()

	proc, handler, _ := startPair(t, quickOpts())
	if err := proc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	info := job.RunningJobInfo{
		Job:   job.Job{ID: "job-1", RoomName: "room-a"},
		Token: "jwt",
		URL:   "wss://media.example.com",
	}
	if err := proc.LaunchJob(info); err != nil {
		t.Fatalf("launch: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !handler.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("child never received the job")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if proc.RunningJob() == nil || proc.RunningJob().Job.ID != "job-1" {
		t.Fatal("supervisor must own the running job")
	}
	if err := proc.LaunchJob(info); err == nil {
		t.Fatal("second launch on one proc must fail")
	}
}

func TestHandshakeViolationIsFatal(t *testing.T) {
	t.Parallel()

	parentConn, childConn := net.Pipe()
	defer parentConn.Close()
	defer childConn.Close()

	handle := newFakeHandle()
	proc := NewSupervisedProc(NewCodec(parentConn, parentConn), handle, quickOpts())

	// A misbehaving child that speaks Done first.
	go func() {
		codec := NewCodec(childConn, childConn)
		_, _ = codec.Recv() // swallow InitializeRequest
		_ = codec.Send(Done{})
	}()

	err := proc.Initialize(context.Background())
	if !errors.Is(err, ErrFirstMessageNotInitialize) {
		t.Fatalf("want handshake violation, got %v", err)
	}
	if !handle.killed.Load() {
		t.Fatal("violating child must be killed")
	}
}

func TestPingWatchdogKillsSilentChild(t *testing.T) {
	t.Parallel()

	parentConn, childConn := net.Pipe()
	defer parentConn.Close()
	defer childConn.Close()

	handle := newFakeHandle()
	opts := quickOpts()
	opts.PingTimeout = 150 * time.Millisecond
	proc := NewSupervisedProc(NewCodec(parentConn, parentConn), handle, opts)

	// A child that completes the handshake but never answers pings.
	go func() {
		codec := NewCodec(childConn, childConn)
		_, _ = codec.Recv()
		_ = codec.Send(InitializeResponse{})
		for {
			if _, err := codec.Recv(); err != nil {
				return
			}
			// Pings swallowed, never ponged.
		}
	}()

	if err := proc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := proc.Join(ctx)
	if !errors.Is(err, ErrUnexpectedExit) {
		t.Fatalf("want ErrUnexpectedExit after watchdog kill, got %v", err)
	}
	if !handle.killed.Load() {
		t.Fatal("watchdog must kill the silent child")
	}
}

func TestShutdownHappyPath(t *testing.T) {
	t.Parallel()

	proc, handler, _ := startPair(t, quickOpts())
	if err := proc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := proc.Shutdown(ctx, "draining"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !handler.shutdown.Load() {
		t.Fatal("child handler must observe the shutdown")
	}
	if proc.JobState() != job.StateDone {
		t.Fatalf("want StateDone, got %v", proc.JobState())
	}
}

func TestInferenceRoundTrip(t *testing.T) {
	t.Parallel()

	proc, _, _ := startPair(t, quickOpts())
	if err := proc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	got, err := proc.DoInference(context.Background(), "echo", "req-1", payload)
	if err != nil {
		t.Fatalf("inference: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("want echo, got %s", got)
	}

	_, err = proc.DoInference(context.Background(), "nope", "req-2", payload)
	if err == nil {
		t.Fatal("unknown method must error")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tx := NewCodec(a, a)
	rx := NewCodec(b, b)

	go func() {
		_ = tx.Send(StartJobRequest{RunningJob: job.RunningJobInfo{
			Job: job.Job{ID: "j", RoomName: "r"}, Token: "t", URL: "u",
		}})
	}()

	msg, err := rx.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	req, ok := msg.(*StartJobRequest)
	if !ok {
		t.Fatalf("want *StartJobRequest, got %T", msg)
	}
	if req.RunningJob.Job.ID != "j" || req.RunningJob.Token != "t" {
		t.Fatalf("payload mangled: %+v", req.RunningJob)
	}
}
