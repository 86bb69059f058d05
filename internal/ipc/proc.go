package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/internal/job"
	"github.com/cadenza-ai/cadenza/pkg/aio"
)

// ErrFirstMessageNotInitialize is the fatal handshake violation: the child's
// first message was not an InitializeResponse.
var ErrFirstMessageNotInitialize = errors.New("ipc: first message must be InitializeResponse")

// ErrInitializeTimeout is returned when the child does not complete the
// handshake in time.
var ErrInitializeTimeout = errors.New("ipc: initialization timed out")

// ErrUnexpectedExit is the join result of a child that died outside a
// requested shutdown.
var ErrUnexpectedExit = errors.New("ipc: child exited unexpectedly")

// ChildEnvVar marks a process as an IPC child; the entrypoint checks it
// before running worker startup.
const ChildEnvVar = "CADENZA_IPC_CHILD"

// ProcOptions tunes supervision timing.
type ProcOptions struct {
	InitializeTimeout time.Duration
	CloseTimeout      time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	HighPingThreshold time.Duration
	LoggerOptions     LoggerOptions
}

// DefaultProcOptions matches production supervision timing.
var DefaultProcOptions = ProcOptions{
	InitializeTimeout: 10 * time.Second,
	CloseTimeout:      60 * time.Second,
	PingInterval:      2500 * time.Millisecond,
	PingTimeout:       90 * time.Second,
	HighPingThreshold: 500 * time.Millisecond,
}

// ProcHandle abstracts the underlying OS process so tests can supervise an
// in-memory fake.
type ProcHandle interface {
	// Kill force-terminates the process (SIGKILL).
	Kill() error

	// Exited is closed once the process has terminated.
	Exited() <-chan struct{}
}

// execHandle wraps a real exec.Cmd.
type execHandle struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func newExecHandle(cmd *exec.Cmd) (*execHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &execHandle{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Exited() <-chan struct{} { return h.exited }

// SupervisedProc is the parent side of one child job process: handshake,
// ping loop, watchdogs, job assignment, and shutdown. A SupervisedProc
// serves at most one job in its lifetime.
type SupervisedProc struct {
	opts   ProcOptions
	codec  *Codec
	handle ProcHandle
	logger *slog.Logger

	join *aio.Future[error]

	mu          sync.Mutex
	runningJob  *job.RunningJobInfo
	jobState    job.State
	shutdownReq bool
	initialized bool

	// pongReset feeds the ping watchdog; inference futures match responses
	// to in-flight requests.
	pongReset chan struct{}
	inference map[string]*aio.Future[InferenceResponse]

	doneCh   chan struct{} // child acknowledged shutdown
	killOnce sync.Once
}

// NewSupervisedProc creates a supervisor over an already-started process
// handle and its pipe codec. Use SpawnProc for the production fork path.
func NewSupervisedProc(codec *Codec, handle ProcHandle, opts ProcOptions) *SupervisedProc {
	return &SupervisedProc{
		opts:      opts,
		codec:     codec,
		handle:    handle,
		logger:    slog.Default(),
		join:      aio.NewFuture[error](),
		pongReset: make(chan struct{}, 1),
		inference: make(map[string]*aio.Future[InferenceResponse]),
		doneCh:    make(chan struct{}, 1),
	}
}

// SpawnProc forks the current executable as an IPC child and returns its
// supervisor. The child recognises itself via ChildEnvVar and runs
// RunChild instead of worker startup.
func SpawnProc(ctx context.Context, opts ProcOptions, extraEnv []string) (*SupervisedProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve executable: %w", err)
	}

	// Children inherit the parent's CLI args so they resolve the same
	// config file.
	cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), ChildEnvVar+"=1")
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdout pipe: %w", err)
	}

	handle, err := newExecHandle(cmd)
	if err != nil {
		return nil, fmt.Errorf("ipc: start child: %w", err)
	}
	return NewSupervisedProc(NewCodec(stdout, stdin), handle, opts), nil
}

// Initialize performs the handshake: send InitializeRequest, require an
// InitializeResponse within InitializeTimeout, then start the ping loop and
// read loop. Must be called exactly once, before LaunchJob.
func (p *SupervisedProc) Initialize(ctx context.Context) error {
	err := p.codec.Send(InitializeRequest{
		LoggerOptions:    p.opts.LoggerOptions,
		PingIntervalMs:   p.opts.PingInterval.Milliseconds(),
		PingTimeoutMs:    p.opts.PingTimeout.Milliseconds(),
		HighPingThreshMs: p.opts.HighPingThreshold.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("ipc: send initialize: %w", err)
	}

	type recvResult struct {
		msg any
		err error
	}
	first := make(chan recvResult, 1)
	go func() {
		msg, err := p.codec.Recv()
		first <- recvResult{msg, err}
	}()

	timer := time.NewTimer(p.opts.InitializeTimeout)
	defer timer.Stop()

	select {
	case res := <-first:
		if res.err != nil {
			return fmt.Errorf("ipc: handshake read: %w", res.err)
		}
		if _, ok := res.msg.(*InitializeResponse); !ok {
			p.kill()
			return ErrFirstMessageNotInitialize
		}
	case <-timer.C:
		p.kill()
		return ErrInitializeTimeout
	case <-ctx.Done():
		p.kill()
		return ctx.Err()
	case <-p.handle.Exited():
		return ErrUnexpectedExit
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	go p.readLoop()
	go p.pingLoop()
	go p.watchExit()
	return nil
}

// LaunchJob assigns the job to the child. The supervisor owns the job from
// here until Join resolves.
func (p *SupervisedProc) LaunchJob(info job.RunningJobInfo) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return errors.New("ipc: launch before initialize")
	}
	if p.runningJob != nil {
		p.mu.Unlock()
		return fmt.Errorf("ipc: proc already owns job %q", p.runningJob.Job.ID)
	}
	infoCopy := info
	p.runningJob = &infoCopy
	p.jobState = job.StateRunning
	p.mu.Unlock()

	if err := p.codec.Send(StartJobRequest{RunningJob: info}); err != nil {
		return fmt.Errorf("ipc: send start job: %w", err)
	}
	p.logger.Info("job launched on child process", "job_id", info.Job.ID, "room", info.Job.RoomName)
	return nil
}

// RunningJob returns the owned job, or nil.
func (p *SupervisedProc) RunningJob() *job.RunningJobInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runningJob == nil {
		return nil
	}
	cp := *p.runningJob
	return &cp
}

// JobState returns the supervised job's lifecycle state.
func (p *SupervisedProc) JobState() job.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobState
}

// DoInference dispatches one inference to the child's runner registry and
// waits for the matched response.
func (p *SupervisedProc) DoInference(ctx context.Context, method, requestID string, data []byte) ([]byte, error) {
	fut := aio.NewFuture[InferenceResponse]()
	p.mu.Lock()
	p.inference[requestID] = fut
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inference, requestID)
		p.mu.Unlock()
	}()

	err := p.codec.Send(InferenceRequest{Method: method, RequestID: requestID, Data: json.RawMessage(data)})
	if err != nil {
		return nil, fmt.Errorf("ipc: send inference: %w", err)
	}
	resp, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ipc: inference %q: %s", method, resp.Error)
	}
	return resp.Data, nil
}

// Shutdown asks the child to wind down and waits for its Done plus process
// exit, SIGKILLing after CloseTimeout.
func (p *SupervisedProc) Shutdown(ctx context.Context, reason string) error {
	p.mu.Lock()
	if p.shutdownReq {
		p.mu.Unlock()
		return p.waitJoin(ctx)
	}
	p.shutdownReq = true
	if p.jobState == job.StateRunning {
		p.jobState = job.StateShuttingDown
	}
	p.mu.Unlock()

	if err := p.codec.Send(ShutdownRequest{Reason: reason}); err != nil {
		// Pipe already broken: force-terminate.
		p.kill()
		return p.waitJoin(ctx)
	}

	timer := time.NewTimer(p.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-p.doneCh:
	case <-p.handle.Exited():
	case <-timer.C:
		p.logger.Warn("child shutdown overran close timeout, killing")
		p.kill()
	case <-ctx.Done():
		p.kill()
	}
	return p.waitJoin(ctx)
}

// Kill force-terminates the child immediately.
func (p *SupervisedProc) Kill() {
	p.kill()
}

// Join resolves when the child has reached a terminal state. The resolved
// error is nil for a clean shutdown.
func (p *SupervisedProc) Join(ctx context.Context) error {
	return p.waitJoin(ctx)
}

func (p *SupervisedProc) waitJoin(ctx context.Context) error {
	res, err := p.join.Wait(ctx)
	if err != nil {
		return err
	}
	return res
}

func (p *SupervisedProc) kill() {
	p.killOnce.Do(func() {
		if err := p.handle.Kill(); err != nil {
			p.logger.Warn("failed to kill child process", "error", err)
		}
	})
}

// readLoop dispatches child→parent messages until the pipe breaks.
func (p *SupervisedProc) readLoop() {
	for {
		msg, err := p.codec.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				p.logger.Warn("child pipe read failed", "error", err)
			}
			return
		}
		switch m := msg.(type) {
		case *PongResponse:
			rtt := time.Duration(time.Now().UnixMilli()-m.LastTimestamp) * time.Millisecond
			if rtt > p.opts.HighPingThreshold {
				p.logger.Warn("child ping round-trip above threshold",
					"rtt", rtt, "threshold", p.opts.HighPingThreshold)
			}
			select {
			case p.pongReset <- struct{}{}:
			default:
			}

		case *Done:
			p.mu.Lock()
			p.jobState = job.StateDone
			p.mu.Unlock()
			select {
			case p.doneCh <- struct{}{}:
			default:
			}

		case *Exiting:
			p.logger.Info("child announced exit", "reason", m.Reason)

		case *InferenceResponse:
			p.mu.Lock()
			fut := p.inference[m.RequestID]
			p.mu.Unlock()
			if fut != nil {
				fut.Resolve(*m)
			} else {
				p.logger.Warn("inference response with no in-flight request", "request_id", m.RequestID)
			}

		default:
			p.logger.Warn("unexpected message from child", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// pingLoop sends pings every PingInterval and kills the child when no pong
// arrives within PingTimeout.
func (p *SupervisedProc) pingLoop() {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	watchdog := time.NewTimer(p.opts.PingTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.codec.Send(PingRequest{Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-p.pongReset:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(p.opts.PingTimeout)
		case <-watchdog.C:
			p.logger.Error("child ping watchdog fired, killing process")
			p.kill()
			return
		case <-p.handle.Exited():
			return
		}
	}
}

// watchExit resolves the join future once the process terminates.
func (p *SupervisedProc) watchExit() {
	<-p.handle.Exited()

	p.mu.Lock()
	requested := p.shutdownReq
	p.jobState = job.StateDone
	p.runningJob = nil
	pending := p.inference
	p.inference = map[string]*aio.Future[InferenceResponse]{}
	p.mu.Unlock()

	for _, fut := range pending {
		fut.Reject(ErrUnexpectedExit)
	}

	if requested {
		p.join.Resolve(nil)
		return
	}
	p.logger.Warn("child process exited unexpectedly")
	p.join.Resolve(ErrUnexpectedExit)
}
