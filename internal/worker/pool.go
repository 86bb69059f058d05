// Package worker implements the long-running agent worker: the websocket
// registration with the dispatch server, job acceptance, and the pool of
// warmed child processes jobs are launched on.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cadenza-ai/cadenza/internal/ipc"
	"github.com/cadenza-ai/cadenza/internal/job"
	"github.com/cadenza-ai/cadenza/pkg/aio"
)

// ErrPoolClosed is returned by LaunchJob after Close.
var ErrPoolClosed = errors.New("worker: proc pool closed")

// SpawnFunc forks and returns one supervised child process. Injected so
// tests can supervise in-memory fakes.
type SpawnFunc func(ctx context.Context) (*ipc.SupervisedProc, error)

// PoolOptions tunes the warm-process pool.
type PoolOptions struct {
	// NumIdleProcesses is how many initialized children are kept warm,
	// ready to take a job with no fork/initialize latency.
	NumIdleProcesses int

	// Spawn forks one child. Defaults to ipc.SpawnProc with Proc options.
	Spawn SpawnFunc

	// Proc is the supervision timing passed to spawned children.
	Proc ipc.ProcOptions
}

// warmedProc pairs a ready executor with the release of its warm slot.
type warmedProc struct {
	proc        *ipc.SupervisedProc
	releaseSlot func()
}

// ProcPool keeps NumIdleProcesses children forked, initialized, and waiting.
// Launching a job consumes a warm child and immediately frees its slot so
// the replenisher starts another.
type ProcPool struct {
	opts PoolOptions

	// procSem caps concurrent warm executors; initMutex serializes the
	// fork+initialize critical section.
	procSem   *semaphore.Weighted
	initMutex *aio.Mutex
	warmed    *aio.Queue[warmedProc]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*ipc.SupervisedProc // job id → executor
	all    []*ipc.SupervisedProc
	closed bool
}

// NewProcPool creates a pool. Call Start to begin warming.
func NewProcPool(opts PoolOptions) *ProcPool {
	if opts.NumIdleProcesses < 1 {
		opts.NumIdleProcesses = 1
	}
	if opts.Spawn == nil {
		opts.Spawn = func(ctx context.Context) (*ipc.SupervisedProc, error) {
			// Children outlive the spawn context: pool close negotiates
			// shutdown over the pipe rather than killing via ctx.
			return ipc.SpawnProc(context.WithoutCancel(ctx), opts.Proc, nil)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcPool{
		opts:      opts,
		procSem:   semaphore.NewWeighted(int64(opts.NumIdleProcesses)),
		initMutex: aio.NewMutex(),
		warmed:    aio.NewQueue[warmedProc](),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*ipc.SupervisedProc),
	}
}

// Start launches the replenisher loop.
func (p *ProcPool) Start() {
	p.wg.Add(1)
	go p.spawnLoop()
}

// spawnLoop acquires a warm slot and starts a watch task for each, keeping
// exactly one warmed proc per available slot.
func (p *ProcPool) spawnLoop() {
	defer p.wg.Done()
	for {
		if err := p.procSem.Acquire(p.ctx, 1); err != nil {
			return
		}
		if p.ctx.Err() != nil {
			p.procSem.Release(1)
			return
		}
		p.wg.Add(1)
		go p.procWatchTask()
	}
}

// procWatchTask forks and initializes one child, parks it in the warmed
// queue, then babysits it until exit. The warm slot travels with the proc:
// it is released either by LaunchJob (handing the proc a job) or here when
// the proc dies unlaunched.
func (p *ProcPool) procWatchTask() {
	defer p.wg.Done()

	var released sync.Once
	release := func() { released.Do(func() { p.procSem.Release(1) }) }

	unlock, err := p.initMutex.Lock(p.ctx)
	if err != nil {
		release()
		return
	}

	proc, err := p.opts.Spawn(p.ctx)
	if err == nil {
		err = proc.Initialize(p.ctx)
	}
	unlock()

	if err != nil {
		slog.Warn("proc pool: failed to warm child process", "error", err)
		// Hold the slot through a short backoff so a persistent fork
		// failure does not spin the replenisher.
		select {
		case <-time.After(time.Second):
		case <-p.ctx.Done():
		}
		release()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		proc.Kill()
		release()
		return
	}
	p.all = append(p.all, proc)
	p.mu.Unlock()

	if err := p.warmed.Put(warmedProc{proc: proc, releaseSlot: release}); err != nil {
		proc.Kill()
		release()
		return
	}
	slog.Debug("child process warmed")

	// Babysit: when the proc exits, free its slot (if still warm) and drop
	// it from the tables so the replenisher starts a replacement.
	joinCtx := context.Background()
	_ = proc.Join(joinCtx)
	release()

	p.mu.Lock()
	for id, active := range p.active {
		if active == proc {
			delete(p.active, id)
		}
	}
	for i, q := range p.all {
		if q == proc {
			p.all = append(p.all[:i], p.all[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// LaunchJob blocks until a warmed executor is available, assigns the job to
// it, and frees the warm slot so the pool replenishes.
func (p *ProcPool) LaunchJob(ctx context.Context, info job.RunningJobInfo) (*ipc.SupervisedProc, error) {
	for {
		w, err := p.warmed.Get(ctx)
		if err != nil {
			if errors.Is(err, aio.ErrQueueClosed) {
				return nil, ErrPoolClosed
			}
			return nil, err
		}

		// A proc can die between warming and launch; its send fails and we
		// take the next one.
		if err := w.proc.LaunchJob(info); err != nil {
			slog.Warn("proc pool: warmed proc rejected job, trying another", "error", err)
			w.proc.Kill()
			w.releaseSlot()
			continue
		}
		w.releaseSlot()

		p.mu.Lock()
		p.active[info.Job.ID] = w.proc
		p.mu.Unlock()
		return w.proc, nil
	}
}

// Processes returns every live executor, warmed and active.
func (p *ProcPool) Processes() []*ipc.SupervisedProc {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ipc.SupervisedProc, len(p.all))
	copy(out, p.all)
	return out
}

// GetByJobID returns the executor holding the job, or nil.
func (p *ProcPool) GetByJobID(id string) *ipc.SupervisedProc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[id]
}

// WarmCount returns the number of procs currently parked and ready.
func (p *ProcPool) WarmCount() int {
	return p.warmed.Len()
}

// ActiveCount returns the number of procs serving jobs.
func (p *ProcPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close aborts the spawn loop, shuts down every warmed and active
// executor, and waits for all watch tasks.
func (p *ProcPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	procs := make([]*ipc.SupervisedProc, len(p.all))
	copy(procs, p.all)
	p.mu.Unlock()

	p.cancel()
	p.warmed.Close()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(proc *ipc.SupervisedProc) {
			defer wg.Done()
			_ = proc.Shutdown(ctx, "worker closing")
		}(proc)
	}
	wg.Wait()
	p.wg.Wait()
	return nil
}
