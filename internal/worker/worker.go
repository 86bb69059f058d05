package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/internal/ipc"
	"github.com/cadenza-ai/cadenza/internal/job"
	"github.com/cadenza-ai/cadenza/pkg/aio"
	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
)

// State tracks the worker lifecycle.
type State int

const (
	StateRegistering State = iota
	StateAvailable
	StateDraining
	StateClosed
)

// Options configures a Worker.
type Options struct {
	// URL is the dispatch server websocket endpoint.
	URL string

	// APIKey and APISecret authenticate the worker.
	APIKey    string
	APISecret string

	// AgentName is the agent this worker serves; the server routes jobs by
	// it.
	AgentName string

	// Version is reported at registration.
	Version string

	// MaxJobs caps concurrently running jobs. Zero means four times
	// NumIdleProcesses.
	MaxJobs int

	// AssignmentTimeout is how long to wait for the assignment after
	// accepting an availability request.
	AssignmentTimeout time.Duration

	// Pool tunes the warmed process pool.
	Pool PoolOptions
}

func (o *Options) withDefaults() {
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.AssignmentTimeout <= 0 {
		o.AssignmentTimeout = 7500 * time.Millisecond
	}
	if o.Pool.NumIdleProcesses <= 0 {
		o.Pool.NumIdleProcesses = 1
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = o.Pool.NumIdleProcesses * 4
	}
}

// Worker registers with the dispatch server, answers availability requests,
// and launches accepted jobs on warmed child processes.
type Worker struct {
	opts Options
	pool *ProcPool

	mu       sync.Mutex
	state    State
	workerID string
	pending  map[string]*aio.Future[dispatchMessage] // job id → assignment
	conn     *websocket.Conn

	closed  chan struct{}
	closeMu sync.Once
}

// New creates a Worker. Call Run to connect.
func New(opts Options) *Worker {
	opts.withDefaults()
	return &Worker{
		opts:    opts,
		pool:    NewProcPool(opts.Pool),
		pending: make(map[string]*aio.Future[dispatchMessage]),
		closed:  make(chan struct{}),
	}
}

// Processes lists every live child executor.
func (w *Worker) Processes() []*ipc.SupervisedProc {
	return w.pool.Processes()
}

// GetByJobID returns the executor holding the job, or nil.
func (w *Worker) GetByJobID(id string) *ipc.SupervisedProc {
	return w.pool.GetByJobID(id)
}

// ActiveJobs returns the number of jobs currently running.
func (w *Worker) ActiveJobs() int {
	return w.pool.ActiveCount()
}

// WarmProcesses returns the number of idle warmed children.
func (w *Worker) WarmProcesses() int {
	return w.pool.WarmCount()
}

// State returns the worker lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run connects to the dispatch server and serves until ctx is cancelled or
// Close is called. Connection loss is retried with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	w.pool.Start()

	retryOpts := aio.RetryOptions{MaxRetry: 1 << 30, RetryInterval: time.Second, MaxRetryInterval: 30 * time.Second}
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		default:
		}

		err := w.runConn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if w.State() == StateClosed {
			return nil
		}

		delay := aio.RetryInterval(retryOpts, attempt)
		slog.Warn("dispatch connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		}
	}
}

// runConn performs one register→serve cycle on a fresh socket.
func (w *Worker) runConn(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, w.opts.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + w.opts.APIKey + ":" + w.opts.APISecret},
		},
	})
	cancel()
	if err != nil {
		return cadenzaerr.NewAPIConnectionError("worker: dial dispatch server", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "worker closing")

	w.mu.Lock()
	w.conn = conn
	w.state = StateRegistering
	w.mu.Unlock()

	if err := w.send(ctx, dispatchMessage{
		Type:      msgRegister,
		AgentName: w.opts.AgentName,
		Version:   w.opts.Version,
	}); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("worker: read dispatch socket: %w", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			slog.Warn("worker: malformed dispatch message", "error", err)
			continue
		}
		if err := w.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg dispatchMessage) error {
	switch msg.Type {
	case msgRegistered:
		w.mu.Lock()
		w.workerID = msg.WorkerID
		if w.state == StateRegistering {
			w.state = StateAvailable
		}
		w.mu.Unlock()
		slog.Info("worker registered", "worker_id", msg.WorkerID, "agent", w.opts.AgentName)

	case msgAvailability:
		if msg.Job == nil {
			return nil
		}
		w.handleAvailability(ctx, *msg.Job)

	case msgAssignment:
		if msg.Job == nil {
			return nil
		}
		w.mu.Lock()
		fut := w.pending[msg.Job.ID]
		w.mu.Unlock()
		if fut == nil {
			slog.Warn("assignment for job this worker did not accept", "job_id", msg.Job.ID)
			return nil
		}
		fut.Resolve(msg)

	case msgTermination:
		if proc := w.pool.GetByJobID(msg.JobID); proc != nil {
			go func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), w.opts.Pool.Proc.CloseTimeout)
				defer cancel()
				_ = proc.Shutdown(shutdownCtx, "terminated by server")
			}()
		}

	default:
		slog.Debug("unhandled dispatch message", "type", msg.Type)
	}
	return nil
}

// handleAvailability answers one availability request and, on accept, waits
// for the assignment and launches the job.
func (w *Worker) handleAvailability(ctx context.Context, j job.Job) {
	w.mu.Lock()
	accept := w.state == StateAvailable && w.pool.ActiveCount() < w.opts.MaxJobs
	var fut *aio.Future[dispatchMessage]
	if accept {
		fut = aio.NewFuture[dispatchMessage]()
		w.pending[j.ID] = fut
	}
	w.mu.Unlock()

	if err := w.send(ctx, dispatchMessage{
		Type:      msgAvailabilityResponse,
		JobID:     j.ID,
		Available: accept,
	}); err != nil || !accept {
		return
	}

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.pending, j.ID)
			w.mu.Unlock()
		}()

		waitCtx, cancel := context.WithTimeout(ctx, w.opts.AssignmentTimeout)
		defer cancel()
		assignment, err := fut.Wait(waitCtx)
		if err != nil {
			aerr := &cadenzaerr.AssignmentTimeoutError{JobID: j.ID}
			slog.Warn("job assignment timed out", "job_id", j.ID, "error", aerr)
			return
		}

		info := job.RunningJobInfo{Job: j, Token: assignment.Token, URL: assignment.URL}
		proc, err := w.pool.LaunchJob(ctx, info)
		if err != nil {
			slog.Error("failed to launch job", "job_id", j.ID, "error", err)
			_ = w.send(ctx, dispatchMessage{Type: msgJobUpdate, JobID: j.ID, Status: "failed", Error: err.Error()})
			return
		}
		_ = w.send(ctx, dispatchMessage{Type: msgJobUpdate, JobID: j.ID, Status: "running"})

		// Report the terminal state when the child is done.
		err = proc.Join(context.Background())
		status := "done"
		var errText string
		if err != nil {
			status = "failed"
			errText = err.Error()
		}
		_ = w.send(ctx, dispatchMessage{Type: msgJobUpdate, JobID: j.ID, Status: status, Error: errText})
	}()
}

// send writes one message on the dispatch socket.
func (w *Worker) send(ctx context.Context, msg dispatchMessage) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("worker: not connected")
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Drain stops accepting new jobs and waits for running jobs to finish, up
// to ctx's deadline.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateDraining
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		_ = w.send(ctx, dispatchMessage{Type: msgWorkerStatus, Draining: true})
	}
	slog.Info("worker draining", "active_jobs", w.pool.ActiveCount())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for w.pool.ActiveCount() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains nothing: it shuts the pool down and closes the socket.
// Idempotent.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeMu.Do(func() {
		w.mu.Lock()
		w.state = StateClosed
		conn := w.conn
		w.conn = nil
		w.mu.Unlock()

		close(w.closed)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "worker closed")
		}
		err = w.pool.Close(ctx)
	})
	return err
}
