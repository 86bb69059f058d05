package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/internal/job"
)

// OrphanTimeout is how long the child survives without a ping before
// assuming its parent died and exiting.
const OrphanTimeout = 15 * time.Second

// JobHandler is the application callback surface a child exposes.
type JobHandler interface {
	// StartJob begins serving the assigned job. It must return promptly,
	// running the session on its own goroutines; ctx is cancelled on
	// shutdown.
	StartJob(ctx context.Context, info job.RunningJobInfo) error

	// OnShutdown winds the job down; it should return once runners are
	// closed.
	OnShutdown(ctx context.Context, reason string)
}

// ChildRunner is the child side of the supervised pipe: it answers the
// handshake, keeps the orphan watchdog fed, relays job and shutdown
// requests to the JobHandler, and serves inference requests from its
// runner registry.
type ChildRunner struct {
	codec    *Codec
	handler  JobHandler
	registry *InferenceRegistry
	logger   *slog.Logger

	orphanReset chan struct{}
}

// NewChildRunner creates a ChildRunner. registry may be nil when the child
// hosts no inference runners.
func NewChildRunner(codec *Codec, handler JobHandler, registry *InferenceRegistry) *ChildRunner {
	return &ChildRunner{
		codec:       codec,
		handler:     handler,
		registry:    registry,
		logger:      slog.Default(),
		orphanReset: make(chan struct{}, 1),
	}
}

// Run drives the child until shutdown, parent loss, or pipe closure.
// It blocks; call it from the child process's main.
func (c *ChildRunner) Run(ctx context.Context) error {
	// Handshake: the parent speaks first.
	msg, err := c.codec.Recv()
	if err != nil {
		return fmt.Errorf("ipc child: handshake read: %w", err)
	}
	init, ok := msg.(*InitializeRequest)
	if !ok {
		return fmt.Errorf("ipc child: expected InitializeRequest, got %T", msg)
	}

	if c.registry != nil {
		if err := c.registry.Initialize(ctx); err != nil {
			return fmt.Errorf("ipc child: initialize runners: %w", err)
		}
	}

	if err := c.codec.Send(InitializeResponse{}); err != nil {
		return fmt.Errorf("ipc child: send initialize response: %w", err)
	}
	c.logger.Debug("child initialized",
		"ping_interval_ms", init.PingIntervalMs,
		"ping_timeout_ms", init.PingTimeoutMs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Orphan watchdog: armed at initialize, refreshed by every ping.
	orphanFired := make(chan struct{})
	go c.orphanWatchdog(ctx, orphanFired)

	type recvResult struct {
		msg any
		err error
	}
	msgs := make(chan recvResult)
	go func() {
		for {
			m, err := c.codec.Recv()
			msgs <- recvResult{m, err}
			if err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-orphanFired:
			c.logger.Error("no ping from parent, assuming orphaned, exiting")
			_ = c.codec.Send(Exiting{Reason: "orphaned"})
			return errors.New("ipc child: orphaned")

		case res := <-msgs:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("ipc child: read: %w", res.err)
			}

			switch m := res.msg.(type) {
			case *PingRequest:
				select {
				case c.orphanReset <- struct{}{}:
				default:
				}
				_ = c.codec.Send(PongResponse{
					LastTimestamp: m.Timestamp,
					Timestamp:     time.Now().UnixMilli(),
				})

			case *StartJobRequest:
				if err := c.handler.StartJob(ctx, m.RunningJob); err != nil {
					c.logger.Error("job start failed", "job_id", m.RunningJob.Job.ID, "error", err)
					_ = c.codec.Send(Exiting{Reason: "job start failed: " + err.Error()})
					return err
				}

			case *ShutdownRequest:
				c.handler.OnShutdown(ctx, m.Reason)
				_ = c.codec.Send(Done{})
				return nil

			case *InferenceRequest:
				wg.Add(1)
				go func(req *InferenceRequest) {
					defer wg.Done()
					c.serveInference(ctx, req)
				}(m)

			default:
				c.logger.Warn("unexpected message from parent", "type", fmt.Sprintf("%T", res.msg))
			}
		}
	}
}

func (c *ChildRunner) orphanWatchdog(ctx context.Context, fired chan<- struct{}) {
	timer := time.NewTimer(OrphanTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.orphanReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(OrphanTimeout)
		case <-timer.C:
			close(fired)
			return
		}
	}
}

func (c *ChildRunner) serveInference(ctx context.Context, req *InferenceRequest) {
	if c.registry == nil {
		_ = c.codec.Send(InferenceResponse{RequestID: req.RequestID, Error: "no inference runners loaded"})
		return
	}
	data, err := c.registry.Run(ctx, req.Method, req.Data)
	if err != nil {
		c.logger.Warn("inference failed", "method", req.Method, "error", err)
		_ = c.codec.Send(InferenceResponse{RequestID: req.RequestID, Error: err.Error()})
		return
	}
	_ = c.codec.Send(InferenceResponse{RequestID: req.RequestID, Data: data})
}
