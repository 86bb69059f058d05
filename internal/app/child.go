package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/ipc"
	"github.com/cadenza-ai/cadenza/internal/job"
	"github.com/cadenza-ai/cadenza/internal/mcp"
	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
	"github.com/cadenza-ai/cadenza/pkg/metrics/pgsink"
	"github.com/cadenza-ai/cadenza/pkg/rtc/wsroom"
	"github.com/cadenza-ai/cadenza/pkg/voice"
)

// ChildHandler implements ipc.JobHandler: it connects the room, builds the
// provider stack, and runs one voice session for the assigned job.
type ChildHandler struct {
	cfg *config.Config

	mu      sync.Mutex
	session *voice.AgentSession
	cleanup []func()
}

// NewChildHandler creates the handler a child process serves jobs with.
func NewChildHandler(cfg *config.Config) *ChildHandler {
	return &ChildHandler{cfg: cfg}
}

// RunChild is the child-process entrypoint: it speaks the supervised IPC
// protocol on stdio until shutdown.
func RunChild(ctx context.Context, cfg *config.Config) error {
	handler := NewChildHandler(cfg)
	codec := ipc.NewCodec(os.Stdin, os.Stdout)
	runner := ipc.NewChildRunner(codec, handler, nil)
	return runner.Run(ctx)
}

// StartJob implements ipc.JobHandler.
func (h *ChildHandler) StartJob(ctx context.Context, info job.RunningJobInfo) error {
	providers, err := BuildProviders(h.cfg)
	if err != nil {
		return fmt.Errorf("app: build providers: %w", err)
	}

	room, err := wsroom.Connect(ctx, wsroom.DialOptions{
		URL:      info.URL,
		Token:    info.Token,
		RoomName: info.Job.RoomName,
	})
	if err != nil {
		providers.Close()
		return fmt.Errorf("app: connect room %q: %w", info.Job.RoomName, err)
	}

	agent := &voice.Agent{
		Name:         h.cfg.Worker.AgentName,
		Instructions: h.cfg.Session.Instructions,
		OnEnter: func(ctx context.Context, sess *voice.AgentSession) {
			if _, err := sess.GenerateReply(voice.GenerateReplyOptions{
				Instructions: "Greet the user and offer your assistance.",
			}); err != nil && !errors.Is(err, voice.ErrSessionClosed) {
				slog.Warn("greeting failed", "err", err)
			}
		},
	}

	if len(h.cfg.MCP.Servers) > 0 {
		bridge := mcp.NewBridge()
		for _, srv := range h.cfg.MCP.Servers {
			if err := bridge.Connect(ctx, srv); err != nil {
				slog.Warn("mcp server unavailable", "server", srv.Name, "err", err)
			}
		}
		tools, err := voice.NewToolContext(bridge.FunctionTools()...)
		if err != nil {
			slog.Warn("mcp tool registration failed", "err", err)
		} else {
			agent.Tools = tools
		}
		h.addCleanup(func() { _ = bridge.Close() })
	}

	sc := h.cfg.Session
	sess := voice.NewAgentSession(voice.SessionOptions{
		STT:      providers.STT,
		LLM:      providers.LLM,
		TTS:      providers.TTS,
		Realtime: providers.Realtime,

		Language:                      sc.Language,
		AllowInterruptions:            sc.AllowInterruptions,
		DiscardAudioIfUninterruptible: sc.DiscardAudioUninterrupt,
		MinInterruptionDuration:       sc.MinInterruptionDuration,
		MinInterruptionWords:          sc.MinInterruptionWords,
		MinEndpointingDelay:           sc.MinEndpointingDelay,
		MaxEndpointingDelay:           sc.MaxEndpointingDelay,
		MaxToolSteps:                  sc.MaxToolSteps,
		PreemptiveGeneration:          sc.PreemptiveGeneration,
		UserAwayTimeout:               sc.UserAwayTimeout,
		UseTTSAlignedTranscript:       sc.UseTTSAlignedTranscript,
	})

	// Usage aggregation: fold session metrics, optionally persisting.
	collector := metrics.NewUsageCollector()
	events := sess.Events()
	go func() {
		for ev := range events {
			if ev.MetricsCollected != nil {
				collector.Collect(ev.MetricsCollected.Record)
			}
		}
	}()

	// Bridge pipeline latencies into the OTel instruments.
	if m, err := observe.NewMetrics(otel.GetMeterProvider()); err == nil {
		go m.BridgeSession(ctx, sess.Events())
	}
	if dsn := h.cfg.Usage.PostgresDSN; dsn != "" {
		store, err := pgsink.NewStore(ctx, dsn)
		if err != nil {
			slog.Warn("usage sink unavailable", "err", err)
		} else {
			go store.FlushLoop(ctx, h.cfg.Worker.AgentName, info.Job.ID, collector, h.cfg.Usage.FlushInterval)
			h.addCleanup(store.Close)
		}
	}

	if err := sess.Start(ctx, agent, voice.StartOptions{Room: room}); err != nil {
		providers.Close()
		_ = room.Close()
		return fmt.Errorf("app: start session: %w", err)
	}

	h.mu.Lock()
	h.session = sess
	h.mu.Unlock()
	h.addCleanup(providers.Close)

	slog.Info("session started", "job_id", info.Job.ID, "room", info.Job.RoomName)
	return nil
}

// OnShutdown implements ipc.JobHandler.
func (h *ChildHandler) OnShutdown(ctx context.Context, reason string) {
	h.mu.Lock()
	sess := h.session
	cleanup := h.cleanup
	h.session = nil
	h.cleanup = nil
	h.mu.Unlock()

	if sess != nil {
		_ = sess.Close(voice.CloseReasonJobShutdown, nil)
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	slog.Info("job shut down", "reason", reason)
}

func (h *ChildHandler) addCleanup(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanup = append(h.cleanup, fn)
}
