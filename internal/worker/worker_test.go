package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/internal/job"
)

// dispatchServer is a scripted fake dispatch server.
type dispatchServer struct {
	t        *testing.T
	server   *httptest.Server
	incoming chan dispatchMessage
	conns    chan *websocket.Conn
}

func newDispatchServer(t *testing.T) *dispatchServer {
	t.Helper()
	ds := &dispatchServer{
		t:        t,
		incoming: make(chan dispatchMessage, 32),
		conns:    make(chan *websocket.Conn, 1),
	}
	ds.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ds.conns <- conn
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			msg, err := decodeMessage(data)
			if err != nil {
				continue
			}
			ds.incoming <- msg
		}
	}))
	t.Cleanup(ds.server.Close)
	return ds
}

func (ds *dispatchServer) url() string {
	return "ws" + strings.TrimPrefix(ds.server.URL, "http")
}

func (ds *dispatchServer) send(t *testing.T, conn *websocket.Conn, msg dispatchMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func (ds *dispatchServer) expect(t *testing.T, msgType string) dispatchMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ds.incoming:
			if msg.Type == msgType {
				return msg
			}
			// Unrelated traffic (status updates) is skipped.
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func TestWorkerRegistersAndRunsJob(t *testing.T) {
	t.Parallel()

	ds := newDispatchServer(t)
	spawner := &fakeSpawner{}

	w := New(Options{
		URL:       ds.url(),
		AgentName: "concierge",
		Pool:      PoolOptions{NumIdleProcesses: 1, Spawn: spawner.spawn},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	conn := <-ds.conns
	reg := ds.expect(t, msgRegister)
	if reg.AgentName != "concierge" {
		t.Fatalf("registered agent %q", reg.AgentName)
	}
	ds.send(t, conn, dispatchMessage{Type: msgRegistered, WorkerID: "w-1"})

	waitFor(t, 2*time.Second, func() bool { return w.State() == StateAvailable },
		"worker never became available")

	// Offer a job; the worker must accept and then launch on assignment.
	j := &job.Job{ID: "job-9", RoomName: "room-z"}
	ds.send(t, conn, dispatchMessage{Type: msgAvailability, Job: j})

	avail := ds.expect(t, msgAvailabilityResponse)
	if !avail.Available || avail.JobID != "job-9" {
		t.Fatalf("want acceptance of job-9, got %+v", avail)
	}

	ds.send(t, conn, dispatchMessage{Type: msgAssignment, Job: j, Token: "jwt", URL: "wss://media"})

	update := ds.expect(t, msgJobUpdate)
	if update.JobID != "job-9" || update.Status != "running" {
		t.Fatalf("want running update, got %+v", update)
	}
	if w.GetByJobID("job-9") == nil {
		t.Fatal("job table must hold the launched job")
	}
}

func TestWorkerDecliningWhileDraining(t *testing.T) {
	t.Parallel()

	ds := newDispatchServer(t)
	spawner := &fakeSpawner{}
	w := New(Options{
		URL:       ds.url(),
		AgentName: "concierge",
		Pool:      PoolOptions{NumIdleProcesses: 1, Spawn: spawner.spawn},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	conn := <-ds.conns
	ds.expect(t, msgRegister)
	ds.send(t, conn, dispatchMessage{Type: msgRegistered, WorkerID: "w-1"})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateAvailable }, "never available")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := w.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ds.send(t, conn, dispatchMessage{Type: msgAvailability, Job: &job.Job{ID: "late-job"}})
	resp := ds.expect(t, msgAvailabilityResponse)
	if resp.Available {
		t.Fatal("draining worker must decline availability requests")
	}
}

func TestAssignmentTimeout(t *testing.T) {
	t.Parallel()

	ds := newDispatchServer(t)
	spawner := &fakeSpawner{}
	w := New(Options{
		URL:               ds.url(),
		AgentName:         "concierge",
		AssignmentTimeout: 100 * time.Millisecond,
		Pool:              PoolOptions{NumIdleProcesses: 1, Spawn: spawner.spawn},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	conn := <-ds.conns
	ds.expect(t, msgRegister)
	ds.send(t, conn, dispatchMessage{Type: msgRegistered, WorkerID: "w-1"})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateAvailable }, "never available")

	// Accept but never assign: the attempt dies, the worker stays up.
	ds.send(t, conn, dispatchMessage{Type: msgAvailability, Job: &job.Job{ID: "ghost"}})
	ds.expect(t, msgAvailabilityResponse)

	time.Sleep(300 * time.Millisecond)
	if w.State() != StateAvailable {
		t.Fatalf("worker must survive an assignment timeout, state %v", w.State())
	}
	if w.GetByJobID("ghost") != nil {
		t.Fatal("unassigned job must not be tracked")
	}
}
