// Package apihttp exposes the viewer-facing HTTP surface (spec §6): the
// `<root>/tasks/...` REST namespace for creating and controlling scan
// tasks, and the SSE `stream` endpoint that drives one viewer session
// through internal/broker's replay-then-live handover.
//
// Grounded on cmd/radar/radar.go's plain http.ServeMux route-by-prefix
// style and internal/serialmux/serialmux.go's "tail" SSE handler
// (ping-then-stream-then-flush), composed here with internal/broker's
// ReplayAndStream and HeartbeatLoop running side by side over one
// session.
package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/recursive-emergence/terrascan/internal/broker"
	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/controller"
	"github.com/recursive-emergence/terrascan/internal/geo"
	"github.com/recursive-emergence/terrascan/internal/httputil"
	"github.com/recursive-emergence/terrascan/internal/monitoring"
	"github.com/recursive-emergence/terrascan/internal/timeutil"
)

// Options configures session-level timing (spec §6's configuration table).
type Options struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ProgressInterval  time.Duration
	// SessionBuffer bounds the per-session outbound message queue
	// (config's session_buffer), independent of the task's shared
	// bus_capacity: it decouples how fast this one viewer's network
	// connection can be written to from how fast the bus fans out
	// completed subtiles to every subscriber.
	SessionBuffer int
	Clock         timeutil.Clock
}

var logf = monitoring.Component("apihttp")

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 120 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 2 * time.Second
	}
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = 256
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// createRequest is the JSON body for POST /tasks.
type createRequest struct {
	Region  geo.Region `json:"region"`
	Grid    geo.Grid   `json:"grid"`
	Levels  int        `json:"levels"`
	Workers int        `json:"workers,omitempty"`
}

// Attach wires the public task-control and streaming routes onto mux.
func Attach(mux *http.ServeMux, svc *controller.Service, c cache.Cache, opts Options) {
	opts = opts.withDefaults()

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleCreate(w, r, svc)
		case http.MethodGet:
			httputil.WriteJSONOK(w, svc.List())
		default:
			httputil.MethodNotAllowed(w)
		}
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
		if rest == "" {
			httputil.BadRequest(w, "missing task id")
			return
		}
		parts := strings.SplitN(rest, "/", 2)
		taskID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			task, err := svc.Status(taskID)
			if err != nil {
				writeTaskError(w, err)
				return
			}
			httputil.WriteJSONOK(w, task)
			return
		}

		switch parts[1] {
		case "start":
			handleTransition(w, r, taskID, svc.Start)
		case "pause":
			handleTransition(w, r, taskID, svc.Pause)
		case "resume":
			handleTransition(w, r, taskID, svc.Resume)
		case "stop":
			handleTransition(w, r, taskID, svc.Stop)
		case "stream":
			handleStream(w, r, taskID, svc, c, opts)
		case "snapshot":
			handleSnapshot(w, r, taskID, svc)
		default:
			httputil.NotFound(w, "unknown task action")
		}
	})
}

func handleSnapshot(w http.ResponseWriter, r *http.Request, taskID string, svc *controller.Service) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	level := 0
	if v := r.URL.Query().Get("level"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			level = parsed
		}
	}
	png, err := svc.Snapshot(taskID, level)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func handleCreate(w http.ResponseWriter, r *http.Request, svc *controller.Service) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	task, err := svc.Create(controller.Params{
		Region:  req.Region,
		Grid:    req.Grid,
		Levels:  req.Levels,
		Workers: req.Workers,
	})
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

func handleTransition(w http.ResponseWriter, r *http.Request, taskID string, fn func(string) error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := fn(taskID); err != nil {
		writeTaskError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"task_id": taskID})
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch err {
	case controller.ErrTaskNotFound, controller.ErrBusGone:
		httputil.NotFound(w, err.Error())
	case controller.ErrAlreadyRunning, controller.ErrNotRunning, controller.ErrNotPaused, controller.ErrAlreadyTerminal:
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// trackingSession wraps a broker.Session, recording the time of its most
// recent successful Send so HeartbeatLoop's idle check has something to
// compare against — a session that's actively receiving tiles or
// progress updates is never "idle" even without client-side pings.
type trackingSession struct {
	broker.Session
	mu   sync.Mutex
	last time.Time
}

func newTrackingSession(s broker.Session, clock timeutil.Clock) *trackingSession {
	return &trackingSession{Session: s, last: clock.Now()}
}

func (t *trackingSession) Send(m broker.Message) error {
	if err := t.Session.Send(m); err != nil {
		return err
	}
	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *trackingSession) lastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// bufferedSession decouples how fast a session can be fed messages from
// how fast its underlying Session can write them to the network: Send
// enqueues onto a bounded, session-private queue and returns immediately,
// while a background pump drains it into the real Session.Send. A queue
// that fills (this one viewer's connection can't keep up with
// session_buffer's worth of backlog) is a hard disconnect, the same way a
// bus-level SlowConsumer is — the error returned from Send propagates out
// of broker.ReplayAndStream and ends the session.
type bufferedSession struct {
	broker.Session
	queue    chan broker.Message
	pumpDone chan struct{}
}

func newBufferedSession(ctx context.Context, s broker.Session, size int) *bufferedSession {
	bs := &bufferedSession{Session: s, queue: make(chan broker.Message, size), pumpDone: make(chan struct{})}
	go bs.pump(ctx)
	return bs
}

func (b *bufferedSession) Send(m broker.Message) error {
	select {
	case b.queue <- m:
		return nil
	default:
		return fmt.Errorf("apihttp: session_buffer exceeded, disconnecting slow viewer")
	}
}

// wait blocks until the pump has drained every message enqueued before
// ctx was canceled. The HTTP handler must call this before returning —
// an http.Handler's return ends the response, so any message still sitting
// in the queue at that point would otherwise never reach the client.
func (b *bufferedSession) wait() {
	<-b.pumpDone
}

func (b *bufferedSession) pump(ctx context.Context) {
	defer close(b.pumpDone)
	for {
		select {
		case m := <-b.queue:
			if err := b.Session.Send(m); err != nil {
				return
			}
		case <-ctx.Done():
			// drain whatever was already enqueued (e.g. a final "done"
			// sent in the same breath as cancellation) before exiting.
			for {
				select {
				case m := <-b.queue:
					_ = b.Session.Send(m)
				default:
					return
				}
			}
		}
	}
}

// handleStream drives one viewer session: replay-then-live tile
// forwarding, a periodic progress summary, and heartbeats, all sharing
// one SSE connection until the client disconnects or the task finishes.
func handleStream(w http.ResponseWriter, r *http.Request, taskID string, svc *controller.Service, c cache.Cache, opts Options) {
	task, err := svc.Status(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	b, err := svc.Bus(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	raw, err := broker.NewSSESession(w, r)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	buffered := newBufferedSession(ctx, raw, opts.SessionBuffer)
	session := newTrackingSession(buffered, opts.Clock)

	go broker.HeartbeatLoop(ctx, session, opts.Clock, opts.HeartbeatInterval, opts.IdleTimeout, session.lastActivity)
	go progressLoop(ctx, session, taskID, svc, opts.Clock, opts.ProgressInterval)
	go sendSnapshotReady(ctx, session, taskID, svc)

	streamErr := broker.ReplayAndStream(session, task, c, b)

	if streamErr == nil {
		if final, err := svc.Status(taskID); err == nil {
			_ = session.Send(broker.Message{Type: broker.MessageDone, Done: &broker.DonePayload{TaskID: final.TaskID}})
		}
	}
	cancel()
	buffered.wait()
}

// snapshotReadyLevel is the coarsest level, always level 0 by Plan's
// construction — the level a snapshot_ready base layer is rendered at
// (spec §4.6 item 5: "the most up-to-date snapshot at the coarsest
// level").
const snapshotReadyLevel = 0

// sendSnapshotReady renders (or reuses, per the Δn gate) a snapshot for
// the coarsest level in the background and announces it as soon as that
// render finishes, so the viewer gets a base layer to render under the
// incoming stream instead of a blank canvas. It runs concurrently with
// replay, so the announcement may arrive before, among, or after the
// replayed tiles. A render failure (e.g. nothing cached yet) just means no base
// layer this session — not fatal to the stream.
func sendSnapshotReady(ctx context.Context, session broker.Session, taskID string, svc *controller.Service) {
	if _, err := svc.Snapshot(taskID, snapshotReadyLevel); err != nil {
		logf("snapshot_ready render for %s: %v", taskID, err)
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}
	_ = session.Send(broker.Message{
		Type: broker.MessageSnapshotReady,
		SnapshotReady: &broker.SnapshotReadyPayload{
			Level: snapshotReadyLevel,
			URL:   fmt.Sprintf("/tasks/%s/snapshot?level=%d", taskID, snapshotReadyLevel),
		},
	})
}

func progressLoop(ctx context.Context, session broker.Session, taskID string, svc *controller.Service, clock timeutil.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Context().Done():
			return
		case <-ticker.C():
			task, err := svc.Status(taskID)
			if err != nil {
				logf("progress lookup for %s: %v", taskID, err)
				return
			}
			err = session.Send(broker.Message{
				Type: broker.MessageProgress,
				Progress: &broker.ProgressPayload{
					Scheduled: task.Counters.Scheduled,
					Completed: task.Counters.Completed,
					Positive:  task.Counters.Positive,
					Failed:    task.Counters.Failed,
					Status:    string(task.Status),
				},
			})
			if err != nil {
				return
			}
		}
	}
}
