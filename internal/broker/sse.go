package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/recursive-emergence/terrascan/internal/timeutil"
)

// SSESession adapts an http.ResponseWriter/Request pair to the Session
// interface, grounded directly on the corpus's "tail" SSE handler: set
// text/event-stream headers, write "data: <json>\n\n" per message, flush
// after every write, and exit on request-context cancellation.
type SSESession struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// NewSSESession prepares w/r for Server-Sent Events and returns the
// Session adapter. The caller is expected to defer nothing further; the
// connection lifetime is governed entirely by r.Context().
func NewSSESession(w http.ResponseWriter, r *http.Request) (*SSESession, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("broker: ResponseWriter does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	return &SSESession{w: w, flusher: flusher, ctx: r.Context()}, nil
}

func (s *SSESession) Send(msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("broker: marshaling message: %w", err)
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSESession) Context() context.Context { return s.ctx }

// HeartbeatLoop periodically sends a heartbeat message and closes the
// session (by returning) if it has been idle — no live traffic sent —
// for longer than idleTimeout. Intended to run in its own goroutine
// alongside ReplayAndStream, sharing the same underlying session;
// callers coordinate shutdown via ctx.
func HeartbeatLoop(ctx context.Context, session Session, clock timeutil.Clock, interval, idleTimeout time.Duration, lastActivity func() time.Time) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Context().Done():
			return
		case <-ticker.C():
			if clock.Since(lastActivity()) > idleTimeout {
				return
			}
			if err := session.Send(Message{Type: MessageHeartbeat}); err != nil {
				return
			}
		}
	}
}
