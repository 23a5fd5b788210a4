// Package hub implements the gateway's WebSocket session hub: the
// accept loop, per-session outbound queue, and the two correlation maps
// that tie an async task or an in-flight request back to the session
// that should receive its terminal frame (spec §4.5).
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/binance-signal/platform/pkg/wire"
)

// outboundQueueSize bounds the per-session write queue. A slow or stuck
// client accumulates frames here rather than blocking the hub's
// notification fan-out (spec §4.5: "never block on a slow client").
const outboundQueueSize = 256

// maxSendFailures is how many write failures a session tolerates before
// the hub drops it (spec §4.5). Failures are counted over the session's
// lifetime; a successful write does not reset the count.
const maxSendFailures = 3

// Session is one connected client WebSocket. All fields besides the
// outbound channel and the failure counter are only ever touched by the
// hub under its own mutex; failures is updated by the session's own
// write loop. Session itself holds no lock.
type Session struct {
	ID   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte
	done     chan struct{}

	failures int
}

// newSession wraps conn in a Session with a fresh id and bounded
// outbound queue.
func newSession(parentCtx context.Context, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Session{
		ID:       uuid.NewString(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

// enqueue drops the frame if the outbound queue is full rather than
// block the caller (usually a broadcast fan-out goroutine). Returns
// false when the frame was dropped.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		slog.Warn("hub: outbound queue full, dropping frame", "session_id", s.ID)
		return false
	}
}

// writeLoop drains the outbound queue sequentially, giving this session
// total ordering of its own frames (spec §5). It exits when ctx is
// cancelled or the queue is closed, and reports send failures back to
// onFailure so the hub can decide to drop the session.
func (s *Session) writeLoop(writeTimeout time.Duration, onFailure func()) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Warn("hub: send failed", "session_id", s.ID, "error", err)
				onFailure()
			}
		}
	}
}

// sendResponse marshals and enqueues a wire.Response frame.
func (s *Session) sendResponse(resp wire.Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("hub: marshal response failed", "session_id", s.ID, "error", err)
		return false
	}
	return s.enqueue(data)
}
