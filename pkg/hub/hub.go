package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/binance-signal/platform/pkg/wire"
)

// defaultWriteTimeout bounds a single frame write to a client.
const defaultWriteTimeout = 10 * time.Second

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Router handles one parsed client request against an already-accepted
// session. Implementations (pkg/router) are responsible for sending the
// ACK and any terminal frame via the Hub they were constructed with.
type Router interface {
	Handle(ctx context.Context, sessionID string, req wire.Request)
}

// SubscriptionCleaner removes every subscription a session held, run on
// disconnect (spec §4.5). pkg/registry.Registry satisfies this.
type SubscriptionCleaner interface {
	UnsubscribeAll(ctx context.Context, sessionID string) []string
}

// taskCorrelation is the value side of the task_id -> session_id map,
// carrying the originating request_id along so a terminal frame can be
// built once the async task completes (spec §4.5, §6.1).
type taskCorrelation struct {
	SessionID string
	RequestID string
}

// Hub owns every connected Session plus the two correlation maps the
// spec calls for: request_id -> session_id and task_id -> (session_id,
// request_id). Exactly one mutex guards all three; none of it is ever
// held across a network call (spec §5).
type Hub struct {
	router  Router
	cleaner SubscriptionCleaner
	writeTO time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	requests map[string]string          // request_id -> session_id
	tasks    map[string]taskCorrelation // task_id -> correlation
}

// New builds a Hub. router handles parsed requests; cleaner is notified
// on every session disconnect.
func New(router Router, cleaner SubscriptionCleaner) *Hub {
	return &Hub{
		router:   router,
		cleaner:  cleaner,
		writeTO:  defaultWriteTimeout,
		sessions: make(map[string]*Session),
		requests: make(map[string]string),
		tasks:    make(map[string]taskCorrelation),
	}
}

// Accept upgrades w/r to a WebSocket, registers a Session, and blocks
// running its read loop until the connection closes. Call this from the
// gateway's HTTP handler in its own goroutine per request (coder/websocket
// hands the upgraded conn back synchronously, mirroring the teacher's
// ConnectionManager.HandleConnection pattern).
func (h *Hub) Accept(parentCtx context.Context, w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) error {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return err
	}
	h.serve(parentCtx, conn)
	return nil
}

// serve runs a single session end to end: register, write loop, read
// loop, then unregister. It returns once the connection is gone.
func (h *Hub) serve(parentCtx context.Context, conn *websocket.Conn) {
	s := newSession(parentCtx, conn)
	h.register(s)
	log := slog.With("session_id", s.ID)
	log.Info("hub: session connected")

	var failOnce sync.Once
	onFailure := func() {
		failOnce.Do(func() {
			s.cancel()
		})
	}
	go s.writeLoop(h.writeTO, func() {
		s.failures++
		if s.failures >= maxSendFailures {
			onFailure()
		}
	})

	h.readLoop(s)

	s.cancel()
	<-s.done
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.unregister(s.ID)
	log.Info("hub: session disconnected")
}

// readLoop parses inbound frames and hands each to the router. It
// returns when the connection errors or closes.
func (h *Hub) readLoop(s *Session) {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("hub: read loop ending", "session_id", s.ID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendResponse(wire.Error("", wire.ErrInvalidMessage, "malformed request frame", nowMillis()))
			continue
		}
		if req.Type == "" || req.RequestID == "" {
			s.sendResponse(wire.Error(req.RequestID, wire.ErrInvalidMessage, "request missing type or requestId", nowMillis()))
			continue
		}

		h.RegisterRequest(req.RequestID, s.ID)
		h.router.Handle(s.ctx, s.ID, req)
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// unregister purges the session and every correlation entry that points
// at it, and runs the subscription cleanup callback (spec §4.5, §8
// property: "disconnect clears both correlation maps").
func (h *Hub) unregister(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	for reqID, sid := range h.requests {
		if sid == sessionID {
			delete(h.requests, reqID)
		}
	}
	for taskID, corr := range h.tasks {
		if corr.SessionID == sessionID {
			delete(h.tasks, taskID)
		}
	}
	h.mu.Unlock()

	if h.cleaner != nil {
		h.cleaner.UnsubscribeAll(context.Background(), sessionID)
	}
}

// RegisterRequest records that requestID belongs to sessionID, so a
// later async completion can be traced back. Idempotent.
func (h *Hub) RegisterRequest(requestID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests[requestID] = sessionID
}

// ClearRequest drops a request_id once its terminal frame has been
// sent, keeping the map bounded to in-flight requests.
func (h *Hub) ClearRequest(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.requests, requestID)
}

// RegisterTask records that taskID (enqueued on behalf of requestID by
// sessionID) should be routed back to that session when it completes
// (spec §4.6, §4.7).
func (h *Hub) RegisterTask(taskID, requestID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[taskID] = taskCorrelation{SessionID: sessionID, RequestID: requestID}
}

// ResolveTask looks up the session and originating request for a
// completed or failed task id, for use by pkg/dispatcher. ok is false
// if the session already disconnected or the task id is unknown.
func (h *Hub) ResolveTask(taskID string) (sessionID, requestID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	corr, found := h.tasks[taskID]
	if !found {
		return "", "", false
	}
	delete(h.tasks, taskID)
	return corr.SessionID, corr.RequestID, true
}

// Send delivers resp to sessionID's outbound queue. Returns false if the
// session is no longer connected or its queue is full.
func (h *Hub) Send(sessionID string, resp wire.Response) bool {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return s.sendResponse(resp)
}

// Broadcast delivers resp to every session whose id is in sessionIDs,
// snapshotting session pointers under the lock and sending outside it
// so one slow client can never stall the others (spec §4.7, §4.8).
func (h *Hub) Broadcast(sessionIDs []string, resp wire.Response) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if s, ok := h.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.sendResponse(resp)
	}
}

// ActiveSessions returns the number of currently connected sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
