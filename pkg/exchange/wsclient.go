package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one market-data message arriving on a stream this client is
// subscribed to. StreamName is the lowercased Binance stream name (e.g.
// "btcusdt@kline_1m"); Payload is the raw frame body.
type Event struct {
	StreamName string
	Payload    json.RawMessage
}

// streamMessage is Binance's combined-stream envelope: {"stream":...,
// "data":...}. Raw /ws connections (as opposed to /stream?streams=...)
// omit the wrapper and send the payload directly, so streamName is left
// empty and the caller must already know which subscription produced it;
// this client always dials the combined form to keep that mapping explicit.
type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// subscribeCommand is Binance's SUBSCRIBE/UNSUBSCRIBE control frame.
type subscribeCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// commandResponse is Binance's ack for a SUBSCRIBE/UNSUBSCRIBE command:
// {"result":null,"id":1} on success, {"error":{...},"id":1} on failure.
type commandResponse struct {
	Result any   `json:"result"`
	ID     int64 `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// StreamClient is a reconnecting Binance market-stream WebSocket client,
// grounded in the Home Assistant client's request/response correlation
// and reconnect-resubscribe pattern: a msgID counter pairs outbound
// SUBSCRIBE/UNSUBSCRIBE commands with their ack, and a tracked
// subscription set is replayed after every reconnect.
type StreamClient struct {
	url    string
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	msgID   atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]chan error

	subMu         sync.Mutex
	subscriptions map[string]bool

	events chan Event

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStreamClient builds a StreamClient dialing url (a Binance combined
// stream endpoint, e.g. wss://stream.binance.com:9443/stream).
func NewStreamClient(url string) *StreamClient {
	return &StreamClient{
		url:           url,
		dialer:        websocket.DefaultDialer,
		pending:       make(map[int64]chan error),
		subscriptions: make(map[string]bool),
		events:        make(chan Event, 256),
		stopCh:        make(chan struct{}),
	}
}

// Events returns the channel market-data frames arrive on.
func (c *StreamClient) Events() <-chan Event { return c.events }

// Connect dials the upstream and starts the read loop. The read loop
// owns reconnection for the remainder of the client's life; Connect only
// needs to succeed once.
func (c *StreamClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *StreamClient) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("exchange: dial %s: %w", c.url, err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Close tears down the connection and stops reconnecting.
func (c *StreamClient) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Subscribe adds streams to the live subscription set and sends a
// SUBSCRIBE command, waiting for Binance's ack.
func (c *StreamClient) Subscribe(ctx context.Context, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	if err := c.sendAndWait(ctx, "SUBSCRIBE", streams); err != nil {
		return err
	}
	c.subMu.Lock()
	for _, s := range streams {
		c.subscriptions[s] = true
	}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe removes streams from the live subscription set and sends
// an UNSUBSCRIBE command, waiting for Binance's ack.
func (c *StreamClient) Unsubscribe(ctx context.Context, streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	if err := c.sendAndWait(ctx, "UNSUBSCRIBE", streams); err != nil {
		return err
	}
	c.subMu.Lock()
	for _, s := range streams {
		delete(c.subscriptions, s)
	}
	c.subMu.Unlock()
	return nil
}

func (c *StreamClient) sendAndWait(ctx context.Context, method string, streams []string) error {
	id := c.msgID.Add(1)
	cmd := subscribeCommand{Method: method, Params: streams, ID: id}

	result := make(chan error, 1)
	c.pendMu.Lock()
	c.pending[id] = result
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("exchange: %s: not connected", method)
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("exchange: write %s command: %w", method, err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("exchange: %s ack timed out", method)
	}
}

// readLoop is the sole goroutine reading from the connection after Connect.
// It dispatches data frames to events and command acks to their waiter,
// reconnecting and replaying subscriptions on any read failure.
func (c *StreamClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			slog.Error("exchange: stream read failed", "url", c.url, "error", err)
			c.reconnect(ctx)
			continue
		}

		c.handleFrame(raw)
	}
}

func (c *StreamClient) handleFrame(raw []byte) {
	var ack commandResponse
	if err := json.Unmarshal(raw, &ack); err == nil && ack.ID != 0 {
		c.pendMu.Lock()
		waiter, ok := c.pending[ack.ID]
		c.pendMu.Unlock()
		if ok {
			if ack.Error != nil {
				waiter <- fmt.Errorf("binance: %d %s", ack.Error.Code, ack.Error.Msg)
			} else {
				waiter <- nil
			}
			return
		}
	}

	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Stream == "" {
		return
	}
	select {
	case c.events <- Event{StreamName: msg.Stream, Payload: msg.Data}:
	default:
		slog.Warn("exchange: event channel full, dropping frame", "stream", msg.Stream)
	}
}

// reconnect re-dials with backoff and replays every tracked subscription,
// matching the Home Assistant client's restoreSubscriptions step.
func (c *StreamClient) reconnect(ctx context.Context) {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			slog.Error("exchange: reconnect failed", "url", c.url, "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		c.subMu.Lock()
		streams := make([]string, 0, len(c.subscriptions))
		for s := range c.subscriptions {
			streams = append(streams, s)
		}
		c.subMu.Unlock()

		if len(streams) > 0 {
			if err := c.sendAndWait(ctx, "SUBSCRIBE", streams); err != nil {
				slog.Error("exchange: resubscribe after reconnect failed", "url", c.url, "error", err)
			}
		}
		slog.Info("exchange: stream reconnected", "url", c.url, "streams", len(streams))
		return
	}
}
