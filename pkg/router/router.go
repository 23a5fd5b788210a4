// Package router implements the gateway's request router: the
// three-phase ack protocol (ACK, in-process or task-backed processing,
// terminal success/error frame) driving every client request kind
// (spec §4.6).
package router

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
	"github.com/binance-signal/platform/pkg/wire"
)

// Sender is the subset of *hub.Hub the router needs: delivering frames
// and correlating async tasks back to the session that requested them.
// Expressed as an interface so router tests don't need a real hub (spec
// §9: "use interface abstraction" for the hub/registry/router cycle).
type Sender interface {
	Send(sessionID string, resp wire.Response) bool
	RegisterTask(taskID, requestID, sessionID string)
	ClearRequest(requestID string)
}

// SubscriptionRegistry is the subset of *registry.Registry the router
// drives on SUBSCRIBE/UNSUBSCRIBE.
type SubscriptionRegistry interface {
	Subscribe(ctx context.Context, sessionID, key string) error
	Unsubscribe(ctx context.Context, sessionID, key string) error
	UnsubscribeAll(ctx context.Context, sessionID string) []string
}

// MetricsProvider supplies the data for GET_METRICS; the gateway wires
// this to its own session count plus the adapter/worker health the
// metrics endpoint forwards (spec §6.4, GET_METRICS).
type MetricsProvider func() map[string]any

// Router holds every repository and collaborator a request handler
// might need. All fields are read-only after construction.
type Router struct {
	hub          Sender
	registry     SubscriptionRegistry
	publisher    *notify.Publisher
	tasks        *store.TaskStore
	klines       *store.KlineStore
	alerts       *store.AlertConfigStore
	signals      *store.SignalStore
	accounts     *store.AccountStore
	exchangeInfo *store.ExchangeInfoStore
	metrics      MetricsProvider

	supportedResolutions []string
	exchangeNames        []string
}

// Config bundles Router's collaborators.
type Config struct {
	Hub          Sender
	Registry     SubscriptionRegistry
	Publisher    *notify.Publisher
	Tasks        *store.TaskStore
	Klines       *store.KlineStore
	Alerts       *store.AlertConfigStore
	Signals      *store.SignalStore
	Accounts     *store.AccountStore
	ExchangeInfo *store.ExchangeInfoStore
	Metrics      MetricsProvider
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = func() map[string]any { return map[string]any{} }
	}
	return &Router{
		hub:                  cfg.Hub,
		registry:             cfg.Registry,
		publisher:            cfg.Publisher,
		tasks:                cfg.Tasks,
		klines:               cfg.Klines,
		alerts:               cfg.Alerts,
		signals:              cfg.Signals,
		accounts:             cfg.Accounts,
		exchangeInfo:         cfg.ExchangeInfo,
		metrics:              cfg.Metrics,
		supportedResolutions: []string{"1", "5", "15", "60", "240", "1D", "1W", "1M"},
		exchangeNames:        []string{"BINANCE"},
	}
}

// Handle implements hub.Router: it sends the unconditional ACK, then
// dispatches to the handler for req.Type. Cache-hit GET_KLINES still
// emits the ACK first (spec §4.6, testable property 4).
func (r *Router) Handle(ctx context.Context, sessionID string, req wire.Request) {
	r.hub.Send(sessionID, wire.Ack(req.RequestID, nowMillis()))

	var err error
	switch req.Type {
	case wire.ReqGetConfig:
		err = r.handleGetConfig(sessionID, req)
	case wire.ReqGetServerTime:
		err = r.handleGetServerTime(sessionID, req)
	case wire.ReqGetMetrics:
		err = r.handleGetMetrics(sessionID, req)
	case wire.ReqGetKlines:
		err = r.handleGetKlines(ctx, sessionID, req)
	case wire.ReqGetSearchSymbols:
		err = r.handleSearchSymbols(ctx, sessionID, req)
	case wire.ReqGetResolveSymbol:
		err = r.handleResolveSymbol(ctx, sessionID, req)
	case wire.ReqGetQuotes:
		err = r.handleGetQuotes(ctx, sessionID, req)
	case wire.ReqGetFuturesAccount:
		err = r.handleGetAccount(ctx, sessionID, req, store.AccountTypeFutures)
	case wire.ReqGetSpotAccount:
		err = r.handleGetAccount(ctx, sessionID, req, store.AccountTypeSpot)
	case wire.ReqSubscribe:
		err = r.handleSubscribe(ctx, sessionID, req)
	case wire.ReqUnsubscribe:
		err = r.handleUnsubscribe(ctx, sessionID, req)
	case wire.ReqCreateAlertConfig:
		err = r.handleCreateAlertConfig(ctx, sessionID, req)
	case wire.ReqListAlertConfigs:
		err = r.handleListAlertConfigs(ctx, sessionID, req)
	case wire.ReqUpdateAlertConfig:
		err = r.handleUpdateAlertConfig(ctx, sessionID, req)
	case wire.ReqDeleteAlertConfig:
		err = r.handleDeleteAlertConfig(ctx, sessionID, req)
	case wire.ReqEnableAlertConfig:
		err = r.handleSetAlertEnabled(ctx, sessionID, req, true)
	case wire.ReqDisableAlertConfig:
		err = r.handleSetAlertEnabled(ctx, sessionID, req, false)
	case wire.ReqListSignals:
		err = r.handleListSignals(sessionID, req)
	default:
		err = routerError{code: wire.ErrUnknownType, message: fmt.Sprintf("unknown request type %q", req.Type)}
	}

	if err != nil {
		r.sendError(sessionID, req.RequestID, err)
	}
}

// routerError carries a wire error code alongside its message so
// sendError doesn't have to guess at a code for handler failures.
type routerError struct {
	code    string
	message string
}

func (e routerError) Error() string { return e.message }

func invalidParams(msg string) error {
	return routerError{code: wire.ErrInvalidParameters, message: msg}
}

func notFound(code, msg string) error {
	return routerError{code: code, message: msg}
}

func internalErr(err error) error {
	return routerError{code: wire.ErrInternal, message: err.Error()}
}

func (r *Router) sendError(sessionID, requestID string, err error) {
	code := wire.ErrInternal
	if re, ok := err.(routerError); ok {
		code = re.code
	}
	slog.Warn("router: request failed", "request_id", requestID, "error", err)
	r.hub.Send(sessionID, wire.Error(requestID, code, err.Error(), nowMillis()))
	r.hub.ClearRequest(requestID)
}

func (r *Router) sendSuccess(sessionID, requestID, dataKind string, data any) {
	r.hub.Send(sessionID, wire.Success(requestID, dataKind, data, nowMillis()))
	r.hub.ClearRequest(requestID)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func newTaskID() string { return uuid.NewString() }

// enqueueTask persists taskType/payload, wraps it in a NOTIFY on
// task.new so the adapter's queue wakes immediately, and correlates the
// resulting task id back to this request (spec §4.2, §4.6). The task id
// is minted up front because PersistAndNotify encodes its NOTIFY payload
// before running persist, so the id can't come from the INSERT itself.
func (r *Router) enqueueTask(ctx context.Context, sessionID, requestID, taskType string, payload any) (string, error) {
	taskID := newTaskID()
	err := r.publisher.PersistAndNotify(ctx, notify.ChannelTaskNew, "task.new",
		map[string]any{"task_id": taskID, "type": taskType},
		func(ctx context.Context, tx *sql.Tx) error {
			return r.tasks.CreateWithID(ctx, tx, taskID, taskType, payload)
		})
	if err != nil {
		return "", internalErr(fmt.Errorf("enqueue %s task: %w", taskType, err))
	}
	r.hub.RegisterTask(taskID, requestID, sessionID)
	return taskID, nil
}
