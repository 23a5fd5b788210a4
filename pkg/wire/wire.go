// Package wire defines the WebSocket protocol v2.0 framing exchanged
// between browser clients and the API gateway: the client request
// envelope, the three server response envelopes (ACK, success, error),
// and the unsolicited push envelope. See spec §6.1.
package wire

import "encoding/json"

// ProtocolVersion is the only version this gateway speaks.
const ProtocolVersion = "2.0"

// Frame types (the outer "type" field).
const (
	TypeACK    = "ACK"
	TypeError  = "ERROR"
	TypeUpdate = "UPDATE"
)

// Request kinds (§4.6).
const (
	ReqGetConfig          = "GET_CONFIG"
	ReqGetServerTime      = "GET_SERVER_TIME"
	ReqGetMetrics         = "GET_METRICS"
	ReqGetKlines          = "GET_KLINES"
	ReqGetSearchSymbols   = "GET_SEARCH_SYMBOLS"
	ReqGetResolveSymbol   = "GET_RESOLVE_SYMBOL"
	ReqGetQuotes          = "GET_QUOTES"
	ReqGetFuturesAccount  = "GET_FUTURES_ACCOUNT"
	ReqGetSpotAccount     = "GET_SPOT_ACCOUNT"
	ReqSubscribe          = "SUBSCRIBE"
	ReqUnsubscribe        = "UNSUBSCRIBE"
	ReqCreateAlertConfig  = "CREATE_ALERT_CONFIG"
	ReqListAlertConfigs   = "LIST_ALERT_CONFIGS"
	ReqUpdateAlertConfig  = "UPDATE_ALERT_CONFIG"
	ReqDeleteAlertConfig  = "DELETE_ALERT_CONFIG"
	ReqEnableAlertConfig  = "ENABLE_ALERT_CONFIG"
	ReqDisableAlertConfig = "DISABLE_ALERT_CONFIG"
	ReqListSignals        = "LIST_SIGNALS"
)

// Success data kinds (the "type" field of a terminal success frame).
const (
	DataKindKlines         = "KLINES_DATA"
	DataKindQuotes         = "QUOTES_DATA"
	DataKindConfig         = "CONFIG_DATA"
	DataKindSubscription   = "SUBSCRIPTION_DATA"
	DataKindServerTime     = "SERVER_TIME_DATA"
	DataKindMetrics        = "METRICS_DATA"
	DataKindSymbol         = "SYMBOL_DATA"
	DataKindSearchSymbols  = "SEARCH_SYMBOLS_DATA"
	DataKindAlertConfig    = "ALERT_CONFIG_DATA"
	DataKindSignal         = "SIGNAL_DATA"
	DataKindAccount        = "ACCOUNT_DATA"
)

// Error codes (§7).
const (
	ErrInvalidMessage      = "INVALID_MESSAGE"
	ErrUnknownType         = "UNKNOWN_TYPE"
	ErrInvalidParameters   = "INVALID_PARAMETERS"
	ErrAlertNotFound       = "ALERT_CONFIG_NOT_FOUND"
	ErrSymbolNotFound      = "SYMBOL_NOT_FOUND"
	ErrTaskFailed          = "TASK_FAILED"
	ErrRepositoryNotInit   = "REPOSITORY_NOT_INITIALIZED"
	ErrInternal            = "INTERNAL_ERROR"
)

// Request is the client -> server envelope.
type Request struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Type            string          `json:"type"`
	RequestID       string          `json:"requestId"`
	Timestamp       int64           `json:"timestamp"`
	Data            json.RawMessage `json:"data"`
}

// Response is the server -> client envelope shared by ACK, success, and
// error frames. RequestID is empty on unsolicited UPDATE pushes.
type Response struct {
	ProtocolVersion string `json:"protocolVersion"`
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	Data            any    `json:"data"`
}

// ErrorData is the Data payload of an ERROR frame.
type ErrorData struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// UpdateData is the Data payload of an unsolicited UPDATE push.
type UpdateData struct {
	SubscriptionKey string `json:"subscriptionKey"`
	Content         any    `json:"content"`
	EventType       string `json:"eventType,omitempty"`
}

// NowFunc is overridable in tests; defaults to wall-clock milliseconds at
// call sites via the helpers below.
type NowFunc func() int64

// Ack builds the phase-1 acknowledgement frame for a request. It is always
// sent immediately after a request parses successfully, even when the
// router can answer synchronously (spec §4.6 cache-hit rule).
func Ack(requestID string, nowMillis int64) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeACK,
		RequestID:       requestID,
		Timestamp:       nowMillis,
		Data:            struct{}{},
	}
}

// Success builds a phase-3 terminal success frame carrying a concrete data
// kind (KLINES_DATA, CONFIG_DATA, ...).
func Success(requestID, dataKind string, data any, nowMillis int64) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		Type:            dataKind,
		RequestID:       requestID,
		Timestamp:       nowMillis,
		Data:            data,
	}
}

// Error builds a phase-3 terminal error frame.
func Error(requestID, code, message string, nowMillis int64) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeError,
		RequestID:       requestID,
		Timestamp:       nowMillis,
		Data:            ErrorData{ErrorCode: code, ErrorMessage: message},
	}
}

// Update builds an unsolicited push frame. Unlike Ack/Success/Error it
// never carries a RequestID.
func Update(subscriptionKey string, content any, eventType string, nowMillis int64) Response {
	return Response{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeUpdate,
		Timestamp:       nowMillis,
		Data: UpdateData{
			SubscriptionKey: subscriptionKey,
			Content:         content,
			EventType:       eventType,
		},
	}
}
