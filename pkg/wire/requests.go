package wire

// SubscribeData is the Data payload of SUBSCRIBE / UNSUBSCRIBE requests.
// All=true on UNSUBSCRIBE means "drop every subscription held by this
// session" and is equivalent to disconnect-time cleanup.
type SubscribeData struct {
	Subscriptions []string `json:"subscriptions"`
	All           bool     `json:"all,omitempty"`
}

// KlinesRequestData is the Data payload of GET_KLINES.
type KlinesRequestData struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"from_time"`
	ToTime   int64  `json:"to_time"`
}

// QuotesRequestData is the Data payload of GET_QUOTES.
type QuotesRequestData struct {
	Symbols []string `json:"symbols"`
}

// SearchSymbolsRequestData is the Data payload of GET_SEARCH_SYMBOLS.
type SearchSymbolsRequestData struct {
	Query string `json:"query"`
}

// ResolveSymbolRequestData is the Data payload of GET_RESOLVE_SYMBOL.
type ResolveSymbolRequestData struct {
	Symbol string `json:"symbol"`
}

// AlertConfigData is both the request payload for CREATE/UPDATE_ALERT_CONFIG
// and (a superset of) the ALERT_CONFIG_DATA response payload.
type AlertConfigData struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	StrategyType string         `json:"strategy_type"`
	Symbol       string         `json:"symbol"`
	Interval     string         `json:"interval"`
	TriggerType  string         `json:"trigger_type"`
	Params       map[string]any `json:"params"`
	IsEnabled    bool           `json:"is_enabled"`
	CreatedBy    string         `json:"created_by,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

// AlertConfigIDData identifies a single alert config by id, used by
// UPDATE/DELETE/ENABLE/DISABLE_ALERT_CONFIG requests.
type AlertConfigIDData struct {
	ID string `json:"id"`
}

// ListSignalsRequestData is the Data payload of LIST_SIGNALS.
type ListSignalsRequestData struct {
	AlertID string `json:"alert_id,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// KlinesResponseData is the Data payload of a KLINES_DATA response.
type KlinesResponseData struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Bars     []Bar   `json:"bars"`
}

// Bar is one OHLCV bar in a KLINES_DATA response.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ConfigResponseData is the Data payload of a CONFIG_DATA response
// (the TradingView-style datafeed configuration).
type ConfigResponseData struct {
	Type                  string         `json:"type"`
	SupportedResolutions  []string       `json:"supported_resolutions"`
	Exchanges             []ExchangeInfo `json:"exchanges"`
}

// ExchangeInfo is one entry of ConfigResponseData.Exchanges.
type ExchangeInfo struct {
	Name string `json:"name"`
}

// SubscriptionResponseData is the Data payload of a SUBSCRIPTION_DATA
// response to SUBSCRIBE/UNSUBSCRIBE.
type SubscriptionResponseData struct {
	Subscriptions []string `json:"subscriptions"`
}
