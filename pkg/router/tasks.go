package router

// Task types the router enqueues for the exchange adapter to execute
// (spec §4.2, §4.10). These are the producer side; pkg/exchange's task
// executor registers handlers under these same names.
const (
	taskTypeGetKlines  = "get_klines"
	taskTypeGetQuotes  = "get_quotes"
	taskTypeGetAccount = "get_account"
)

// getKlinesPayload is the payload of a get_klines task: pull history
// starting at FromTime up to ToTime, Limit rows per upstream page
// (spec §4.10).
type getKlinesPayload struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"from_time"`
	ToTime   int64  `json:"to_time"`
	Limit    int    `json:"limit"`
}

// getQuotesPayload is the payload of a get_quotes task.
type getQuotesPayload struct {
	Symbols []string `json:"symbols"`
}

// getAccountPayload is the payload of a get_account task.
type getAccountPayload struct {
	AccountType string `json:"account_type"`
}
