package notify

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateIfNeeded_PassesThroughSmallPayload(t *testing.T) {
	small := []byte(`{"event_id":"abc","event_type":"realtime.update","data":{"price":1}}`)
	out, err := truncateIfNeeded(small)
	require.NoError(t, err)
	assert.Equal(t, string(small), out)
}

func TestTruncateIfNeeded_TruncatesOversizedPayload(t *testing.T) {
	big := map[string]any{
		"event_id":   "evt-1",
		"event_type": "realtime.update",
		"data": map[string]any{
			"subscription_key": "BINANCE:BTCUSDT@KLINE_1",
			"filler":           strings.Repeat("x", notifyByteLimit+500),
		},
	}
	raw, err := json.Marshal(big)
	require.NoError(t, err)
	require.Greater(t, len(raw), notifyByteLimit)

	out, err := truncateIfNeeded(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), notifyByteLimit)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "evt-1", decoded["event_id"])
	assert.Equal(t, "realtime.update", decoded["event_type"])

	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok, "truncated envelope must nest routing fields under data, like a full envelope")
	assert.Equal(t, true, data["truncated"])
	assert.Equal(t, "BINANCE:BTCUSDT@KLINE_1", data["subscription_key"])
	_, hasFiller := data["filler"]
	assert.False(t, hasFiller, "truncated envelope must drop the original oversized content")
}

func TestBuildTruncatedPayload_RejectsMalformedJSON(t *testing.T) {
	_, err := buildTruncatedPayload([]byte("not json"))
	assert.Error(t, err)
}

// TestBuildTruncatedPayload_ConsumerDecodeShape locks in the
// producer-to-consumer contract: the dispatcher and signalengine both
// decode a realtime.update envelope with the routing fields nested
// under "data" (see dispatcher.realtimeEventData), so a truncated
// envelope must decode into that exact shape with Truncated==true and
// SubscriptionKey populated, not left zero-valued.
func TestBuildTruncatedPayload_ConsumerDecodeShape(t *testing.T) {
	big := map[string]any{
		"event_id":   "evt-2",
		"event_type": "realtime.update",
		"data": map[string]any{
			"subscription_key": "BINANCE:ETHUSDT@QUOTES",
			"data_type":        "QUOTES",
			"data":             strings.Repeat("y", notifyByteLimit+200),
		},
	}
	raw, err := json.Marshal(big)
	require.NoError(t, err)

	out, err := truncateIfNeeded(raw)
	require.NoError(t, err)

	var consumer struct {
		Data struct {
			SubscriptionKey string `json:"subscription_key"`
			Truncated       bool   `json:"truncated"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &consumer))
	assert.True(t, consumer.Data.Truncated)
	assert.Equal(t, "BINANCE:ETHUSDT@QUOTES", consumer.Data.SubscriptionKey)
}
