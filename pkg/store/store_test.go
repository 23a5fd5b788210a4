//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/binance-signal/platform/pkg/database"
	"github.com/binance-signal/platform/pkg/store"
)

// newTestDB starts a disposable PostgreSQL container with migrations
// applied, matching pkg/database's own integration-test style.
func newTestDB(t *testing.T) *database.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test",
		SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRealtimeStore_SubscriptionLifecycle(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	rs := store.NewRealtimeStore(client.DB())

	created, err := rs.AddSubscription(ctx, "BINANCE:BTCUSDT@KLINE_1m", "KLINE", "session-a")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = rs.AddSubscription(ctx, "BINANCE:BTCUSDT@KLINE_1m", "KLINE", "session-b")
	require.NoError(t, err)
	assert.False(t, created, "second subscriber should not recreate the row")

	has, err := rs.HasSubscribers(ctx, "BINANCE:BTCUSDT@KLINE_1m")
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err := rs.RemoveSubscription(ctx, "BINANCE:BTCUSDT@KLINE_1m", "session-a")
	require.NoError(t, err)
	assert.False(t, deleted, "row survives while session-b remains")

	deleted, err = rs.RemoveSubscription(ctx, "BINANCE:BTCUSDT@KLINE_1m", "session-b")
	require.NoError(t, err)
	assert.True(t, deleted, "row is removed once the last subscriber leaves")

	_, err = rs.Get(ctx, "BINANCE:BTCUSDT@KLINE_1m")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskStore_ClaimIsExclusive(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	ts := store.NewTaskStore(client.DB())

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	id, err := ts.Create(ctx, tx, "get_klines", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	claimed, err := ts.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusProcessing, claimed.Status)

	_, err = ts.Claim(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound, "a second claim of the same task must fail")

	tx, err = client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ts.Complete(ctx, tx, id, map[string]int{"bars": 3}))
	require.NoError(t, tx.Commit())

	got, err := ts.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, got.Status)
}

func TestKlineStore_RangeAndEndpoints(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	ks := store.NewKlineStore(client.DB())

	for i := int64(0); i < 5; i++ {
		k := store.Kline{
			Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: 1000 + i*60000, CloseTime: 1000 + (i+1)*60000,
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(110),
			Low: decimal.NewFromInt(90), Close: decimal.NewFromInt(105),
			Volume: decimal.NewFromInt(10), QuoteVolume: decimal.NewFromInt(1000),
			Trades: 42, TakerBuyBaseVolume: decimal.NewFromInt(5), TakerBuyQuoteVolume: decimal.NewFromInt(500),
		}
		require.NoError(t, ks.Upsert(ctx, k))
	}

	bars, err := ks.Latest(ctx, "BTCUSDT", "1m", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].OpenTime < bars[1].OpenTime, "Latest must return ascending by open_time")

	fromExists, toExists, err := ks.Endpoints(ctx, "BTCUSDT", "1m", 1000, 1000+4*60000)
	require.NoError(t, err)
	assert.True(t, fromExists)
	assert.True(t, toExists)

	_, missingExists, err := ks.Endpoints(ctx, "BTCUSDT", "1m", 1000, 999999999)
	require.NoError(t, err)
	assert.False(t, missingExists)
}

func TestAlertConfigStore_CreateUpdateDelete(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	as := store.NewAlertConfigStore(client.DB())

	cfg := store.AlertConfig{
		ID: "cfg-1", Name: "BTC breakout", StrategyType: "random",
		Symbol: "BTCUSDT", Interval: "1m", TriggerType: "each_kline_close",
		Params: json.RawMessage(`{}`), IsEnabled: true,
	}
	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, as.Create(ctx, tx, cfg))
	require.NoError(t, tx.Commit())

	got, err := as.Get(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "BTC breakout", got.Name)

	matches, err := as.ListEnabledBySymbolInterval(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	tx, err = client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, as.Delete(ctx, tx, "cfg-1"))
	require.NoError(t, tx.Commit())

	_, err = as.Get(ctx, "cfg-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExchangeInfoStore_ResolveAndSearch(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	es := store.NewExchangeInfoStore(client.DB())

	require.NoError(t, es.Upsert(ctx, store.ExchangeSymbol{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: "TRADING",
		IsPerp: false, Data: json.RawMessage(`{}`),
	}))
	require.NoError(t, es.Upsert(ctx, store.ExchangeSymbol{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: "TRADING",
		IsPerp: true, Data: json.RawMessage(`{}`),
	}))

	spot, err := es.ResolveSymbol(ctx, "BINANCE:BTCUSDT", false)
	require.NoError(t, err)
	assert.Equal(t, "BTC", spot.BaseAsset)
	assert.False(t, spot.IsPerp)

	perp, err := es.ResolveSymbol(ctx, "BTCUSDT.PERP", true)
	require.NoError(t, err)
	assert.True(t, perp.IsPerp)

	results, err := es.SearchSymbols(ctx, "BTC", false, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	count, err := es.GetTotalCount(ctx, "BTC", false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = es.ResolveSymbol(ctx, "NOSUCH", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
