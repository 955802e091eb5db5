package fetcher

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histflow/config"
	"histflow/exchange"
	"histflow/internal/partition"
	"histflow/internal/window"
	"histflow/logger"
	"histflow/models"
)

// mockClient serves canned candle/trade/funding series the way a
// paginated exchange API would: rows at or after the requested cursor,
// capped by the page limit.
type mockClient struct {
	mu      sync.Mutex
	name    string
	candles map[string][]models.Candle
	trades  map[string][]models.Trade
	funding map[string][]models.FundingRate

	ohlcvCalls int
	tradeCalls int
	fundCalls  int
}

func newMockClient() *mockClient {
	return &mockClient{
		name:    "testex",
		candles: make(map[string][]models.Candle),
		trades:  make(map[string][]models.Trade),
		funding: make(map[string][]models.FundingRate),
	}
}

func (m *mockClient) Name() string { return m.name }

func (m *mockClient) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	return map[string]exchange.Market{
		"BTC/USDT": {Symbol: "BTC/USDT", ID: "BTCUSDT", Type: "swap", Active: true},
	}, nil
}

func (m *mockClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ohlcvCalls++
	var page []models.Candle
	for _, c := range m.candles[symbol] {
		if c.Timestamp >= sinceMS {
			page = append(page, c)
			if len(page) >= limit {
				break
			}
		}
	}
	return page, nil
}

func (m *mockClient) FetchTrades(ctx context.Context, symbol string, sinceMS int64, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradeCalls++
	var page []models.Trade
	for _, t := range m.trades[symbol] {
		if t.Timestamp >= sinceMS {
			page = append(page, t)
			if len(page) >= limit {
				break
			}
		}
	}
	return page, nil
}

func (m *mockClient) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMS int64) ([]models.FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundCalls++
	var page []models.FundingRate
	for _, f := range m.funding[symbol] {
		if f.Timestamp >= sinceMS {
			page = append(page, f)
			if len(page) >= 100 {
				break
			}
		}
	}
	return page, nil
}

func (m *mockClient) FetchTickers(ctx context.Context) (map[string]exchange.Ticker, error) {
	return nil, nil
}

func minuteCandles(start time.Time, n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		ts := start.Add(time.Duration(i) * time.Minute).UnixMilli()
		candles[i] = models.Candle{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1}
	}
	return candles
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Download.Dir = dir
	cfg.Download.RateLimit = config.RateLimitConfig{MaxCalls: 10000, Period: time.Second}
	return cfg
}

func newTestFetcher(t *testing.T, client exchange.Client, now time.Time) *Fetcher {
	t.Helper()
	f := New(testConfig(t.TempDir()), logger.GetLogger(), client, nil)
	f.now = func() time.Time { return now }
	return f
}

var sept1 = time.Date(2023, time.September, 1, 0, 0, 0, 0, time.UTC)

func TestFetchCandlesWritesDailyPartition(t *testing.T) {
	client := newMockClient()
	client.candles["BTC/USDT"] = minuteCandles(sept1, 3*1440) // three days of bars

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes: []models.DataType{models.Candles},
		Symbols:   []string{"BTC/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	path := partition.FilePath(f.dir, "testex", models.Candles, "1m", "2023-09-01", "BTC/USDT", false)
	require.FileExists(t, path)

	rows, err := partition.Read[models.Candle](path)
	require.NoError(t, err)
	assert.Len(t, rows, 1440)

	startTS := sept1.UnixMilli()
	endTS := sept1.AddDate(0, 0, 1).UnixMilli()
	for _, r := range rows {
		assert.GreaterOrEqual(t, r.Timestamp, startTS)
		assert.Less(t, r.Timestamp, endTS)
		assert.Equal(t, "testex", r.Exchange)
		assert.Equal(t, "BTC/USDT", r.Symbol)
	}
}

func TestFetchIsIdempotent(t *testing.T) {
	client := newMockClient()
	client.candles["BTC/USDT"] = minuteCandles(sept1, 1440)

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	req := Request{
		DataTypes: []models.DataType{models.Candles},
		Symbols:   []string{"BTC/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	}
	require.NoError(t, f.Fetch(context.Background(), req))

	callsAfterFirst := client.ohlcvCalls
	require.NoError(t, f.Fetch(context.Background(), req))
	assert.Equal(t, callsAfterFirst, client.ohlcvCalls, "second fetch should skip the existing partition")
}

func TestFetchMarksInProgressWindowIncomplete(t *testing.T) {
	client := newMockClient()
	client.candles["BTC/USDT"] = minuteCandles(sept1, 720) // half a day so far

	noon := sept1.Add(12 * time.Hour)
	f := newTestFetcher(t, client, noon)
	req := Request{
		DataTypes: []models.DataType{models.Candles},
		Symbols:   []string{"BTC/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	}
	require.NoError(t, f.Fetch(context.Background(), req))

	completePath := partition.FilePath(f.dir, "testex", models.Candles, "1m", "2023-09-01", "BTC/USDT", false)
	incompletePath := partition.IncompleteSibling(completePath)
	require.FileExists(t, incompletePath)
	assert.NoFileExists(t, completePath)

	// Refetch after the window has elapsed: the incomplete partition
	// is replaced by a complete one holding the full day.
	client.candles["BTC/USDT"] = minuteCandles(sept1, 1440)
	f.now = func() time.Time { return sept1.AddDate(0, 0, 2) }
	require.NoError(t, f.Fetch(context.Background(), req))

	require.FileExists(t, completePath)
	assert.NoFileExists(t, incompletePath)

	rows, err := partition.Read[models.Candle](completePath)
	require.NoError(t, err)
	assert.Len(t, rows, 1440)
}

func TestFetchSkipsEmptyWindows(t *testing.T) {
	client := newMockClient()

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes: []models.DataType{models.Candles, models.Trades, models.Funding},
		Symbols:   []string{"BTC/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "empty windows must not be persisted")
}

func TestFetchRejectsBadTimeframe(t *testing.T) {
	client := newMockClient()
	client.candles["BTC/USDT"] = minuteCandles(sept1, 10)

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes:       []models.DataType{models.Candles},
		Symbols:         []string{"BTC/USDT"},
		Start:           sept1,
		End:             sept1.AddDate(0, 0, 1),
		CandleTimeframe: "2x",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, window.ErrBadTimeframe)
}

func TestFetchPipelineFailureDoesNotAbortSiblings(t *testing.T) {
	client := newMockClient()
	client.candles["BTC/USDT"] = minuteCandles(sept1, 1440)
	client.trades["BTC/USDT"] = []models.Trade{
		{Timestamp: sept1.Add(time.Minute).UnixMilli(), Side: "buy", Price: 100, Amount: 1, Cost: 100},
	}

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes:       []models.DataType{models.Candles, models.Trades},
		Symbols:         []string{"BTC/USDT"},
		Start:           sept1,
		End:             sept1.AddDate(0, 0, 1),
		CandleTimeframe: "2x", // candles pipeline fails fast
	})
	require.Error(t, err)

	tradesPath := partition.FilePath(f.dir, "testex", models.Trades, "", "2023-09-01", "BTC/USDT", false)
	assert.FileExists(t, tradesPath, "trades pipeline should finish despite candles failure")
}

func TestFetchConcurrentSymbolsWriteDistinctPartitions(t *testing.T) {
	client := newMockClient()
	client.trades["BTC/USDT"] = []models.Trade{
		{Timestamp: sept1.Add(time.Second).UnixMilli(), Side: "buy", Price: 100, Amount: 1, Cost: 100},
		{Timestamp: sept1.Add(time.Second).UnixMilli(), Side: "sell", Price: 100, Amount: 2, Cost: 200},
	}
	client.trades["ETH/USDT"] = []models.Trade{
		{Timestamp: sept1.Add(2 * time.Second).UnixMilli(), Side: "sell", Price: 10, Amount: 5, Cost: 50},
	}

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes: []models.DataType{models.Trades},
		Symbols:   []string{"BTC/USDT", "ETH/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	for _, symbol := range []string{"BTC/USDT", "ETH/USDT"} {
		path := partition.FilePath(f.dir, "testex", models.Trades, "", "2023-09-01", symbol, false)
		require.FileExists(t, path)
		rows, err := partition.Read[models.Trade](path)
		require.NoError(t, err)
		for _, r := range rows {
			assert.Equal(t, symbol, r.Symbol)
		}
	}
}

func TestFetchFundingWindow(t *testing.T) {
	client := newMockClient()
	events := make([]models.FundingRate, 3)
	for i := range events {
		events[i] = models.FundingRate{
			Timestamp:   sept1.Add(time.Duration(i) * 8 * time.Hour).UnixMilli(),
			FundingRate: 0.0001,
		}
	}
	client.funding["BTC/USDT"] = events

	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes: []models.DataType{models.Funding},
		Symbols:   []string{"BTC/USDT"},
		Start:     sept1,
		End:       sept1.AddDate(0, 0, 1),
	})
	require.NoError(t, err)

	path := partition.FilePath(f.dir, "testex", models.Funding, "", "2023-09-01", "BTC/USDT", false)
	require.FileExists(t, path)
	rows, err := partition.Read[models.FundingRate](path)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCheckToProceedRemovesIncomplete(t *testing.T) {
	dir := t.TempDir()
	complete := partition.FilePath(dir, "testex", models.Candles, "1m", "2023-09-01", "BTC/USDT", false)
	incomplete := partition.IncompleteSibling(complete)
	require.NoError(t, os.WriteFile(incomplete, []byte("stale"), 0o644))

	f := newTestFetcher(t, newMockClient(), sept1)
	proceed, err := f.checkToProceed(complete, incomplete, f.log.WithComponent("test"))
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.NoFileExists(t, incomplete)

	require.NoError(t, os.WriteFile(complete, []byte("done"), 0o644))
	proceed, err = f.checkToProceed(complete, incomplete, f.log.WithComponent("test"))
	require.NoError(t, err)
	assert.False(t, proceed)
}

func TestJoinedErrorsReportEveryFailedPipeline(t *testing.T) {
	client := newMockClient()
	f := newTestFetcher(t, client, sept1.AddDate(0, 0, 10))
	err := f.Fetch(context.Background(), Request{
		DataTypes:       []models.DataType{models.Candles},
		Symbols:         []string{"BTC/USDT", "ETH/USDT"},
		Start:           sept1,
		End:             sept1.AddDate(0, 0, 1),
		CandleTimeframe: "2x",
	})
	require.Error(t, err)
	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 2)
}
