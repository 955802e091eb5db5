// Package exchange defines the seam between the download engine and
// the upstream exchange API client, plus small helpers layered on it.
package exchange

import (
	"context"
	"sort"

	"histflow/models"
)

// Market describes one tradable instrument as reported by the
// exchange's metadata endpoint.
type Market struct {
	// Symbol is the unified form, e.g. "BTC/USDT:USDT".
	Symbol string
	// ID is the exchange-native identifier, e.g. "BTCUSDT".
	ID string
	// Type is the market category: "spot", "swap" or "future".
	Type string
	// Active reports whether the market is currently trading.
	Active bool
}

// Ticker is a 24h rolling statistics snapshot for one market.
type Ticker struct {
	Symbol      string
	Last        float64
	QuoteVolume float64
}

// Client is the upstream exchange collaborator. Implementations own
// the wire protocol, retry policy and upstream pagination semantics;
// the engine only assumes that each returned slice is ordered by
// timestamp and that an empty slice means the cursor is exhausted.
type Client interface {
	// Name returns the lower-case exchange identifier used in
	// partition file names.
	Name() string

	// LoadMarkets fetches the exchange market metadata.
	LoadMarkets(ctx context.Context) (map[string]Market, error)

	// FetchOHLCV returns up to limit bars of the given timeframe
	// starting at sinceMS (unix milliseconds).
	FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]models.Candle, error)

	// FetchTrades returns up to limit public trades starting at sinceMS.
	FetchTrades(ctx context.Context, symbol string, sinceMS int64, limit int) ([]models.Trade, error)

	// FetchFundingRateHistory returns funding events starting at
	// sinceMS, page size chosen by the provider.
	FetchFundingRateHistory(ctx context.Context, symbol string, sinceMS int64) ([]models.FundingRate, error)

	// FetchTickers returns 24h statistics keyed by unified symbol.
	FetchTickers(ctx context.Context) (map[string]Ticker, error)
}

// GetSymbols returns the unified symbols of every active market of the
// given type ("swap" by default upstream).
func GetSymbols(ctx context.Context, client Client, marketType string) ([]string, error) {
	markets, err := client.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.Type == marketType && m.Active {
			symbols = append(symbols, m.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetTickers returns tickers for markets of the given type whose 24h
// quote volume exceeds threshold, sorted descending by quote volume.
func GetTickers(ctx context.Context, client Client, threshold float64, marketType string) ([]Ticker, error) {
	markets, err := client.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := client.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Ticker, 0, len(tickers))
	for sym, t := range tickers {
		m, ok := markets[sym]
		if !ok || m.Type != marketType {
			continue
		}
		if t.QuoteVolume > threshold {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuoteVolume != out[j].QuoteVolume {
			return out[i].QuoteVolume > out[j].QuoteVolume
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}
