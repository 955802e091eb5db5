// Package binance adapts the go-binance USD-M futures client to the
// exchange.Client interface.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"histflow/exchange"
	"histflow/logger"
	"histflow/models"
)

// Client wraps a futures REST client. It implements exchange.Client
// for linear perpetual markets.
type Client struct {
	client *futures.Client
	log    *logger.Log
}

// New creates a Client with a pooled HTTP transport. Credentials are
// not required for the public market-data endpoints used here.
func New(log *logger.Log, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	log.WithComponent("binance").WithFields(logger.Fields{
		"timeout": timeout,
	}).Info("binance client initialized")

	return &Client{client: client, log: log}
}

func (c *Client) Name() string { return "binance" }

// marketID converts a unified symbol such as "BTC/USDT:USDT" to the
// exchange-native "BTCUSDT".
func marketID(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

func unifiedSymbol(s futures.Symbol) string {
	return fmt.Sprintf("%s/%s:%s", s.BaseAsset, s.QuoteAsset, s.QuoteAsset)
}

func (c *Client) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load binance markets: %w", err)
	}

	markets := make(map[string]exchange.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" {
			continue
		}
		m := exchange.Market{
			Symbol: unifiedSymbol(s),
			ID:     s.Symbol,
			Type:   "swap",
			Active: s.Status == "TRADING",
		}
		markets[m.Symbol] = m
	}
	return markets, nil
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]models.Candle, error) {
	klines, err := c.client.NewKlinesService().
		Symbol(marketID(symbol)).
		Interval(timeframe).
		StartTime(sinceMS).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			Timestamp: k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, sinceMS int64, limit int) ([]models.Trade, error) {
	aggTrades, err := c.client.NewAggTradesService().
		Symbol(marketID(symbol)).
		StartTime(sinceMS).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades for %s: %w", symbol, err)
	}

	trades := make([]models.Trade, 0, len(aggTrades))
	for _, t := range aggTrades {
		price := parseFloat(t.Price)
		amount := parseFloat(t.Quantity)
		side := "buy"
		if t.IsBuyerMaker {
			// Buyer was the maker, so the aggressor sold.
			side = "sell"
		}
		trades = append(trades, models.Trade{
			Timestamp: t.Timestamp,
			Side:      side,
			Price:     price,
			Amount:    amount,
			Cost:      price * amount,
		})
	}
	return trades, nil
}

func (c *Client) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMS int64) ([]models.FundingRate, error) {
	rates, err := c.client.NewFundingRateService().
		Symbol(marketID(symbol)).
		StartTime(sinceMS).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch funding rates for %s: %w", symbol, err)
	}

	events := make([]models.FundingRate, 0, len(rates))
	for _, r := range rates {
		events = append(events, models.FundingRate{
			Timestamp:   r.FundingTime,
			FundingRate: parseFloat(r.FundingRate),
		})
	}
	return events, nil
}

func (c *Client) FetchTickers(ctx context.Context) (map[string]exchange.Ticker, error) {
	stats, err := c.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch binance tickers: %w", err)
	}

	markets, err := c.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(markets))
	for sym, m := range markets {
		byID[m.ID] = sym
	}

	tickers := make(map[string]exchange.Ticker, len(stats))
	for _, s := range stats {
		sym, ok := byID[s.Symbol]
		if !ok {
			continue
		}
		tickers[sym] = exchange.Ticker{
			Symbol:      sym,
			Last:        parseFloat(s.LastPrice),
			QuoteVolume: parseFloat(s.QuoteVolume),
		}
	}
	return tickers, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
