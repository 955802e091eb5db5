// Package fetcher implements the incremental download engine: it
// walks a date range in partition-sized windows, paginates the
// upstream exchange client under a shared rate limit, and persists
// each window as a parquet partition.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"histflow/config"
	"histflow/exchange"
	"histflow/internal/partition"
	"histflow/internal/window"
	"histflow/logger"
	"histflow/models"
	"histflow/writer"
)

const day = 24 * time.Hour

// Request describes one download run.
type Request struct {
	DataTypes []models.DataType
	Symbols   []string
	// Start and End bound the requested range; partitions are aligned
	// windows so the fetched range may start earlier than Start.
	Start time.Time
	End   time.Time
	// CandleTimeframe overrides the configured default ("1m") for the
	// candles pipelines.
	CandleTimeframe string
}

// Fetcher drives one pipeline per (data type, symbol) pair, all
// gated by a single shared rate limiter.
type Fetcher struct {
	cfg     *config.Config
	log     *logger.Log
	client  exchange.Client
	limiter *rate.Limiter
	mirror  *writer.Mirror
	dir     string

	now func() time.Time
}

// New builds a Fetcher around the given exchange client. mirror may be
// nil when S3 mirroring is disabled.
func New(cfg *config.Config, log *logger.Log, client exchange.Client, mirror *writer.Mirror) *Fetcher {
	rl := cfg.Download.RateLimit
	limiter := rate.NewLimiter(rate.Limit(float64(rl.MaxCalls)/rl.Period.Seconds()), rl.MaxCalls)

	return &Fetcher{
		cfg:     cfg,
		log:     log,
		client:  client,
		limiter: limiter,
		mirror:  mirror,
		dir:     cfg.Download.Dir,
		now:     time.Now,
	}
}

// Fetch downloads every requested (data type, symbol) pair
// concurrently and returns once all pipelines have finished. A failed
// pipeline is logged and reported in the joined error without
// aborting its siblings.
func (f *Fetcher) Fetch(ctx context.Context, req Request) error {
	log := f.log.WithComponent("fetcher")

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	timeframe := req.CandleTimeframe
	if timeframe == "" {
		timeframe = f.cfg.Download.Candles.Timeframe
	}

	markets, err := f.client.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load markets: %w", err)
	}
	log.WithFields(logger.Fields{
		"exchange": f.client.Name(),
		"markets":  len(markets),
		"symbols":  req.Symbols,
	}).Info("starting download")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, dt := range req.DataTypes {
		for _, symbol := range req.Symbols {
			wg.Add(1)
			go func(dt models.DataType, symbol string) {
				defer wg.Done()
				if err := f.pipeline(ctx, dt, symbol, timeframe, req.Start, req.End); err != nil {
					log.WithError(err).WithFields(logger.Fields{
						"data_type": dt.String(),
						"symbol":    symbol,
					}).Error("pipeline failed")
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s %s: %w", dt, symbol, err))
					mu.Unlock()
				}
			}(dt, symbol)
		}
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (f *Fetcher) pipeline(ctx context.Context, dt models.DataType, symbol, timeframe string, start, end time.Time) error {
	switch dt {
	case models.Candles:
		return f.candles(ctx, symbol, timeframe, start, end)
	case models.Trades:
		return f.trades(ctx, symbol, start, end)
	case models.Funding:
		return f.funding(ctx, symbol, start, end)
	default:
		return fmt.Errorf("unknown data type %d", dt)
	}
}

// checkToProceed decides whether the window whose partition paths are
// given needs fetching. A pre-existing complete partition is final; a
// pre-existing incomplete one is deleted so the refetch replaces it
// wholesale.
func (f *Fetcher) checkToProceed(completePath, incompletePath string, log *logger.Entry) (bool, error) {
	if _, err := os.Stat(completePath); err == nil {
		log.Info("partition already exists, skipping")
		return false, nil
	}
	if _, err := os.Stat(incompletePath); err == nil {
		log.Debug("removing previously incomplete partition")
		if err := os.Remove(incompletePath); err != nil {
			return false, fmt.Errorf("failed to remove incomplete partition: %w", err)
		}
	}
	return true, nil
}

func (f *Fetcher) candles(ctx context.Context, symbol, timeframe string, start, end time.Time) error {
	granularity, err := window.FromLabel(timeframe)
	if err != nil {
		return err
	}
	step := window.PartitionLength(granularity)

	cursor := window.PeriodStart(granularity, start)
	for cursor.Before(end) {
		if err := f.candleWindow(ctx, symbol, timeframe, granularity, cursor, step); err != nil {
			return err
		}
		cursor = window.PeriodStart(granularity, cursor.Add(step))
	}
	return nil
}

func (f *Fetcher) candleWindow(ctx context.Context, symbol, timeframe string, granularity time.Duration, periodStart time.Time, step time.Duration) error {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"exchange":  f.client.Name(),
		"symbol":    symbol,
		"timeframe": timeframe,
		"window":    partition.DateToken(periodStart),
	})

	completePath := partition.FilePath(f.dir, f.client.Name(), models.Candles, timeframe, partition.DateToken(periodStart), symbol, false)
	incompletePath := partition.IncompleteSibling(completePath)
	proceed, err := f.checkToProceed(completePath, incompletePath, log)
	if err != nil || !proceed {
		return err
	}

	log.Debug("fetching candles")

	startTS := periodStart.UnixMilli()
	endTS := periodStart.Add(step).UnixMilli()
	granMS := granularity.Milliseconds()

	var rows []models.Candle
	currentTS := startTS
	for currentTS < endTS {
		limit := int((endTS-currentTS)/granMS) + 1
		page, err := fetchPage(ctx, f, func(callCtx context.Context) ([]models.Candle, error) {
			return f.client.FetchOHLCV(callCtx, symbol, timeframe, currentTS, limit)
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		rows = append(rows, page...)
		next := page[len(page)-1].Timestamp + 1
		if next <= currentTS {
			break
		}
		currentTS = next
	}

	kept := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp >= startTS && r.Timestamp < endTS {
			r.Exchange = f.client.Name()
			r.Symbol = symbol
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		log.Info("no candles found for window")
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })

	return persist(f, models.Candles, timeframe, periodStart, step, symbol, kept, log)
}

func (f *Fetcher) trades(ctx context.Context, symbol string, start, end time.Time) error {
	for cursor := start; cursor.Before(end); cursor = cursor.Add(day) {
		if err := f.tradeWindow(ctx, symbol, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) tradeWindow(ctx context.Context, symbol string, periodStart time.Time) error {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"exchange": f.client.Name(),
		"symbol":   symbol,
		"window":   partition.DateToken(periodStart),
	})

	completePath := partition.FilePath(f.dir, f.client.Name(), models.Trades, "", partition.DateToken(periodStart), symbol, false)
	incompletePath := partition.IncompleteSibling(completePath)
	proceed, err := f.checkToProceed(completePath, incompletePath, log)
	if err != nil || !proceed {
		return err
	}

	log.Debug("fetching trades")

	startTS := periodStart.UnixMilli()
	endTS := periodStart.Add(day).UnixMilli()
	pageLimit := f.cfg.Download.Trades.PageLimit

	var rows []models.Trade
	currentTS := startTS
	for currentTS < endTS {
		page, err := fetchPage(ctx, f, func(callCtx context.Context) ([]models.Trade, error) {
			return f.client.FetchTrades(callCtx, symbol, currentTS, pageLimit)
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		rows = append(rows, page...)
		next := page[len(page)-1].Timestamp + 1
		if next <= currentTS {
			break
		}
		currentTS = next
	}

	kept := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp >= startTS && r.Timestamp < endTS {
			r.Exchange = f.client.Name()
			r.Symbol = symbol
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		log.Info("no trades found for window")
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })

	return persist(f, models.Trades, "", periodStart, day, symbol, kept, log)
}

func (f *Fetcher) funding(ctx context.Context, symbol string, start, end time.Time) error {
	for cursor := start; cursor.Before(end); cursor = cursor.Add(day) {
		if err := f.fundingWindow(ctx, symbol, cursor); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) fundingWindow(ctx context.Context, symbol string, periodStart time.Time) error {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"exchange": f.client.Name(),
		"symbol":   symbol,
		"window":   partition.DateToken(periodStart),
	})

	completePath := partition.FilePath(f.dir, f.client.Name(), models.Funding, "", partition.DateToken(periodStart), symbol, false)
	incompletePath := partition.IncompleteSibling(completePath)
	proceed, err := f.checkToProceed(completePath, incompletePath, log)
	if err != nil || !proceed {
		return err
	}

	log.Debug("fetching funding rates")

	startTS := periodStart.UnixMilli()
	endTS := periodStart.Add(day).UnixMilli()

	var rows []models.FundingRate
	currentTS := startTS
	for currentTS < endTS {
		page, err := fetchPage(ctx, f, func(callCtx context.Context) ([]models.FundingRate, error) {
			return f.client.FetchFundingRateHistory(callCtx, symbol, currentTS)
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		rows = append(rows, page...)
		next := page[len(page)-1].Timestamp + 1
		if next <= currentTS {
			break
		}
		currentTS = next
	}

	kept := make([]models.FundingRate, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp >= startTS && r.Timestamp < endTS {
			r.Exchange = f.client.Name()
			r.Symbol = symbol
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		log.Info("no funding rates found for window")
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })

	return persist(f, models.Funding, "", periodStart, day, symbol, kept, log)
}

// fetchPage runs one upstream call under the shared rate limiter and
// the configured per-call timeout.
func fetchPage[T models.Record](ctx context.Context, f *Fetcher, call func(context.Context) ([]T, error)) ([]T, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx := ctx
	if f.cfg.Download.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.cfg.Download.Timeout)
		defer cancel()
	}
	return call(callCtx)
}

// persist writes the partition, re-deriving the incomplete marker from
// the current instant, and mirrors it to S3 when configured.
func persist[T models.Record](f *Fetcher, kind models.DataType, subKindID string, periodStart time.Time, step time.Duration, symbol string, rows []T, log *logger.Entry) error {
	path := partition.Path(f.dir, f.client.Name(), kind, subKindID, periodStart, step, symbol, f.now())
	if err := partition.Write(path, rows); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"rows": len(rows),
		"path": path,
	}).Info("partition written")

	f.log.LogMetric("fetcher", "partitions_written", int64(1), "counter", logger.Fields{"data_type": kind.String()})
	f.log.LogMetric("fetcher", "rows_written", int64(len(rows)), "counter", logger.Fields{"data_type": kind.String()})

	if f.mirror != nil {
		if err := f.mirror.Upload(context.Background(), path, f.client.Name(), kind, periodStart); err != nil {
			log.WithError(err).Warn("failed to mirror partition to S3")
		}
	}
	return nil
}
