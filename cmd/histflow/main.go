package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"histflow/config"
	"histflow/exchange"
	"histflow/exchange/binance"
	"histflow/fetcher"
	"histflow/logger"
	"histflow/models"
	"histflow/store"
	"histflow/writer"
)

const dateLayout = "2006-01-02"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	exchangeName := flag.String("exchange", "binance", "Exchange to download from")
	symbolsArg := flag.String("symbols", "", "Comma-separated unified symbols, e.g. BTC/USDT:USDT")
	typesArg := flag.String("types", "candles", "Comma-separated data types: candles,trades,funding")
	startArg := flag.String("start", "", "Start date (YYYY-MM-DD)")
	endArg := flag.String("end", "", "End date (YYYY-MM-DD)")
	timeframe := flag.String("timeframe", "", "Candle timeframe, e.g. 1m, 4h")
	downloadDir := flag.String("dir", "", "Download directory override")
	listSymbols := flag.Bool("list-symbols", false, "List swap symbols and exit")
	loadMode := flag.Bool("load", false, "Summarize already-downloaded data instead of fetching")
	includeIncomplete := flag.Bool("include-incomplete", false, "Include incomplete partitions when loading")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Error("Failed to load configuration")
			os.Exit(1)
		}
	}
	if *downloadDir != "" {
		cfg.Download.Dir = *downloadDir
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Histflow.Name,
		"version": cfg.Histflow.Version,
	}).Info("starting histflow")

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *exchangeName != "binance" {
		log.WithFields(logger.Fields{"exchange": *exchangeName}).Error("unsupported exchange")
		os.Exit(1)
	}
	var client exchange.Client = binance.New(log, cfg.Download.Timeout)

	if *listSymbols {
		symbols, err := exchange.GetSymbols(ctx, client, "swap")
		if err != nil {
			log.WithError(err).Error("failed to list symbols")
			os.Exit(1)
		}
		for _, s := range symbols {
			fmt.Println(s)
		}
		return
	}

	dataTypes, err := parseDataTypes(*typesArg)
	if err != nil {
		log.WithError(err).Error("invalid data types")
		os.Exit(1)
	}
	symbols := splitList(*symbolsArg)

	if *loadMode {
		if err := summarize(cfg, log, client.Name(), dataTypes, symbols, *startArg, *endArg, *timeframe, *includeIncomplete); err != nil {
			log.WithError(err).Error("load failed")
			os.Exit(1)
		}
		return
	}

	if len(symbols) == 0 {
		log.Error("no symbols provided")
		os.Exit(1)
	}

	start, end, err := parseRange(*startArg, *endArg)
	if err != nil {
		log.WithError(err).Error("invalid date range")
		os.Exit(1)
	}

	var mirror *writer.Mirror
	if cfg.Storage.S3.Enabled {
		mirror, err = writer.NewMirror(cfg, log)
		if err != nil {
			log.WithError(err).Error("failed to create S3 mirror")
			os.Exit(1)
		}
	}

	f := fetcher.New(cfg, log, client, mirror)
	req := fetcher.Request{
		DataTypes:       dataTypes,
		Symbols:         symbols,
		Start:           start,
		End:             end,
		CandleTimeframe: *timeframe,
	}

	if err := f.Fetch(ctx, req); err != nil {
		log.WithError(err).Error("download finished with errors")
		os.Exit(1)
	}
	log.Info("download completed")
}

// summarize loads the requested partitions and prints one line per
// data type with the row count and covered time span.
func summarize(cfg *config.Config, log *logger.Log, exchangeName string, dataTypes []models.DataType, symbols []string, startArg, endArg, timeframe string, includeIncomplete bool) error {
	q := store.Query{
		Exchange:          exchangeName,
		Symbols:           symbols,
		SubKindID:         timeframe,
		IncludeIncomplete: includeIncomplete,
	}
	if startArg != "" || endArg != "" {
		start, end, err := parseRange(startArg, endArg)
		if err != nil {
			return err
		}
		q.Start, q.End = start, end
	}
	if q.SubKindID == "" {
		q.SubKindID = cfg.Download.Candles.Timeframe
	}

	l := store.NewLoader(cfg, log)
	for _, dt := range dataTypes {
		var (
			count       int
			first, last int64
		)
		switch dt {
		case models.Candles:
			rows, err := store.Load[models.Candle](l, q)
			if err != nil {
				return err
			}
			count, first, last = span(rows)
		case models.Trades:
			rows, err := store.Load[models.Trade](l, store.Query{
				Exchange: q.Exchange, Symbols: q.Symbols, Start: q.Start, End: q.End,
				IncludeIncomplete: q.IncludeIncomplete,
			})
			if err != nil {
				return err
			}
			count, first, last = span(rows)
		case models.Funding:
			rows, err := store.Load[models.FundingRate](l, store.Query{
				Exchange: q.Exchange, Symbols: q.Symbols, Start: q.Start, End: q.End,
				IncludeIncomplete: q.IncludeIncomplete,
			})
			if err != nil {
				return err
			}
			count, first, last = span(rows)
		}

		if count == 0 {
			fmt.Printf("%s: no data\n", dt)
			continue
		}
		fmt.Printf("%s: %d rows, %s .. %s\n", dt, count,
			time.UnixMilli(first).UTC().Format(time.RFC3339),
			time.UnixMilli(last).UTC().Format(time.RFC3339))
	}
	return nil
}

func span[T models.Record](rows []T) (int, int64, int64) {
	if len(rows) == 0 {
		return 0, 0, 0
	}
	return len(rows), rows[0].UnixMilli(), rows[len(rows)-1].UnixMilli()
}

func parseDataTypes(arg string) ([]models.DataType, error) {
	var types []models.DataType
	for _, name := range splitList(arg) {
		dt, ok := models.ParseDataType(name)
		if !ok {
			return nil, fmt.Errorf("unknown data type %q", name)
		}
		types = append(types, dt)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("no data types provided")
	}
	return types, nil
}

func parseRange(startArg, endArg string) (time.Time, time.Time, error) {
	if startArg == "" || endArg == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("both -start and -end are required")
	}
	start, err := time.ParseInLocation(dateLayout, startArg, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad start date: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, endArg, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad end date: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	return start, end, nil
}

func splitList(arg string) []string {
	var out []string
	for _, s := range strings.Split(arg, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
