package models

// DataType identifies one of the downloadable historical data kinds.
type DataType int

const (
	Candles DataType = iota
	Trades
	Funding
)

func (d DataType) String() string {
	switch d {
	case Candles:
		return "candles"
	case Trades:
		return "trades"
	case Funding:
		return "funding"
	}
	return "unknown"
}

// ParseDataType maps the textual names used in config files and on the
// command line onto the closed DataType set.
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "candles":
		return Candles, true
	case "trades":
		return Trades, true
	case "funding":
		return Funding, true
	}
	return 0, false
}

// Record is implemented by every row type persisted into a partition
// file. Timestamps are unix milliseconds and are the sort key of every
// partition.
type Record interface {
	UnixMilli() int64
	Pair() string
	Kind() DataType
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (c Candle) UnixMilli() int64 { return c.Timestamp }
func (c Candle) Pair() string     { return c.Symbol }
func (c Candle) Kind() DataType   { return Candles }

// Trade is a single public trade print. Unlike candles, trade
// timestamps may repeat within a partition.
type Trade struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Cost      float64 `parquet:"name=cost, type=DOUBLE"`
	Fee       float64 `parquet:"name=fee, type=DOUBLE"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (t Trade) UnixMilli() int64 { return t.Timestamp }
func (t Trade) Pair() string     { return t.Symbol }
func (t Trade) Kind() DataType   { return Trades }

// FundingRate is one perpetual-swap funding event.
type FundingRate struct {
	Timestamp   int64   `parquet:"name=timestamp, type=INT64"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingRate float64 `parquet:"name=funding_rate, type=DOUBLE"`
	Exchange    string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (f FundingRate) UnixMilli() int64 { return f.Timestamp }
func (f FundingRate) Pair() string     { return f.Symbol }
func (f FundingRate) Kind() DataType   { return Funding }
