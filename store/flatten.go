package store

import (
	"sort"

	"histflow/models"
)

// Pivot is a candle table reshaped to one value column per symbol,
// indexed by timestamp.
type Pivot struct {
	Timestamps []int64
	Symbols    []string
	// Values holds one series per symbol, aligned with Timestamps and
	// forward-filled across gaps.
	Values map[string][]float64
}

// Flatten pivots a multi-symbol candle slice into per-symbol columns.
// value selects the pivoted field and defaults to the close price.
func Flatten(candles []models.Candle, value func(models.Candle) float64) *Pivot {
	if value == nil {
		value = func(c models.Candle) float64 { return c.Close }
	}

	tsSet := make(map[int64]struct{})
	series := make(map[string]map[int64]float64)
	for _, c := range candles {
		tsSet[c.Timestamp] = struct{}{}
		col, ok := series[c.Symbol]
		if !ok {
			col = make(map[int64]float64)
			series[c.Symbol] = col
		}
		col[c.Timestamp] = value(c)
	}

	timestamps := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	values := make(map[string][]float64, len(symbols))
	for _, sym := range symbols {
		col := make([]float64, len(timestamps))
		var last float64
		for i, ts := range timestamps {
			if v, ok := series[sym][ts]; ok {
				last = v
			}
			col[i] = last
		}
		values[sym] = col
	}

	return &Pivot{Timestamps: timestamps, Symbols: symbols, Values: values}
}
