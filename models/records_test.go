package models

import "testing"

func TestParseDataType(t *testing.T) {
	for name, want := range map[string]DataType{
		"candles": Candles,
		"trades":  Trades,
		"funding": Funding,
	} {
		got, ok := ParseDataType(name)
		if !ok || got != want {
			t.Errorf("ParseDataType(%q) = %v, %v", name, got, ok)
		}
		if got.String() != name {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), name)
		}
	}
	if _, ok := ParseDataType("orderbook"); ok {
		t.Error("ParseDataType should reject unknown names")
	}
}

func TestRecordInterface(t *testing.T) {
	var records = []Record{
		Candle{Timestamp: 1, Symbol: "BTC/USDT"},
		Trade{Timestamp: 2, Symbol: "ETH/USDT"},
		FundingRate{Timestamp: 3, Symbol: "SOL/USDT"},
	}
	kinds := []DataType{Candles, Trades, Funding}
	for i, r := range records {
		if r.UnixMilli() != int64(i+1) {
			t.Errorf("record %d timestamp = %d", i, r.UnixMilli())
		}
		if r.Kind() != kinds[i] {
			t.Errorf("record %d kind = %v, want %v", i, r.Kind(), kinds[i])
		}
		if r.Pair() == "" {
			t.Errorf("record %d has empty symbol", i)
		}
	}
}
