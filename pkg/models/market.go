package models

import (
	"strings"
	"time"
)

// Channels a client can subscribe to for a symbol.
const (
	ChannelTicker = "ticker"
	ChannelKline  = "kline"
	ChannelDepth  = "depth"
)

// Tick sources.
const (
	SourceStream    = "stream"
	SourceRest      = "rest"
	SourceSimulated = "simulated"
)

// Tick is one normalized upstream ticker update for a symbol.
type Tick struct {
	Symbol           string    `json:"symbol"`
	LastPrice        float64   `json:"lastPrice"`
	Bid              float64   `json:"bid"`
	Ask              float64   `json:"ask"`
	Volume24h        float64   `json:"volume24h"`
	Change24h        float64   `json:"change24h"`
	ChangePercent24h float64   `json:"changePercent24h"`
	High24h          float64   `json:"high24h"`
	Low24h           float64   `json:"low24h"`
	Open24h          float64   `json:"open24h"`
	EventTime        time.Time `json:"eventTime"` // upstream source timestamp
	Source           string    `json:"source"`
}

// MarketSnapshot is the persisted latest state of a market.
type MarketSnapshot struct {
	Symbol              string    `json:"symbol" bson:"symbol"`
	LastPrice           float64   `json:"lastPrice" bson:"lastPrice"`
	Bid                 float64   `json:"bid" bson:"bid"`
	Ask                 float64   `json:"ask" bson:"ask"`
	Volume24h           float64   `json:"volume24h" bson:"volume24h"`
	Change24h           float64   `json:"change24h" bson:"change24h"`
	ChangePercent24h    float64   `json:"changePercent24h" bson:"changePercent24h"`
	High24h             float64   `json:"high24h" bson:"high24h"`
	Low24h              float64   `json:"low24h" bson:"low24h"`
	Open24h             float64   `json:"open24h" bson:"open24h"`
	LastUpdateTimestamp time.Time `json:"lastUpdateTimestamp" bson:"lastUpdateTimestamp"`
	Active              bool      `json:"isActive" bson:"isActive"`
	Source              string    `json:"source,omitempty" bson:"source,omitempty"`
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Kline is a normalized candlestick update.
type Kline struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// Depth is a partial order book snapshot.
type Depth struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	EventTime    time.Time    `json:"eventTime"`
}

// Event is one stream update. Exactly one of Tick, Kline or Depth is set,
// matching Channel.
type Event struct {
	Channel string
	Symbol  string
	Tick    *Tick
	Kline   *Kline
	Depth   *Depth
}

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes and de-duplicates symbols, dropping empty ones.
// Input order is preserved.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// ApplyTick merges a tick into the previous snapshot and reports whether the
// write should be persisted. Writes are last-writer-wins by the tick's source
// timestamp, so a tick older than the stored state is rejected and
// LastUpdateTimestamp never decreases. New markets are created active.
func ApplyTick(prev MarketSnapshot, exists bool, t Tick) (MarketSnapshot, bool) {
	if exists && t.EventTime.Before(prev.LastUpdateTimestamp) {
		return prev, false
	}

	next := MarketSnapshot{
		Symbol:              NormalizeSymbol(t.Symbol),
		LastPrice:           t.LastPrice,
		Bid:                 t.Bid,
		Ask:                 t.Ask,
		Volume24h:           t.Volume24h,
		Change24h:           t.Change24h,
		ChangePercent24h:    t.ChangePercent24h,
		High24h:             t.High24h,
		Low24h:              t.Low24h,
		Open24h:             t.Open24h,
		LastUpdateTimestamp: t.EventTime,
		Active:              true,
		Source:              t.Source,
	}
	if exists {
		next.Active = prev.Active
	}
	return next, true
}
