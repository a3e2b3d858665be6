package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

var errMalformedFrame = errors.New("malformed upstream frame")

// combinedFrame wraps every message on a /stream?streams= connection.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerPayload is the 24hr rolling window ticker. Upper/lower case pairs are
// all declared because the decoder falls back to case-insensitive matching.
type tickerPayload struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	CloseTime          int64  `json:"C"`
	Bid                string `json:"b"`
	BidQty             string `json:"B"`
	Ask                string `json:"a"`
	AskQty             string `json:"A"`
	Open               string `json:"o"`
	OpenTime           int64  `json:"O"`
	High               string `json:"h"`
	Low                string `json:"l"`
	LastTradeID        int64  `json:"L"`
	Volume             string `json:"v"`
}

type klinePayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		LastTradeID int64  `json:"L"`
		Volume      string `json:"v"`
		TakerVolume string `json:"V"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

type depthPayload struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// decodeFrame turns one combined-stream message into an Event.
func decodeFrame(raw []byte, now time.Time) (models.Event, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		return models.Event{}, fmt.Errorf("%w: missing stream or data", errMalformedFrame)
	}

	name, kind, ok := strings.Cut(frame.Stream, "@")
	if !ok {
		return models.Event{}, fmt.Errorf("%w: stream %q", errMalformedFrame, frame.Stream)
	}
	symbol := models.NormalizeSymbol(name)

	switch {
	case kind == "ticker":
		tick, err := normalizeTicker(frame.Data)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Channel: models.ChannelTicker, Symbol: tick.Symbol, Tick: tick}, nil
	case strings.HasPrefix(kind, "kline_"):
		k, err := normalizeKline(frame.Data)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Channel: models.ChannelKline, Symbol: k.Symbol, Kline: k}, nil
	case strings.HasPrefix(kind, "depth"):
		d, err := normalizeDepth(symbol, frame.Data, now)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Channel: models.ChannelDepth, Symbol: symbol, Depth: d}, nil
	default:
		return models.Event{}, fmt.Errorf("%w: unsupported stream %q", errMalformedFrame, frame.Stream)
	}
}

func normalizeTicker(data []byte) (*models.Tick, error) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: ticker: %v", errMalformedFrame, err)
	}
	if p.Symbol == "" || p.LastPrice == "" {
		return nil, fmt.Errorf("%w: ticker without symbol or price", errMalformedFrame)
	}

	last, err := decimal.NewFromString(p.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: last price %q", errMalformedFrame, p.LastPrice)
	}
	open := parseOptional(p.Open)
	change, percent := parseOptional(p.PriceChange), parseOptional(p.PriceChangePercent)
	if p.PriceChange == "" && !open.IsZero() {
		change = last.Sub(open)
		percent = change.Div(open).Mul(decimal.NewFromInt(100))
	}

	ts := p.EventTime
	if ts == 0 {
		ts = p.CloseTime
	}

	return &models.Tick{
		Symbol:           models.NormalizeSymbol(p.Symbol),
		LastPrice:        last.InexactFloat64(),
		Bid:              parseOptional(p.Bid).InexactFloat64(),
		Ask:              parseOptional(p.Ask).InexactFloat64(),
		Volume24h:        parseOptional(p.Volume).InexactFloat64(),
		Change24h:        change.InexactFloat64(),
		ChangePercent24h: percent.InexactFloat64(),
		High24h:          parseOptional(p.High).InexactFloat64(),
		Low24h:           parseOptional(p.Low).InexactFloat64(),
		Open24h:          open.InexactFloat64(),
		EventTime:        time.UnixMilli(ts).UTC(),
		Source:           models.SourceStream,
	}, nil
}

func normalizeKline(data []byte) (*models.Kline, error) {
	var p klinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: kline: %v", errMalformedFrame, err)
	}
	if p.Symbol == "" || p.K.Close == "" {
		return nil, fmt.Errorf("%w: kline without symbol or close", errMalformedFrame)
	}
	return &models.Kline{
		Symbol:    models.NormalizeSymbol(p.Symbol),
		Interval:  p.K.Interval,
		OpenTime:  time.UnixMilli(p.K.OpenTime).UTC(),
		CloseTime: time.UnixMilli(p.K.CloseTime).UTC(),
		Open:      parseOptional(p.K.Open).InexactFloat64(),
		High:      parseOptional(p.K.High).InexactFloat64(),
		Low:       parseOptional(p.K.Low).InexactFloat64(),
		Close:     parseOptional(p.K.Close).InexactFloat64(),
		Volume:    parseOptional(p.K.Volume).InexactFloat64(),
		Closed:    p.K.Closed,
	}, nil
}

func normalizeDepth(symbol string, data []byte, now time.Time) (*models.Depth, error) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: depth: %v", errMalformedFrame, err)
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return nil, err
	}
	return &models.Depth{
		Symbol:       symbol,
		LastUpdateID: p.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		EventTime:    now.UTC(),
	}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("%w: short price level", errMalformedFrame)
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("%w: price level %q", errMalformedFrame, lvl[0])
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q", errMalformedFrame, lvl[1])
		}
		levels = append(levels, models.PriceLevel{Price: price.InexactFloat64(), Quantity: qty.InexactFloat64()})
	}
	return levels, nil
}

// parseOptional treats missing or unparsable numeric fields as zero.
func parseOptional(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
