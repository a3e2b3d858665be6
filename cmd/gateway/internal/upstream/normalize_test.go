package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

const tickerFrame = `{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",` +
	`"p":"100.00","P":"0.200","w":"49950.1","x":"49899.0","c":"50000.00","Q":"0.01",` +
	`"b":"49999.00","B":"3.50","a":"50001.00","A":"2.00","o":"49900.00","h":"50500.00",` +
	`"l":"49000.00","v":"1234.50","q":"61725000.0","O":1699913600000,"C":1700000000000,` +
	`"F":1,"L":100,"n":100}}`

func TestDecodeFrame_Ticker(t *testing.T) {
	ev, err := decodeFrame([]byte(tickerFrame), time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Channel != models.ChannelTicker || ev.Tick == nil {
		t.Fatalf("Expected ticker event, got %+v", ev)
	}

	tick := ev.Tick
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT, got %s", tick.Symbol)
	}
	if tick.LastPrice != 50000 {
		t.Errorf("Expected last price 50000, got %f", tick.LastPrice)
	}
	// "B" is the bid quantity and must not leak into the bid price.
	if tick.Bid != 49999 {
		t.Errorf("Expected bid 49999, got %f", tick.Bid)
	}
	if tick.Ask != 50001 {
		t.Errorf("Expected ask 50001, got %f", tick.Ask)
	}
	if tick.Open24h != 49900 || tick.High24h != 50500 || tick.Low24h != 49000 {
		t.Errorf("Unexpected range fields: %+v", tick)
	}
	if tick.Change24h != 100 || tick.ChangePercent24h != 0.2 {
		t.Errorf("Unexpected change fields: %f %f", tick.Change24h, tick.ChangePercent24h)
	}
	if !tick.EventTime.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Unexpected event time %v", tick.EventTime)
	}
	if tick.Source != models.SourceStream {
		t.Errorf("Expected stream source, got %s", tick.Source)
	}
}

func TestDecodeFrame_DerivesChange(t *testing.T) {
	raw := `{"stream":"ethusdt@ticker","data":{"E":1700000000000,"s":"ETHUSDT","c":"110","o":"100"}}`

	ev, err := decodeFrame([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Tick.Change24h != 10 {
		t.Errorf("Expected derived change 10, got %f", ev.Tick.Change24h)
	}
	if ev.Tick.ChangePercent24h != 10 {
		t.Errorf("Expected derived percent 10, got %f", ev.Tick.ChangePercent24h)
	}
}

func TestDecodeFrame_Kline(t *testing.T) {
	raw := `{"stream":"bnbusdt@kline_1m","data":{"e":"kline","E":1700000000000,"s":"BNBUSDT",` +
		`"k":{"t":1699999940000,"T":1699999999999,"s":"BNBUSDT","i":"1m","f":1,"L":2,` +
		`"o":"300.0","c":"301.5","h":"302.0","l":"299.5","v":"55.5","n":2,"x":true,"q":"1","V":"9","Q":"1","B":"0"}}}`

	ev, err := decodeFrame([]byte(raw), time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Channel != models.ChannelKline || ev.Kline == nil {
		t.Fatalf("Expected kline event, got %+v", ev)
	}
	if ev.Kline.Close != 301.5 || ev.Kline.Volume != 55.5 || !ev.Kline.Closed {
		t.Errorf("Unexpected kline: %+v", ev.Kline)
	}
	if ev.Kline.Interval != "1m" {
		t.Errorf("Expected 1m interval, got %s", ev.Kline.Interval)
	}
}

func TestDecodeFrame_Depth(t *testing.T) {
	now := time.Unix(1700000000, 0)
	raw := `{"stream":"solusdt@depth5@100ms","data":{"lastUpdateId":42,` +
		`"bids":[["20.10","3.0"],["20.00","1.5"]],"asks":[["20.20","2.0"]]}}`

	ev, err := decodeFrame([]byte(raw), now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.Channel != models.ChannelDepth || ev.Symbol != "SOLUSDT" {
		t.Fatalf("Expected SOLUSDT depth event, got %+v", ev)
	}
	if len(ev.Depth.Bids) != 2 || ev.Depth.Bids[0].Price != 20.10 || ev.Depth.Asks[0].Quantity != 2 {
		t.Errorf("Unexpected depth levels: %+v", ev.Depth)
	}
	if ev.Depth.LastUpdateID != 42 {
		t.Errorf("Expected update id 42, got %d", ev.Depth.LastUpdateID)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"stream":"btcusdt@ticker"}`,
		`{"stream":"btcusdt","data":{}}`,
		`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT"}}`,
		`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"abc"}}`,
		`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT"}}`,
		`{"stream":"btcusdt@depth5","data":{"bids":[["1"]]}}`,
	}
	for _, raw := range frames {
		if _, err := decodeFrame([]byte(raw), time.Now()); !errors.Is(err, errMalformedFrame) {
			t.Errorf("Expected malformed error for %s, got %v", raw, err)
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	p := FixedDelay(5 * time.Second)
	for i := 0; i < 100; i++ {
		d, ok := p.Next()
		if !ok || d != 5*time.Second {
			t.Fatalf("Fixed policy must retry forever with 5s, got %v %v", d, ok)
		}
	}

	capped := Exponential(time.Millisecond, 10*time.Millisecond, 2)
	capped.Next()
	capped.Next()
	if _, ok := capped.Next(); ok {
		t.Error("Expected capped policy to give up after 2 attempts")
	}
	capped.Reset()
	if _, ok := capped.Next(); !ok {
		t.Error("Expected policy to retry again after reset")
	}
}

func TestEndpoint(t *testing.T) {
	s := &stream{baseURL: "wss://example.test", kline: "1m", depth: 10}
	got := s.endpoint([]string{"BTCUSDT", "ETHUSDT"})
	want := "wss://example.test/stream?streams=btcusdt@ticker/btcusdt@kline_1m/btcusdt@depth10@100ms/" +
		"ethusdt@ticker/ethusdt@kline_1m/ethusdt@depth10@100ms"
	if got != want {
		t.Errorf("Unexpected endpoint:\n got %s\nwant %s", got, want)
	}
}
