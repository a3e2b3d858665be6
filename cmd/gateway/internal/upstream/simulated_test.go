package upstream_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/testutils"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/upstream"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

func TestSimulatedFeed_Snapshot(t *testing.T) {
	clock := &testutils.MockClock{CurrentTime: time.Unix(1700000000, 0)}
	feed := upstream.NewSimulatedFeed(zap.NewNop(), map[string]float64{"BTCUSDT": 50000},
		&testutils.MockRand{ValInt: 0, ValFloat: 0.5}, clock, time.Millisecond)

	ticks, err := feed.FetchSnapshotBatch(context.Background(), []string{"btcusdt", "FOOUSDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("Expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].LastPrice != 50000 {
		t.Errorf("Expected base price 50000, got %f", ticks[0].LastPrice)
	}
	if ticks[1].LastPrice != 100 {
		t.Errorf("Expected default price 100 for unknown symbol, got %f", ticks[1].LastPrice)
	}
	if ticks[0].Source != models.SourceRest {
		t.Errorf("Expected rest source, got %s", ticks[0].Source)
	}
}

func TestSimulatedFeed_Stream(t *testing.T) {
	clock := &testutils.MockClock{CurrentTime: time.Unix(0, 0)}
	// (0.5 * 2) - 1 = 0, so the price never moves
	feed := upstream.NewSimulatedFeed(zap.NewNop(), map[string]float64{"ETHUSDT": 3000},
		&testutils.MockRand{ValInt: 0, ValFloat: 0.5}, clock, time.Millisecond)

	events := make(chan models.Event, 1)
	h := feed.OpenStream([]string{"ETHUSDT"}, func(ev models.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	var ev models.Event
	select {
	case ev = <-events:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for simulated tick")
	}
	h.Close()

	if ev.Channel != models.ChannelTicker || ev.Tick == nil {
		t.Fatalf("Expected ticker event, got %+v", ev)
	}
	if ev.Tick.LastPrice != 3000 {
		t.Errorf("Expected price 3000, got %f", ev.Tick.LastPrice)
	}
	if ev.Tick.Source != models.SourceSimulated {
		t.Errorf("Expected simulated source, got %s", ev.Tick.Source)
	}
}
