package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

func setup(t *testing.T) (*repository.RedisStore, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return repository.NewRedisStore(rdb), mr, rdb
}

func tick(symbol string, price float64, at time.Time) models.Tick {
	return models.Tick{Symbol: symbol, LastPrice: price, EventTime: at, Source: models.SourceStream}
}

func TestRedisStore_UpsertCreatesActiveMarket(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000000).UTC()

	snap, applied, err := store.Upsert(ctx, tick("btcusdt", 50000, now))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !applied || snap.Symbol != "BTCUSDT" || !snap.Active {
		t.Errorf("Unexpected upsert result: %+v applied=%v", snap, applied)
	}

	active, err := store.FindActiveBySymbol(ctx, "BTCUSDT")
	if err != nil || active == nil {
		t.Fatalf("Expected active market, got %v %v", active, err)
	}
	if active.LastPrice != 50000 {
		t.Errorf("Expected price 50000, got %f", active.LastPrice)
	}

	symbols, _ := store.ListActive(ctx)
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT in active set, got %v", symbols)
	}
}

func TestRedisStore_UpsertRejectsStaleWrite(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000000).UTC()

	store.Upsert(ctx, tick("ETHUSDT", 3000, now))

	snap, applied, err := store.Upsert(ctx, tick("ETHUSDT", 2900, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if applied {
		t.Error("Older tick must not be applied")
	}
	if snap.LastPrice != 3000 {
		t.Errorf("Expected stored price 3000 to be returned, got %f", snap.LastPrice)
	}

	got, _ := store.FindBySymbols(ctx, []string{"ETHUSDT"})
	if len(got) != 1 || got[0].LastPrice != 3000 {
		t.Errorf("Stale write leaked into storage: %+v", got)
	}
}

func TestRedisStore_SetActive(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()

	if err := store.SetActive(ctx, "adausdt", true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m, _ := store.FindActiveBySymbol(ctx, "ADAUSDT"); m == nil {
		t.Fatal("Expected ADAUSDT to be active")
	}

	if err := store.SetActive(ctx, "ADAUSDT", false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m, _ := store.FindActiveBySymbol(ctx, "ADAUSDT"); m != nil {
		t.Error("Expected ADAUSDT to be inactive")
	}
	if symbols, _ := store.ListActive(ctx); len(symbols) != 0 {
		t.Errorf("Expected empty active set, got %v", symbols)
	}

	// A tick for a deactivated market is stored but does not reactivate it.
	store.Upsert(ctx, tick("ADAUSDT", 0.5, time.Now()))
	if m, _ := store.FindActiveBySymbol(ctx, "ADAUSDT"); m != nil {
		t.Error("Tick must not reactivate a market")
	}

	// Deactivating an unknown market is a no-op.
	if err := store.SetActive(ctx, "NOPE", false); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRedisStore_FindBySymbolsSkipsUnknown(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()
	store.Upsert(ctx, tick("BTCUSDT", 1, time.Now()))

	got, err := store.FindBySymbols(ctx, []string{"BTCUSDT", "XYZUSDT"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "BTCUSDT" {
		t.Errorf("Expected only BTCUSDT, got %+v", got)
	}
}

func TestRedisStore_Watchlists(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()

	store.AddToWatchlist(ctx, "u1", "default", "btcusdt", "ethusdt")
	store.AddToWatchlist(ctx, "u1", "alts", "ETHUSDT", "adausdt")
	store.AddToWatchlist(ctx, "u2", "default", "SOLUSDT")

	symbols, err := store.FindSymbolsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"ADAUSDT", "BTCUSDT", "ETHUSDT"}
	if len(symbols) != len(want) {
		t.Fatalf("Expected %v, got %v", want, symbols)
	}
	for i := range want {
		if symbols[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, symbols)
		}
	}

	none, err := store.FindSymbolsForUser(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no symbols for unknown user, got %v %v", none, err)
	}
}

func TestRedisStore_StorageUnavailable(t *testing.T) {
	store, mr, _ := setup(t)
	mr.Close()

	_, _, err := store.Upsert(context.Background(), tick("BTCUSDT", 1, time.Now()))
	if !errors.Is(err, repository.ErrStorageUnavailable) {
		t.Errorf("Expected storage unavailable, got %v", err)
	}
	if _, err := store.FindBySymbols(context.Background(), []string{"BTCUSDT"}); !errors.Is(err, repository.ErrStorageUnavailable) {
		t.Errorf("Expected storage unavailable, got %v", err)
	}
}

func TestRedisRelay_RoundTrip(t *testing.T) {
	_, _, rdb := setup(t)
	relay := repository.NewRedisRelay(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type relayed struct {
		channel, symbol, payload string
	}
	got := make(chan relayed, 4)
	ready := make(chan struct{})
	go relay.Run(ctx, ready, func(channel, symbol string, payload []byte) {
		got <- relayed{channel, symbol, string(payload)}
	})

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("Relay never subscribed")
	}

	relay.Publish(ctx, models.ChannelTicker, "BTCUSDT", []byte(`{"type":"ticker"}`))
	relay.Publish(ctx, "", "", []byte(`{"type":"markets_updated"}`))

	first := <-got
	if first.channel != "ticker" || first.symbol != "BTCUSDT" || first.payload != `{"type":"ticker"}` {
		t.Errorf("Unexpected relayed message %+v", first)
	}
	second := <-got
	if second.channel != repository.RelayBroadcast || second.symbol != "" {
		t.Errorf("Expected broadcast message, got %+v", second)
	}
}
