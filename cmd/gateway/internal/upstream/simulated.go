package upstream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// for deterministic values
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// SimulatedFeed is a random-walk Feed for running without exchange access.
type SimulatedFeed struct {
	logger     *zap.Logger
	rand       Rand
	clock      Clock
	interval   time.Duration
	basePrices map[string]float64

	mu     sync.Mutex
	prices map[string]float64
	opens  map[string]float64
}

func NewSimulatedFeed(logger *zap.Logger, basePrices map[string]float64, rnd Rand, clock Clock, interval time.Duration) *SimulatedFeed {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &SimulatedFeed{
		logger:     logger.With(zap.String("component", "simulated_feed")),
		rand:       rnd,
		clock:      clock,
		interval:   interval,
		basePrices: basePrices,
		prices:     make(map[string]float64),
		opens:      make(map[string]float64),
	}
}

func (f *SimulatedFeed) FetchSnapshotBatch(ctx context.Context, symbols []string) ([]models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbols = models.NormalizeSymbols(symbols)
	ticks := make([]models.Tick, 0, len(symbols))
	for _, sym := range symbols {
		t := f.tick(sym, false)
		t.Source = models.SourceRest
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (f *SimulatedFeed) OpenStream(symbols []string, onEvent func(models.Event)) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &simulatedHandle{
		feed:    f,
		symbols: models.NormalizeSymbols(symbols),
		onEvent: onEvent,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

// tick returns the current simulated state of sym, optionally moving the
// price first.
func (f *SimulatedFeed) tick(sym string, move bool) models.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()

	price, ok := f.prices[sym]
	if !ok {
		price = f.basePrices[sym]
		if price == 0 {
			price = 100
		}
		f.opens[sym] = price
	}
	if move {
		fluctuation := (f.rand.Float64() * 2) - 1 // +/-1%
		price += price * fluctuation / 100
	}
	f.prices[sym] = price

	open := f.opens[sym]
	change := price - open
	spread := price * 0.0005
	return models.Tick{
		Symbol:           sym,
		LastPrice:        price,
		Bid:              price - spread,
		Ask:              price + spread,
		Volume24h:        float64(1000 + f.rand.Intn(9000)),
		Change24h:        change,
		ChangePercent24h: change / open * 100,
		High24h:          max(price, open),
		Low24h:           min(price, open),
		Open24h:          open,
		EventTime:        f.clock.Now().UTC(),
		Source:           models.SourceSimulated,
	}
}

type simulatedHandle struct {
	feed    *SimulatedFeed
	onEvent func(models.Event)
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	symbols []string
}

func (h *simulatedHandle) run(ctx context.Context) {
	defer close(h.done)
	h.feed.logger.Info("Simulated feed started", zap.Strings("symbols", h.current()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		symbols := h.current()
		if len(symbols) > 0 {
			sym := symbols[h.feed.rand.Intn(len(symbols))]
			t := h.feed.tick(sym, true)
			h.onEvent(models.Event{Channel: models.ChannelTicker, Symbol: sym, Tick: &t})
		}
		h.feed.clock.Sleep(h.feed.interval)
	}
}

func (h *simulatedHandle) current() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.symbols
}

func (h *simulatedHandle) Reopen(symbols []string) {
	h.mu.Lock()
	h.symbols = models.NormalizeSymbols(symbols)
	h.mu.Unlock()
}

func (h *simulatedHandle) Close() {
	h.cancel()
	<-h.done
}
