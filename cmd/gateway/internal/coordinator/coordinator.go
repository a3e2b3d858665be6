// Package coordinator drives the upstream feed lifecycle: the initial and
// periodic resync, the supervised stream, and the sharded pipeline that
// writes ticks to storage and hands them to the broadcaster.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/protocol"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/upstream"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

const storageTimeout = 5 * time.Second

var (
	// ErrStopped is returned by Start when Stop interrupted it.
	ErrStopped = errors.New("coordinator stopped during start")
	// ErrNotRunning is returned by Resync outside the running state.
	ErrNotRunning = errors.New("coordinator not running")
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Broadcaster is satisfied by *hub.Hub and *hub.RelayBroadcaster.
type Broadcaster interface {
	BroadcastToSubscribers(symbol, channel string, data interface{})
	BroadcastToAll(msgType string, data interface{})
}

// Journal records applied ticks. Optional.
type Journal interface {
	Record(ctx context.Context, t models.Tick) error
}

type Options struct {
	Symbols        []string
	ResyncInterval time.Duration
	SettleDelay    time.Duration
	NumWorkers     int
	QueueSize      int
}

type Coordinator struct {
	feed        upstream.Feed
	store       repository.MarketStore
	broadcaster Broadcaster
	journal     Journal
	opts        Options
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	state   State
	symbols []string
	handle  upstream.Handle
	restart *time.Timer
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	// closed when an in-flight Start returns
	starting chan struct{}

	// guards the worker queues against sends after they are closed
	pipeMu    sync.RWMutex
	accepting bool
	queues    []chan models.Event
	workerWG  sync.WaitGroup
}

func New(feed upstream.Feed, store repository.MarketStore, broadcaster Broadcaster, journal Journal, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 5 * time.Minute
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = time.Second
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Coordinator{
		feed:        feed,
		store:       store,
		broadcaster: broadcaster,
		journal:     journal,
		opts:        opts,
		logger:      logger.With(zap.String("component", "coordinator")),
		metrics:     m,
		symbols:     models.NormalizeSymbols(opts.Symbols),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TrackedSymbols returns a copy of the tracked symbol set in insertion order.
func (c *Coordinator) TrackedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

// Start runs the initial resync, then the periodic resync and the stream.
// A failed initial resync is returned and leaves the coordinator stopped.
// A Stop issued while starting aborts the start with ErrStopped.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.logger.Info("Start ignored", zap.Stringer("state", c.state))
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateStarting
	c.cancel = cancel
	c.starting = make(chan struct{})
	done := c.starting
	c.mu.Unlock()
	defer close(done)

	c.mergeActiveMarkets(runCtx)

	if err := c.resync(runCtx, true); err != nil {
		c.abortStart()
		if runCtx.Err() != nil && ctx.Err() == nil {
			return ErrStopped
		}
		return fmt.Errorf("initial resync: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if runCtx.Err() != nil {
		c.abortStartLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}

	c.startPipeline()
	c.loopWG.Add(1)
	go c.resyncLoop(runCtx)
	c.handle = c.feed.OpenStream(append([]string(nil), c.symbols...), c.enqueue)
	c.state = StateRunning

	c.logger.Info("Coordinator running",
		zap.Strings("symbols", c.symbols), zap.Int("workers", c.opts.NumWorkers))
	return nil
}

func (c *Coordinator) abortStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortStartLocked()
}

func (c *Coordinator) abortStartLocked() {
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	c.cancel()
	c.cancel = nil
	c.state = StateStopped
}

// Stop cancels the resync loop and pending restart, closes the stream and
// drains the pipeline. No tick or resync lands after it returns. Stopping a
// coordinator that is still starting cancels the start and waits for it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == StateStarting {
		cancel, done := c.cancel, c.starting
		c.mu.Unlock()
		cancel()
		<-done
		c.logger.Info("Coordinator start aborted")
		return
	}
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	cancel, handle := c.cancel, c.handle
	c.cancel = nil
	c.handle = nil
	c.mu.Unlock()

	cancel()
	handle.Close()
	c.loopWG.Wait()
	c.stopPipeline()

	c.setState(StateStopped)
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// AddSymbol tracks symbol. Reports whether the set changed.
func (c *Coordinator) AddSymbol(symbol string) bool {
	sym := models.NormalizeSymbol(symbol)
	if sym == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.symbols {
		if s == sym {
			return false
		}
	}
	c.symbols = append(c.symbols, sym)
	c.scheduleRestartLocked()
	c.logger.Info("Symbol added", zap.String("symbol", sym))
	return true
}

// RemoveSymbol stops tracking symbol. Reports whether the set changed.
func (c *Coordinator) RemoveSymbol(symbol string) bool {
	sym := models.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i, s := range c.symbols {
		if s == sym {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	c.symbols = append(c.symbols[:idx:idx], c.symbols[idx+1:]...)
	c.scheduleRestartLocked()
	c.logger.Info("Symbol removed", zap.String("symbol", sym))
	return true
}

// scheduleRestartLocked debounces stream restarts: every change within the
// settle delay pushes the restart back.
func (c *Coordinator) scheduleRestartLocked() {
	if c.state != StateRunning && c.state != StateStarting {
		return
	}
	if c.restart != nil {
		c.restart.Stop()
	}
	c.restart = time.AfterFunc(c.opts.SettleDelay, c.restartStream)
}

func (c *Coordinator) restartStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restart = nil
	if c.state != StateRunning || c.handle == nil {
		return
	}
	symbols := append([]string(nil), c.symbols...)
	c.logger.Info("Restarting upstream stream", zap.Strings("symbols", symbols))
	c.handle.Reopen(symbols)
}

// mergeActiveMarkets adds markets already active in storage to the tracked
// set. Best effort.
func (c *Coordinator) mergeActiveMarkets(ctx context.Context) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		c.logger.Warn("Failed to list active markets", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.symbols = models.NormalizeSymbols(append(c.symbols, active...))
	c.mu.Unlock()
}

func (c *Coordinator) resyncLoop(ctx context.Context) {
	defer c.loopWG.Done()
	ticker := time.NewTicker(c.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.resync(ctx, false); err != nil {
				if errors.Is(err, upstream.ErrUpstreamRateLimited) {
					c.logger.Warn("Resync rate limited, backing off until next cycle")
				} else if ctx.Err() == nil {
					c.logger.Error("Periodic resync failed", zap.Error(err))
				}
			}
		}
	}
}

// Resync runs one full resync outside the schedule. Stop waits for it.
func (c *Coordinator) Resync(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.loopWG.Add(1)
	c.mu.Unlock()
	defer c.loopWG.Done()

	return c.resync(ctx, false)
}

// resync fetches every tracked symbol and upserts it. strict makes a single
// storage failure fail the whole resync.
func (c *Coordinator) resync(ctx context.Context, strict bool) error {
	symbols := c.TrackedSymbols()
	if len(symbols) == 0 {
		c.metrics.Resync("empty")
		return nil
	}

	ticks, err := c.feed.FetchSnapshotBatch(ctx, symbols)
	if err != nil {
		if errors.Is(err, upstream.ErrUpstreamRateLimited) {
			c.metrics.Resync("rate_limited")
		} else {
			c.metrics.Resync("error")
		}
		return err
	}

	applied := 0
	for _, t := range ticks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, ok, err := c.apply(ctx, t)
		if err != nil {
			if strict {
				c.metrics.Resync("error")
				return err
			}
			c.logger.Warn("Resync upsert failed", zap.String("symbol", t.Symbol), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}

	c.metrics.Resync("ok")
	c.logger.Info("Resync complete", zap.Int("fetched", len(ticks)), zap.Int("applied", applied))
	c.broadcaster.BroadcastToAll(protocol.TypeMarketsUpdated, protocol.MarketsUpdatedData{
		Count:   len(ticks),
		Symbols: symbols,
	})
	return nil
}

// apply upserts t and journals it when it won.
func (c *Coordinator) apply(ctx context.Context, t models.Tick) (models.MarketSnapshot, bool, error) {
	snap, applied, err := c.store.Upsert(ctx, t)
	if err != nil {
		return snap, false, err
	}
	if !applied {
		c.metrics.StaleWrite()
		c.logger.Debug("Stale tick ignored", zap.String("symbol", t.Symbol), zap.Time("event_time", t.EventTime))
		return snap, false, nil
	}
	if c.journal != nil {
		if err := c.journal.Record(ctx, t); err != nil {
			c.logger.Warn("Journal write failed", zap.String("symbol", t.Symbol), zap.Error(err))
		}
	}
	return snap, true, nil
}
