package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/protocol"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// ErrDeliveryFailure is wrapped by Client.Send and Client.Ping errors.
var ErrDeliveryFailure = errors.New("delivery failure")

// Eviction reasons.
const (
	ReasonClosed    = "closed"
	ReasonDelivery  = "delivery_failure"
	ReasonHeartbeat = "heartbeat"
	ReasonShutdown  = "shutdown"
)

const sweepChunk = 100

// Client is one transport connection as seen by the hub.
type Client interface {
	ID() string
	UserID() string
	// Send must not block; a closed or saturated connection returns an error.
	Send(msg []byte) error
	// Ping sends a transport-level liveness ping.
	Ping() error
	Close()
}

type Options struct {
	Channels          []string
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

// Subscription is one (symbol, channel) pair.
type Subscription struct {
	Symbol  string
	Channel string
}

type connection struct {
	client       Client
	subs         map[Subscription]struct{}
	lastLiveness time.Time
	alive        bool
}

// Hub owns the connection registry and the subscription index. Both maps
// are only mutated together under mu, so the index always equals the union
// of every connection's subscriptions.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
	index map[Subscription]map[string]Client

	markets    repository.MarketReader
	watchlists repository.WatchlistReader
	channels   map[string]bool
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(markets repository.MarketReader, watchlists repository.WatchlistReader, opts Options, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if len(opts.Channels) == 0 {
		opts.Channels = []string{models.ChannelTicker}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	channels := make(map[string]bool, len(opts.Channels))
	for _, c := range opts.Channels {
		channels[c] = true
	}
	return &Hub{
		conns:      make(map[string]*connection),
		index:      make(map[Subscription]map[string]Client),
		markets:    markets,
		watchlists: watchlists,
		channels:   channels,
		opts:       opts,
		logger:     logger.With(zap.String("component", "hub")),
		metrics:    m,
	}
}

// Start runs the snapshot sweep and the heartbeat until Stop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(2)
	go h.loop(ctx, h.opts.SweepInterval, func() { h.Sweep(ctx) })
	go h.loop(ctx, h.opts.HeartbeatInterval, h.CheckLiveness)
}

// Stop halts the background loops and closes every connection.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connection)
	h.index = make(map[Subscription]map[string]Client)
	h.mu.Unlock()

	for _, c := range conns {
		c.client.Close()
		h.metrics.ConnectionClosed(ReasonShutdown)
	}
}

func (h *Hub) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Register adds an authenticated client, greets it and seeds its
// subscriptions from the user's watchlists. Seeding is best-effort.
func (h *Hub) Register(ctx context.Context, client Client) {
	h.mu.Lock()
	h.conns[client.ID()] = &connection{
		client:       client,
		subs:         make(map[Subscription]struct{}),
		lastLiveness: h.opts.Now(),
		alive:        true,
	}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()

	h.logger.Debug("Client registered", zap.String("conn_id", client.ID()), zap.String("user_id", client.UserID()))

	h.send(client, protocol.TypeConnection, protocol.ConnectionData{
		ConnectionID: client.ID(),
		UserID:       client.UserID(),
		Message:      "Connected to market data stream",
	})

	if h.watchlists == nil {
		return
	}
	symbols, err := h.watchlists.FindSymbolsForUser(ctx, client.UserID())
	if err != nil {
		h.logger.Warn("Failed to load watchlists, starting with no subscriptions",
			zap.String("user_id", client.UserID()), zap.Error(err))
		return
	}
	if len(symbols) == 0 {
		return
	}

	channels := []string{models.ChannelTicker}
	accepted := h.activeSymbols(ctx, symbols)
	if len(accepted) == 0 || !h.addSubscriptions(client.ID(), accepted, channels) {
		return
	}
	h.send(client, protocol.TypeSubscriptionSuccess, protocol.SubscriptionData{Symbols: accepted, Channels: channels})
}

// HandleMessage processes one inbound frame. Per-connection ordering is the
// caller's read loop.
func (h *Hub) HandleMessage(ctx context.Context, client Client, raw []byte) {
	cmd, err := protocol.Decode(raw)
	if err != nil {
		h.sendError(client, err.Error())
		return
	}

	switch c := cmd.(type) {
	case protocol.Subscribe:
		h.handleSubscribe(ctx, client, c)
	case protocol.Unsubscribe:
		h.handleUnsubscribe(client, c)
	case protocol.Ping:
		h.MarkAlive(client.ID())
		h.send(client, protocol.TypePong, nil)
	case protocol.GetMarketData:
		h.handleGetMarketData(ctx, client, c)
	case protocol.GetTicker:
		h.handleGetTicker(ctx, client, c)
	default:
		h.sendError(client, fmt.Sprintf("unsupported command %T", cmd))
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, client Client, cmd protocol.Subscribe) {
	channels := cmd.Channels
	if len(channels) == 0 {
		channels = []string{models.ChannelTicker}
	}
	var valid []string
	for _, c := range channels {
		if h.channels[c] {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		h.sendError(client, fmt.Sprintf("no supported channels in %v", channels))
		return
	}

	accepted := h.activeSymbols(ctx, cmd.Symbols)
	if !h.addSubscriptions(client.ID(), accepted, valid) {
		return
	}
	h.send(client, protocol.TypeSubscriptionSuccess, protocol.SubscriptionData{Symbols: accepted, Channels: valid})
}

// activeSymbols drops symbols that are not active markets. A storage error
// drops the symbol too.
func (h *Hub) activeSymbols(ctx context.Context, symbols []string) []string {
	accepted := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		market, err := h.markets.FindActiveBySymbol(ctx, sym)
		if err != nil {
			h.logger.Warn("Market lookup failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if market != nil {
			accepted = append(accepted, market.Symbol)
		}
	}
	return accepted
}

// addSubscriptions reports false when the connection is no longer registered.
func (h *Hub) addSubscriptions(id string, symbols, channels []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	for _, sym := range symbols {
		for _, ch := range channels {
			key := Subscription{Symbol: sym, Channel: ch}
			conn.subs[key] = struct{}{}
			if h.index[key] == nil {
				h.index[key] = make(map[string]Client)
			}
			h.index[key][id] = conn.client
		}
	}
	return true
}

func (h *Hub) handleUnsubscribe(client Client, cmd protocol.Unsubscribe) {
	h.mu.Lock()
	conn, ok := h.conns[client.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}

	channels := make(map[string]bool, len(cmd.Channels))
	for _, c := range cmd.Channels {
		channels[c] = true
	}
	symbols := make(map[string]bool, len(cmd.Symbols))
	for _, s := range cmd.Symbols {
		symbols[s] = true
	}

	for key := range conn.subs {
		if !cmd.All && !symbols[key.Symbol] {
			continue
		}
		if len(channels) > 0 && !channels[key.Channel] {
			continue
		}
		h.removeLocked(client.ID(), conn, key)
	}
	h.mu.Unlock()

	resp := protocol.SubscriptionData{Symbols: cmd.Symbols, Channels: cmd.Channels}
	if cmd.All {
		resp.Symbols = []string{protocol.UnsubscribeAll}
	}
	h.send(client, protocol.TypeUnsubscriptionSuccess, resp)
}

func (h *Hub) removeLocked(id string, conn *connection, key Subscription) {
	delete(conn.subs, key)
	if subs := h.index[key]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.index, key)
		}
	}
}

func (h *Hub) handleGetMarketData(ctx context.Context, client Client, cmd protocol.GetMarketData) {
	symbols := cmd.Symbols
	if len(symbols) == 0 {
		symbols = h.symbolsOf(client.ID())
	}
	snaps, err := h.markets.FindBySymbols(ctx, symbols)
	if err != nil {
		h.logger.Warn("Market data lookup failed", zap.Error(err))
		h.sendError(client, "market data temporarily unavailable")
		return
	}
	if snaps == nil {
		snaps = []models.MarketSnapshot{}
	}
	h.send(client, protocol.TypeMarketData, snaps)
}

func (h *Hub) handleGetTicker(ctx context.Context, client Client, cmd protocol.GetTicker) {
	snaps, err := h.markets.FindBySymbols(ctx, []string{cmd.Symbol})
	if err != nil {
		h.logger.Warn("Ticker lookup failed", zap.String("symbol", cmd.Symbol), zap.Error(err))
		h.sendError(client, "ticker temporarily unavailable")
		return
	}
	if len(snaps) == 0 {
		h.sendError(client, "market not found: "+cmd.Symbol)
		return
	}
	h.send(client, protocol.TypeTicker, snaps[0])
}

func (h *Hub) symbolsOf(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for key := range conn.subs {
		if !seen[key.Symbol] {
			seen[key.Symbol] = true
			out = append(out, key.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Unregister removes the client and its index entries, then closes it.
func (h *Hub) Unregister(client Client) {
	h.evict(client.ID(), ReasonClosed)
	client.Close()
}

func (h *Hub) evict(id, reason string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		h.dropLocked(id, conn)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	conn.client.Close()
	h.metrics.ConnectionClosed(reason)
	h.logger.Debug("Client removed", zap.String("conn_id", id), zap.String("reason", reason))
}

func (h *Hub) dropLocked(id string, conn *connection) {
	for key := range conn.subs {
		h.removeLocked(id, conn, key)
	}
	delete(h.conns, id)
}

// MarkAlive records a liveness response for the connection.
func (h *Hub) MarkAlive(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[id]; ok {
		conn.alive = true
		conn.lastLiveness = h.opts.Now()
	}
}

// CheckLiveness evicts connections that did not answer the previous ping
// and pings the rest.
func (h *Hub) CheckLiveness() {
	var dead, pinged []Client

	h.mu.Lock()
	for id, conn := range h.conns {
		if !conn.alive {
			h.dropLocked(id, conn)
			dead = append(dead, conn.client)
			continue
		}
		conn.alive = false
		pinged = append(pinged, conn.client)
	}
	h.mu.Unlock()

	for _, c := range dead {
		c.Close()
		h.metrics.ConnectionClosed(ReasonHeartbeat)
		h.logger.Info("Evicted unresponsive client", zap.String("conn_id", c.ID()))
	}
	for _, c := range pinged {
		if err := c.Ping(); err != nil {
			h.logger.Debug("Liveness ping failed", zap.String("conn_id", c.ID()), zap.Error(err))
			h.evict(c.ID(), ReasonDelivery)
		}
	}
}

// BroadcastToSubscribers encodes data once and delivers it to every
// connection subscribed to (symbol, channel).
func (h *Hub) BroadcastToSubscribers(symbol, channel string, data interface{}) {
	payload, err := protocol.Encode(channel, data, h.opts.Now())
	if err != nil {
		h.logger.Error("Failed to encode broadcast", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	h.BroadcastRaw(symbol, channel, payload)
}

// BroadcastRaw delivers an already encoded envelope. Sends happen outside
// the lock; failed connections are evicted after the fan-out.
func (h *Hub) BroadcastRaw(symbol, channel string, payload []byte) {
	h.mu.RLock()
	subs := h.index[Subscription{Symbol: symbol, Channel: channel}]
	targets := make([]Client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, channel, payload)
}

func (h *Hub) BroadcastToAll(msgType string, data interface{}) {
	payload, err := protocol.Encode(msgType, data, h.opts.Now())
	if err != nil {
		h.logger.Error("Failed to encode broadcast", zap.String("type", msgType), zap.Error(err))
		return
	}
	h.BroadcastRawToAll(payload)
}

func (h *Hub) BroadcastRawToAll(payload []byte) {
	h.mu.RLock()
	targets := make([]Client, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn.client)
	}
	h.mu.RUnlock()

	h.deliver(targets, "all", payload)
}

func (h *Hub) deliver(targets []Client, label string, payload []byte) {
	var failed []Client
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			h.logger.Debug("Delivery failed", zap.String("conn_id", c.ID()), zap.Error(err))
			failed = append(failed, c)
			continue
		}
		h.metrics.MessageSent(label)
	}
	for _, c := range failed {
		h.evict(c.ID(), ReasonDelivery)
	}
}

// Sweep re-pushes the stored snapshot of every symbol with at least one
// ticker subscriber. Snapshots that never received a tick are skipped.
func (h *Hub) Sweep(ctx context.Context) {
	symbols := h.SubscribedSymbols(models.ChannelTicker)
	for start := 0; start < len(symbols); start += sweepChunk {
		if ctx.Err() != nil {
			return
		}
		end := min(start+sweepChunk, len(symbols))
		snaps, err := h.markets.FindBySymbols(ctx, symbols[start:end])
		if err != nil {
			h.logger.Warn("Snapshot sweep failed", zap.Error(err))
			return
		}
		for _, snap := range snaps {
			// activated but never priced
			if snap.LastUpdateTimestamp.IsZero() {
				continue
			}
			h.BroadcastToSubscribers(snap.Symbol, models.ChannelTicker, snap)
		}
	}
}

// SubscribedSymbols lists the symbols with at least one subscriber on channel.
func (h *Hub) SubscribedSymbols(channel string) []string {
	h.mu.RLock()
	var out []string
	for key, subs := range h.index {
		if key.Channel == channel && len(subs) > 0 {
			out = append(out, key.Symbol)
		}
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Subscribers lists the connection ids indexed under (symbol, channel).
func (h *Hub) Subscribers(symbol, channel string) []string {
	h.mu.RLock()
	subs := h.index[Subscription{Symbol: symbol, Channel: channel}]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnectionInfo is a point-in-time view of one registered connection.
type ConnectionInfo struct {
	ID            string
	UserID        string
	Subscriptions []Subscription
	Alive         bool
	LastLiveness  time.Time
}

// Snapshot returns every registered connection sorted by id.
func (h *Hub) Snapshot() []ConnectionInfo {
	h.mu.RLock()
	out := make([]ConnectionInfo, 0, len(h.conns))
	for id, conn := range h.conns {
		info := ConnectionInfo{
			ID:           id,
			UserID:       conn.client.UserID(),
			Alive:        conn.alive,
			LastLiveness: conn.lastLiveness,
		}
		for key := range conn.subs {
			info.Subscriptions = append(info.Subscriptions, key)
		}
		sort.Slice(info.Subscriptions, func(i, j int) bool {
			a, b := info.Subscriptions[i], info.Subscriptions[j]
			if a.Symbol != b.Symbol {
				return a.Symbol < b.Symbol
			}
			return a.Channel < b.Channel
		})
		out = append(out, info)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) send(c Client, msgType string, data interface{}) {
	payload, err := protocol.Encode(msgType, data, h.opts.Now())
	if err != nil {
		h.logger.Error("Failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := c.Send(payload); err != nil {
		h.evict(c.ID(), ReasonDelivery)
		return
	}
	h.metrics.MessageSent(msgType)
}

func (h *Hub) sendError(c Client, msg string) {
	h.send(c, protocol.TypeError, protocol.ErrorData{Message: msg})
}
