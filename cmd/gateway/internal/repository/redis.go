package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

const (
	marketPrefix    = "market:"
	activeKey       = "markets:active"
	watchlistsKey   = "watchlists:"
	watchlistPrefix = "watchlist:"

	maxTxRetries = 5
)

var (
	_ MarketStore    = (*RedisStore)(nil)
	_ WatchlistStore = (*RedisStore)(nil)
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func marketKey(symbol string) string { return marketPrefix + symbol }

// FindBySymbols fetches the stored snapshots for symbols (MGET). Unknown
// symbols are skipped.
func (r *RedisStore) FindBySymbols(ctx context.Context, symbols []string) ([]models.MarketSnapshot, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = marketKey(sym)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", ErrStorageUnavailable, err)
	}

	snapshots := make([]models.MarketSnapshot, 0, len(results))
	for _, val := range results {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var snap models.MarketSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (r *RedisStore) FindActiveBySymbol(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	snap, exists, err := getMarket(ctx, r.client, models.NormalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	if !exists || !snap.Active {
		return nil, nil
	}
	return &snap, nil
}

func (r *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	symbols, err := r.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers: %v", ErrStorageUnavailable, err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Upsert runs ApplyTick inside an optimistic WATCH/MULTI transaction so a
// concurrent writer can never interleave between the read and the write.
func (r *RedisStore) Upsert(ctx context.Context, tick models.Tick) (models.MarketSnapshot, bool, error) {
	sym := models.NormalizeSymbol(tick.Symbol)
	if sym == "" {
		return models.MarketSnapshot{}, false, fmt.Errorf("upsert: empty symbol")
	}
	key := marketKey(sym)

	var (
		next    models.MarketSnapshot
		applied bool
	)
	txf := func(tx *redis.Tx) error {
		prev, exists, err := getMarket(ctx, tx, sym)
		if err != nil {
			return err
		}
		next, applied = models.ApplyTick(prev, exists, tick)
		if !applied {
			return nil
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if next.Active {
				pipe.SAdd(ctx, activeKey, sym)
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return models.MarketSnapshot{}, false, err
	}
	return next, applied, nil
}

// SetActive flips the active flag, creating an empty active market when the
// symbol is unknown.
func (r *RedisStore) SetActive(ctx context.Context, symbol string, active bool) error {
	sym := models.NormalizeSymbol(symbol)
	key := marketKey(sym)

	txf := func(tx *redis.Tx) error {
		snap, exists, err := getMarket(ctx, tx, sym)
		if err != nil {
			return err
		}
		if !exists {
			if !active {
				return nil
			}
			snap = models.MarketSnapshot{Symbol: sym}
		}
		snap.Active = active
		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if active {
				pipe.SAdd(ctx, activeKey, sym)
			} else {
				pipe.SRem(ctx, activeKey, sym)
			}
			return nil
		})
		return err
	}
	return r.watch(ctx, txf, key)
}

func (r *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: transaction on %s kept conflicting", ErrStorageUnavailable, key)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getMarket(ctx context.Context, c getter, symbol string) (models.MarketSnapshot, bool, error) {
	raw, err := c.Get(ctx, marketKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.MarketSnapshot{}, false, nil
	}
	if err != nil {
		return models.MarketSnapshot{}, false, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, symbol, err)
	}
	var snap models.MarketSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.MarketSnapshot{}, false, fmt.Errorf("decode market %s: %w", symbol, err)
	}
	return snap, true, nil
}

// FindSymbolsForUser returns the union of every watchlist the user owns.
func (r *RedisStore) FindSymbolsForUser(ctx context.Context, userID string) ([]string, error) {
	names, err := r.client.SMembers(ctx, watchlistsKey+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: watchlists: %v", ErrStorageUnavailable, err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.SMembers(ctx, watchlistKey(userID, name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: watchlist symbols: %v", ErrStorageUnavailable, err)
	}

	var all []string
	for _, cmd := range cmds {
		all = append(all, cmd.Val()...)
	}
	symbols := models.NormalizeSymbols(all)
	sort.Strings(symbols)
	return symbols, nil
}

func (r *RedisStore) AddToWatchlist(ctx context.Context, userID, name string, symbols ...string) error {
	symbols = models.NormalizeSymbols(symbols)
	members := make([]interface{}, len(symbols))
	for i, s := range symbols {
		members[i] = s
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, watchlistsKey+userID, name)
		if len(members) > 0 {
			pipe.SAdd(ctx, watchlistKey(userID, name), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: add watchlist: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func watchlistKey(userID, name string) string {
	return watchlistPrefix + userID + ":" + name
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
