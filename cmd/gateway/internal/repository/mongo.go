package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

const (
	marketsCollection    = "markets"
	watchlistsCollection = "watchlists"
)

var (
	_ MarketStore    = (*MongoStore)(nil)
	_ WatchlistStore = (*MongoStore)(nil)
)

// MongoStore keeps markets and watchlists in MongoDB. Upserts are conditional
// on lastUpdateTimestamp and rely on the unique symbol index to reject stale
// writes.
type MongoStore struct {
	markets    *mongo.Collection
	watchlists *mongo.Collection
}

type watchlistDoc struct {
	UserID  string   `bson:"userId"`
	Name    string   `bson:"name"`
	Symbols []string `bson:"symbols"`
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		markets:    db.Collection(marketsCollection),
		watchlists: db.Collection(watchlistsCollection),
	}
}

// EnsureIndexes creates the unique indexes the conditional upsert depends on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.markets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "symbol", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: markets index: %v", ErrStorageUnavailable, err)
	}
	_, err = m.watchlists.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: watchlists index: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (m *MongoStore) FindBySymbols(ctx context.Context, symbols []string) ([]models.MarketSnapshot, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}
	cur, err := m.markets.Find(ctx, bson.M{"symbol": bson.M{"$in": symbols}})
	if err != nil {
		return nil, fmt.Errorf("%w: find markets: %v", ErrStorageUnavailable, err)
	}
	var snaps []models.MarketSnapshot
	if err := cur.All(ctx, &snaps); err != nil {
		return nil, fmt.Errorf("%w: decode markets: %v", ErrStorageUnavailable, err)
	}
	return snaps, nil
}

func (m *MongoStore) FindActiveBySymbol(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	err := m.markets.FindOne(ctx, bson.M{"symbol": models.NormalizeSymbol(symbol), "isActive": true}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find market: %v", ErrStorageUnavailable, err)
	}
	return &snap, nil
}

func (m *MongoStore) ListActive(ctx context.Context) ([]string, error) {
	values, err := m.markets.Distinct(ctx, "symbol", bson.M{"isActive": true})
	if err != nil {
		return nil, fmt.Errorf("%w: distinct symbols: %v", ErrStorageUnavailable, err)
	}
	symbols := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (m *MongoStore) Upsert(ctx context.Context, tick models.Tick) (models.MarketSnapshot, bool, error) {
	sym := models.NormalizeSymbol(tick.Symbol)
	if sym == "" {
		return models.MarketSnapshot{}, false, fmt.Errorf("upsert: empty symbol")
	}
	next, _ := models.ApplyTick(models.MarketSnapshot{}, false, tick)
	filter, update := upsertFilter(sym, tick.EventTime), upsertUpdate(next)
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored models.MarketSnapshot
	err := m.markets.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// The filter missed because the stored document is newer.
		current, ferr := m.findBySymbol(ctx, sym)
		if ferr != nil {
			return models.MarketSnapshot{}, false, ferr
		}
		return current, false, nil
	}
	if err != nil {
		return models.MarketSnapshot{}, false, fmt.Errorf("%w: upsert %s: %v", ErrStorageUnavailable, sym, err)
	}
	return stored, true, nil
}

// upsertFilter matches the stored market only when it is not newer than
// eventTime. A newer document makes the upsert try an insert, which the
// unique symbol index rejects.
func upsertFilter(sym string, eventTime time.Time) bson.M {
	return bson.M{"symbol": sym, "lastUpdateTimestamp": bson.M{"$lte": eventTime}}
}

// upsertUpdate writes every price field of next and never touches isActive
// on an existing market.
func upsertUpdate(next models.MarketSnapshot) bson.M {
	return bson.M{
		"$set": bson.M{
			"lastPrice":           next.LastPrice,
			"bid":                 next.Bid,
			"ask":                 next.Ask,
			"volume24h":           next.Volume24h,
			"change24h":           next.Change24h,
			"changePercent24h":    next.ChangePercent24h,
			"high24h":             next.High24h,
			"low24h":              next.Low24h,
			"open24h":             next.Open24h,
			"lastUpdateTimestamp": next.LastUpdateTimestamp,
			"source":              next.Source,
		},
		"$setOnInsert": bson.M{"isActive": true},
	}
}

func (m *MongoStore) findBySymbol(ctx context.Context, sym string) (models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	if err := m.markets.FindOne(ctx, bson.M{"symbol": sym}).Decode(&snap); err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("%w: find %s: %v", ErrStorageUnavailable, sym, err)
	}
	return snap, nil
}

func (m *MongoStore) SetActive(ctx context.Context, symbol string, active bool) error {
	sym := models.NormalizeSymbol(symbol)
	update := bson.M{
		"$set":         bson.M{"isActive": active},
		"$setOnInsert": bson.M{"lastUpdateTimestamp": time.Time{}},
	}
	_, err := m.markets.UpdateOne(ctx, bson.M{"symbol": sym}, update, options.Update().SetUpsert(active))
	if err != nil {
		return fmt.Errorf("%w: set active %s: %v", ErrStorageUnavailable, sym, err)
	}
	return nil
}

func (m *MongoStore) FindSymbolsForUser(ctx context.Context, userID string) ([]string, error) {
	cur, err := m.watchlists.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("%w: find watchlists: %v", ErrStorageUnavailable, err)
	}
	var docs []watchlistDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode watchlists: %v", ErrStorageUnavailable, err)
	}
	var all []string
	for _, d := range docs {
		all = append(all, d.Symbols...)
	}
	symbols := models.NormalizeSymbols(all)
	sort.Strings(symbols)
	return symbols, nil
}

func (m *MongoStore) AddToWatchlist(ctx context.Context, userID, name string, symbols ...string) error {
	update := bson.M{"$addToSet": bson.M{"symbols": bson.M{"$each": models.NormalizeSymbols(symbols)}}}
	_, err := m.watchlists.UpdateOne(ctx, bson.M{"userId": userID, "name": name}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: add watchlist: %v", ErrStorageUnavailable, err)
	}
	return nil
}
