package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/auth"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/coordinator"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/gateway"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/journal"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/upstream"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/config"
)

// simulated mode starting prices
var basePrices = map[string]float64{
	"BTCUSDT": 65000, "ETHUSDT": 3200, "BNBUSDT": 580, "SOLUSDT": 150, "XRPUSDT": 0.6,
}

type storage struct {
	markets    repository.MarketStore
	watchlists repository.WatchlistStore
	close      func()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	var rdb *redis.Client
	if cfg.Storage.Driver == "redis" || cfg.Gateway.Relay == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	store, err := openStorage(ctx, cfg, rdb)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer store.close()

	wsHub := hub.NewHub(store.markets, store.watchlists, hub.Options{
		Channels:          cfg.Gateway.Channels,
		SweepInterval:     cfg.Gateway.SweepInterval,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
	}, logger, m)
	wsHub.Start(ctx)

	// the coordinator broadcasts through the relay so every gateway process sees each tick
	var broadcaster coordinator.Broadcaster = wsHub
	if cfg.Gateway.Relay == "redis" {
		relay := repository.NewRedisRelay(rdb)
		broadcaster = hub.NewRelayBroadcaster(relay, logger)
		ready := make(chan struct{})
		go func() {
			if err := relay.Run(ctx, ready, wsHub.HandleRelay); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Relay subscriber stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			logger.Fatal("Relay subscriber did not become ready")
		}
	}

	var tickJournal coordinator.Journal
	if cfg.Kafka.Enabled {
		j := openJournal(ctx, cfg, logger)
		defer func() {
			if err := j.Close(); err != nil {
				logger.Error("Error closing Kafka writer", zap.Error(err))
			} else {
				logger.Info("Kafka writer closed cleanly")
			}
		}()
		tickJournal = j
	}

	feed := newFeed(cfg, logger, m)
	coord := coordinator.New(feed, store.markets, broadcaster, tickJournal, coordinator.Options{
		Symbols:        cfg.Sync.Symbols,
		ResyncInterval: cfg.Sync.ResyncInterval,
		SettleDelay:    cfg.Sync.SettleDelay,
		NumWorkers:     cfg.Sync.NumWorkers,
		QueueSize:      cfg.Sync.QueueSize,
	}, logger, m)
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("Failed to start market sync", zap.Error(err))
	}

	router := gateway.NewRouter(gateway.RouterDeps{
		Hub: wsHub,
		Verifier: auth.NewVerifier(auth.Options{
			Secret:   cfg.Auth.Secret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		}),
		Tracker:        coord,
		Feed:           feed,
		Markets:        store.markets,
		Metrics:        m,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	coord.Stop()
	wsHub.Stop()
	cancel()
	logger.Info("Shutdown Complete")
}

func openStorage(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*storage, error) {
	switch cfg.Storage.Driver {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, err
		}
		ms := repository.NewMongoStore(client.Database(cfg.Mongo.Database))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return &storage{markets: ms, watchlists: ms, close: func() {
			_ = client.Disconnect(context.Background())
		}}, nil
	default:
		rs := repository.NewRedisStore(rdb)
		return &storage{markets: rs, watchlists: rs, close: func() {}}, nil
	}
}

func newFeed(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) upstream.Feed {
	if cfg.Upstream.Mode == "simulated" {
		rnd := upstream.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
		return upstream.NewSimulatedFeed(logger, basePrices, rnd, upstream.RealClock{}, 500*time.Millisecond)
	}
	delay := cfg.Upstream.ReconnectDelay
	return upstream.NewClient(upstream.Options{
		RestURL:        cfg.Upstream.RestURL,
		StreamURL:      cfg.Upstream.StreamURL,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		RateLimit:      cfg.Upstream.RateLimit,
		RetryMaxTries:  cfg.Upstream.RetryMaxTries,
		Reconnect:      func() *upstream.RetryPolicy { return upstream.FixedDelay(delay) },
		KlineInterval:  cfg.Upstream.KlineInterval,
		DepthLevels:    cfg.Upstream.DepthLevels,
	}, logger, m)
}

func openJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger) *journal.Journal {
	err := journal.EnsureTopic(ctx, journal.Dial(kafka.DefaultDialer), cfg.Kafka.Brokers, journal.TopicSpec{
		Name:        cfg.Kafka.Topic,
		Partitions:  cfg.Kafka.Partitions,
		Replication: cfg.Kafka.ReplicationFactor,
	})
	if err != nil {
		logger.Warn("Journal topic not ready, writer will retry", zap.String("topic", cfg.Kafka.Topic), zap.Error(err))
	} else {
		logger.Info("Journal topic ready", zap.String("topic", cfg.Kafka.Topic))
	}
	return journal.New(logger, journal.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
}
