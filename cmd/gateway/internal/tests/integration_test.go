package tests

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/auth"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/coordinator"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/gateway"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/protocol"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/testutils"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

const secret = "integration-secret"

var t0 = time.Unix(1700000000, 0).UTC()

type stack struct {
	server *httptest.Server
	mr     *miniredis.Miniredis
	repo   *repository.RedisStore
	hub    *hub.Hub
	feed   *testutils.MockFeed
	coord  *coordinator.Coordinator
}

func startServer(t *testing.T, relay bool) *stack {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := repository.NewRedisStore(rdb)
	m := metrics.New()

	wsHub := hub.NewHub(repo, repo, hub.Options{Channels: []string{models.ChannelTicker, models.ChannelKline}}, zap.NewNop(), m)

	var bc coordinator.Broadcaster = wsHub
	ctx, cancel := context.WithCancel(context.Background())
	if relay {
		r := repository.NewRedisRelay(rdb)
		bc = hub.NewRelayBroadcaster(r, zap.NewNop())
		ready := make(chan struct{})
		go r.Run(ctx, ready, wsHub.HandleRelay)
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("Relay subscriber never became ready")
		}
	}

	feed := testutils.NewMockFeed()
	feed.SetTick(models.Tick{Symbol: "BTCUSDT", LastPrice: 49000, EventTime: t0, Source: models.SourceRest})
	feed.SetTick(models.Tick{Symbol: "ETHUSDT", LastPrice: 3000, EventTime: t0, Source: models.SourceRest})

	coord := coordinator.New(feed, repo, bc, nil, coordinator.Options{
		Symbols:        []string{"BTCUSDT", "ETHUSDT"},
		ResyncInterval: time.Hour,
		SettleDelay:    10 * time.Millisecond,
		NumWorkers:     2,
	}, zap.NewNop(), m)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Coordinator start failed: %v", err)
	}

	server := httptest.NewServer(gateway.NewRouter(gateway.RouterDeps{
		Hub:      wsHub,
		Verifier: auth.NewVerifier(auth.Options{Secret: secret}),
		Tracker:  coord,
		Feed:     feed,
		Markets:  repo,
		Metrics:  m,
		Logger:   zap.NewNop(),
	}))

	t.Cleanup(func() {
		coord.Stop()
		wsHub.Stop()
		cancel()
		server.Close()
		rdb.Close()
	})
	return &stack{server: server, mr: mr, repo: repo, hub: wsHub, feed: feed, coord: coord}
}

type client struct {
	conn *websocket.Conn
	msgs chan testutils.Message
}

func connectWS(t *testing.T, s *stack, userID string) *client {
	t.Helper()
	tok, _ := auth.Sign(secret, userID, time.Hour, "", "")
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	c := &client{conn: conn, msgs: make(chan testutils.Message, 256)}
	go func() {
		defer close(c.msgs)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m testutils.Message
			if json.Unmarshal(raw, &m) == nil {
				c.msgs <- m
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	c.expect(t, protocol.TypeConnection, nil)
	return c
}

// expect waits for a message of msgType that satisfies match.
func (c *client) expect(t *testing.T, msgType string, match func(testutils.Message) bool) testutils.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				t.Fatalf("Connection closed while waiting for %s", msgType)
			}
			if m.Type == msgType && (match == nil || match(m)) {
				return m
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", msgType)
		}
	}
}

func (c *client) send(t *testing.T, raw string) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func priceIs(price float64) func(testutils.Message) bool {
	return func(m testutils.Message) bool {
		var snap models.MarketSnapshot
		return json.Unmarshal(m.Data, &snap) == nil && snap.LastPrice == price
	}
}

func emitTick(s *stack, symbol string, price float64, at time.Time) {
	t := models.Tick{Symbol: symbol, LastPrice: price, EventTime: at, Source: models.SourceStream}
	s.feed.Stream().Emit(models.Event{Channel: models.ChannelTicker, Symbol: symbol, Tick: &t})
}

func TestEndToEnd_TickReachesSubscriber(t *testing.T) {
	for _, relay := range []bool{false, true} {
		name := "local"
		if relay {
			name = "relay"
		}
		t.Run(name, func(t *testing.T) {
			s := startServer(t, relay)
			c1 := connectWS(t, s, "u1")

			c1.send(t, `{"type":"subscribe","symbols":["BTCUSDT"],"channels":["ticker"]}`)
			c1.expect(t, protocol.TypeSubscriptionSuccess, nil)

			emitTick(s, "BTCUSDT", 50000, t0.Add(time.Second))
			c1.expect(t, protocol.TypeTicker, priceIs(50000))

			snaps, err := s.repo.FindBySymbols(context.Background(), []string{"BTCUSDT"})
			if err != nil || len(snaps) != 1 || snaps[0].LastPrice != 50000 {
				t.Errorf("Expected stored price 50000, got %+v (%v)", snaps, err)
			}
		})
	}
}

func TestEndToEnd_UnsubscribeAll(t *testing.T) {
	s := startServer(t, false)
	c1 := connectWS(t, s, "u1")
	c2 := connectWS(t, s, "u2")

	c1.send(t, `{"type":"subscribe","symbols":["ETHUSDT"]}`)
	c1.expect(t, protocol.TypeSubscriptionSuccess, nil)
	c2.send(t, `{"type":"subscribe","symbols":["ETHUSDT"]}`)
	c2.expect(t, protocol.TypeSubscriptionSuccess, nil)

	c1.send(t, `{"type":"unsubscribe","symbols":"all"}`)
	c1.expect(t, protocol.TypeUnsubscriptionSuccess, nil)

	emitTick(s, "ETHUSDT", 3100, t0.Add(time.Second))
	c2.expect(t, protocol.TypeTicker, priceIs(3100))

	// c1 answers a ping; no ticker may arrive before the pong
	c1.send(t, `{"type":"ping"}`)
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m := <-c1.msgs:
			if m.Type == protocol.TypeTicker {
				t.Fatalf("Unsubscribed connection received a tick")
			}
			if m.Type == protocol.TypePong {
				return
			}
		case <-timeout:
			t.Fatal("Timed out waiting for pong")
		}
	}
}

func TestEndToEnd_MalformedFrameKeepsConnection(t *testing.T) {
	s := startServer(t, false)
	c1 := connectWS(t, s, "u1")

	c1.send(t, `not json`)
	c1.expect(t, protocol.TypeError, nil)

	c1.send(t, `{"type":"ping"}`)
	c1.expect(t, protocol.TypePong, nil)
}

func TestEndToEnd_RejectedHandshakeCreatesNothing(t *testing.T) {
	s := startServer(t, false)
	expired, _ := auth.Sign(secret, "u1", -time.Hour, "", "")

	for _, tok := range []string{"", "garbage", expired} {
		url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + tok
		if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
			t.Fatalf("Expected handshake rejection for %q", tok)
		}
		if len(s.hub.Snapshot()) != 0 {
			t.Fatalf("Rejected handshake registered a connection")
		}
	}
}

func TestEndToEnd_WatchlistSeeding(t *testing.T) {
	s := startServer(t, false)
	s.repo.AddToWatchlist(context.Background(), "u1", "favourites", "ethusdt")

	c1 := connectWS(t, s, "u1")
	c1.expect(t, protocol.TypeSubscriptionSuccess, nil)

	// the sweep re-pushes stored snapshots without any new tick
	s.hub.Sweep(context.Background())
	c1.expect(t, protocol.TypeTicker, priceIs(3000))
}

func TestEndToEnd_AddSymbolRestartsStream(t *testing.T) {
	s := startServer(t, false)
	stream := s.feed.Stream()

	if !s.coord.AddSymbol("ADAUSDT") {
		t.Fatal("Expected ADAUSDT to be added")
	}
	testutils.Eventually(t, 2*time.Second, func() bool { return stream.ReopenCount() == 1 }, "stream restart")

	emitTick(s, "ADAUSDT", 0.45, t0)
	testutils.Eventually(t, 2*time.Second, func() bool {
		m, err := s.repo.FindActiveBySymbol(context.Background(), "ADAUSDT")
		return err == nil && m != nil && m.LastPrice == 0.45
	}, "ADAUSDT stored as active market")

	c1 := connectWS(t, s, "u1")
	c1.send(t, `{"type":"subscribe","symbols":["ADAUSDT"]}`)
	m := c1.expect(t, protocol.TypeSubscriptionSuccess, nil)
	if !strings.Contains(string(m.Data), "ADAUSDT") {
		t.Errorf("Expected ADAUSDT accepted, got %s", m.Data)
	}
}
