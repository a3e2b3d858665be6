package hub_test

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/protocol"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

type published struct {
	channel, symbol string
	payload         []byte
}

// loopback hands every published message straight to the hub.
type loopback struct {
	mu   sync.Mutex
	h    *hub.Hub
	sent []published
}

func (l *loopback) Publish(ctx context.Context, channel, symbol string, payload []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, published{channel, symbol, payload})
	l.mu.Unlock()
	l.h.HandleRelay(channel, symbol, payload)
	return nil
}

func TestRelayBroadcaster_RoutesThroughHub(t *testing.T) {
	h, _ := setup()
	sub := register(t, h, "sub")
	other := register(t, h, "other")
	send(h, sub, `{"type":"subscribe","symbols":["BTCUSDT"]}`)

	pub := &loopback{h: h}
	rb := hub.NewRelayBroadcaster(pub, zap.NewNop())

	rb.BroadcastToSubscribers("BTCUSDT", models.ChannelTicker, models.Tick{Symbol: "BTCUSDT", LastPrice: 1})
	if len(sub.MessagesOfType(protocol.TypeTicker)) != 1 {
		t.Errorf("Subscriber should receive relayed tick")
	}
	if len(other.MessagesOfType(protocol.TypeTicker)) != 0 {
		t.Errorf("Non-subscriber must not receive relayed tick")
	}

	rb.BroadcastToAll(protocol.TypeMarketsUpdated, protocol.MarketsUpdatedData{Count: 1})
	if other.LastMsgType() != protocol.TypeMarketsUpdated || sub.LastMsgType() != protocol.TypeMarketsUpdated {
		t.Errorf("Broadcast-all should reach every connection")
	}
	if pub.sent[1].channel != repository.RelayBroadcast {
		t.Errorf("Expected broadcast channel, got %q", pub.sent[1].channel)
	}
}
