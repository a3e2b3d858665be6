package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/protocol"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
)

const publishTimeout = 2 * time.Second

// Publisher is the cross-process transport, normally *repository.RedisRelay.
type Publisher interface {
	Publish(ctx context.Context, channel, symbol string, payload []byte) error
}

// RelayBroadcaster publishes encoded envelopes instead of delivering them
// locally. Every gateway process feeds the relayed messages into its own Hub
// through HandleRelay.
type RelayBroadcaster struct {
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewRelayBroadcaster(pub Publisher, logger *zap.Logger) *RelayBroadcaster {
	return &RelayBroadcaster{pub: pub, logger: logger.With(zap.String("component", "relay")), now: time.Now}
}

func (r *RelayBroadcaster) BroadcastToSubscribers(symbol, channel string, data interface{}) {
	r.publish(channel, symbol, channel, data)
}

func (r *RelayBroadcaster) BroadcastToAll(msgType string, data interface{}) {
	r.publish(repository.RelayBroadcast, "", msgType, data)
}

func (r *RelayBroadcaster) publish(channel, symbol, msgType string, data interface{}) {
	payload, err := protocol.Encode(msgType, data, r.now())
	if err != nil {
		r.logger.Error("Failed to encode relay message", zap.String("type", msgType), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.pub.Publish(ctx, channel, symbol, payload); err != nil {
		r.logger.Warn("Relay publish failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// HandleRelay delivers a message received from the relay.
func (h *Hub) HandleRelay(channel, symbol string, payload []byte) {
	if symbol == "" || channel == repository.RelayBroadcast {
		h.BroadcastRawToAll(payload)
		return
	}
	h.BroadcastRaw(symbol, channel, payload)
}
