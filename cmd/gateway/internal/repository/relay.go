package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	relayPrefix  = "market."
	relayPattern = relayPrefix + "*"

	// RelayBroadcast is the channel name used for registry-wide messages.
	RelayBroadcast = "broadcast"
)

// RedisRelay fans encoded messages out to every gateway process over Redis
// pub/sub. Channels are "market.<channel>.<SYMBOL>" and "market.broadcast".
type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

// Publish sends payload to channel/symbol. An empty symbol targets everyone.
func (r *RedisRelay) Publish(ctx context.Context, channel, symbol string, payload []byte) error {
	name := relayPrefix + RelayBroadcast
	if symbol != "" {
		name = relayPrefix + channel + "." + symbol
	}
	if err := r.client.Publish(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrStorageUnavailable, name, err)
	}
	return nil
}

// Run is a blocking loop that reads relayed messages and triggers the
// callback. ready, if not nil, is closed once the subscription is active.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}, onMessage func(channel, symbol string, payload []byte)) error {
	pubsub := r.client.PSubscribe(ctx, relayPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: psubscribe: %v", ErrStorageUnavailable, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rest := strings.TrimPrefix(msg.Channel, relayPrefix)
			if rest == RelayBroadcast {
				onMessage(RelayBroadcast, "", []byte(msg.Payload))
				continue
			}
			channel, symbol, found := strings.Cut(rest, ".")
			if !found || symbol == "" {
				continue
			}
			onMessage(channel, symbol, []byte(msg.Payload))
		}
	}
}
