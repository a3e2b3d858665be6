package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// Inbound message types.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypePing          = "ping"
	TypeGetMarketData = "get_market_data"
	TypeGetTicker     = "get_ticker"
)

// Outbound message types.
const (
	TypeConnection            = "connection"
	TypeSubscriptionSuccess   = "subscription_success"
	TypeUnsubscriptionSuccess = "unsubscription_success"
	TypePong                  = "pong"
	TypeMarketData            = "market_data"
	TypeTicker                = "ticker"
	TypeKline                 = "kline"
	TypeDepth                 = "depth"
	TypeError                 = "error"
	TypeMarketsUpdated        = "markets_updated"
)

// UnsubscribeAll is the symbols value that clears every subscription.
const UnsubscribeAll = "all"

// Envelope is every server to client frame.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Encode marshals an envelope stamped with now.
func Encode(msgType string, data interface{}, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: now.UTC()})
}

type ConnectionData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Message      string `json:"message"`
}

type SubscriptionData struct {
	Symbols  []string `json:"symbols"`
	Channels []string `json:"channels"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type MarketsUpdatedData struct {
	Count   int      `json:"count"`
	Symbols []string `json:"symbols"`
}
