package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

var (
	// ErrMalformedMessage is returned for frames that are not a JSON object
	// with a usable payload.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownType is returned for well-formed frames with an unsupported type.
	ErrUnknownType = errors.New("unknown message type")
)

// Command is one decoded client message. The set of implementations is
// closed; handlers switch over the concrete types.
type Command interface {
	isCommand()
}

type Subscribe struct {
	Symbols  []string
	Channels []string
}

type Unsubscribe struct {
	All      bool
	Symbols  []string
	Channels []string
}

type Ping struct{}

type GetMarketData struct {
	Symbols []string
}

type GetTicker struct {
	Symbol string
}

func (Subscribe) isCommand()     {}
func (Unsubscribe) isCommand()   {}
func (Ping) isCommand()          {}
func (GetMarketData) isCommand() {}
func (GetTicker) isCommand()     {}

type inbound struct {
	Type     string          `json:"type"`
	Symbols  json.RawMessage `json:"symbols"`
	Symbol   string          `json:"symbol"`
	Channels []string        `json:"channels"`
}

// Decode parses one inbound text frame.
func Decode(raw []byte) (Command, error) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeSubscribe:
		symbols, all, err := decodeSymbols(msg.Symbols)
		if err != nil {
			return nil, err
		}
		if all || len(symbols) == 0 {
			return nil, fmt.Errorf("%w: subscribe requires a symbols list", ErrMalformedMessage)
		}
		return Subscribe{Symbols: symbols, Channels: normalizeChannels(msg.Channels)}, nil

	case TypeUnsubscribe:
		symbols, all, err := decodeSymbols(msg.Symbols)
		if err != nil {
			return nil, err
		}
		return Unsubscribe{All: all, Symbols: symbols, Channels: normalizeChannels(msg.Channels)}, nil

	case TypePing:
		return Ping{}, nil

	case TypeGetMarketData:
		symbols, _, err := decodeSymbols(msg.Symbols)
		if err != nil {
			return nil, err
		}
		return GetMarketData{Symbols: symbols}, nil

	case TypeGetTicker:
		sym := strings.ToUpper(strings.TrimSpace(msg.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("%w: get_ticker requires a symbol", ErrMalformedMessage)
		}
		return GetTicker{Symbol: sym}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// decodeSymbols accepts a list of symbols, a single symbol, or "all".
func decodeSymbols(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if strings.EqualFold(strings.TrimSpace(one), UnsubscribeAll) {
			return nil, true, nil
		}
		return upperAll([]string{one}), false, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("%w: symbols must be a list of strings", ErrMalformedMessage)
	}
	return upperAll(list), false, nil
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func normalizeChannels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
