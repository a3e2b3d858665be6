// Package upstream talks to the exchange: REST snapshots, a supervised
// combined stream, and a simulated feed for local runs.
package upstream

import (
	"context"
	"errors"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

var (
	// ErrUpstreamUnavailable covers network failures and 5xx responses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRateLimited means the exchange asked us to back off.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	// ErrUnknownSymbol means the exchange does not list the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Feed is the exchange surface the coordinator depends on.
type Feed interface {
	// FetchSnapshotBatch omits symbols the exchange does not list.
	FetchSnapshotBatch(ctx context.Context, symbols []string) ([]models.Tick, error)
	OpenStream(symbols []string, onEvent func(models.Event)) Handle
}

// Handle controls one supervised stream.
type Handle interface {
	// Reopen closes the current connection and reconnects with symbols.
	Reopen(symbols []string)
	// Close stops the supervisor. No event is delivered after it returns.
	Close()
}
