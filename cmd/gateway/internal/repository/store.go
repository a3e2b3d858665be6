package repository

import (
	"context"
	"errors"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// ErrStorageUnavailable wraps every backend failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

type MarketReader interface {
	FindBySymbols(ctx context.Context, symbols []string) ([]models.MarketSnapshot, error)
	// FindActiveBySymbol returns nil without error when the market is unknown
	// or inactive.
	FindActiveBySymbol(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
	ListActive(ctx context.Context) ([]string, error)
}

type MarketWriter interface {
	// Upsert applies tick last-writer-wins by its event time. applied is false
	// when a newer snapshot was already stored; the stored snapshot is returned.
	Upsert(ctx context.Context, tick models.Tick) (snap models.MarketSnapshot, applied bool, err error)
	SetActive(ctx context.Context, symbol string, active bool) error
}

type MarketStore interface {
	MarketReader
	MarketWriter
}

type WatchlistReader interface {
	FindSymbolsForUser(ctx context.Context, userID string) ([]string, error)
}

type WatchlistStore interface {
	WatchlistReader
	AddToWatchlist(ctx context.Context, userID, name string, symbols ...string) error
}
