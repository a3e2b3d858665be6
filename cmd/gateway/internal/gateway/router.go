package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/auth"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/coordinator"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/repository"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// Tracker is the coordinator surface the admin API needs.
type Tracker interface {
	AddSymbol(symbol string) bool
	RemoveSymbol(symbol string) bool
	TrackedSymbols() []string
	State() coordinator.State
}

// SnapshotFetcher loads current tickers from the exchange. Unknown symbols
// are left out of the result.
type SnapshotFetcher interface {
	FetchSnapshotBatch(ctx context.Context, symbols []string) ([]models.Tick, error)
}

type RouterDeps struct {
	Hub            *hub.Hub
	Verifier       TokenVerifier
	Tracker        Tracker
	Feed           SnapshotFetcher
	Markets        repository.MarketWriter
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

type api struct {
	RouterDeps
}

func NewRouter(deps RouterDeps) http.Handler {
	a := &api{RouterDeps: deps}
	r := mux.NewRouter()

	r.Handle("/ws", NewWSHandler(deps.Hub, deps.Verifier, deps.AllowedOrigins, deps.Logger)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.requestLogger)
	v1.HandleFunc("/markets/tracked", a.tracked).Methods(http.MethodGet)
	admin := v1.PathPrefix("/markets").Subrouter()
	admin.Use(a.requireBearer)
	admin.HandleFunc("/{symbol}", a.track).Methods(http.MethodPost)
	admin.HandleFunc("/{symbol}", a.untrack).Methods(http.MethodDelete)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(cors(r))
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"coordinator": a.Tracker.State().String(),
		"connections": a.Hub.ConnectionCount(),
	})
}

func (a *api) tracked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": a.Tracker.TrackedSymbols()})
}

func (a *api) track(w http.ResponseWriter, r *http.Request) {
	a.setTracked(w, r, true)
}

func (a *api) untrack(w http.ResponseWriter, r *http.Request) {
	a.setTracked(w, r, false)
}

func (a *api) setTracked(w http.ResponseWriter, r *http.Request, track bool) {
	symbol := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol required"})
		return
	}

	if track {
		status, err := a.seed(r.Context(), symbol)
		if err != nil {
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
	}

	if err := a.Markets.SetActive(r.Context(), symbol, track); err != nil {
		a.Logger.Error("Failed to update market", zap.String("symbol", symbol), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}

	var changed bool
	if track {
		changed = a.Tracker.AddSymbol(symbol)
	} else {
		changed = a.Tracker.RemoveSymbol(symbol)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"tracked": track,
		"changed": changed,
	})
}

// seed checks the symbol against the exchange and stores its current ticker,
// so a newly tracked market never starts from an empty snapshot.
func (a *api) seed(ctx context.Context, symbol string) (int, error) {
	ticks, err := a.Feed.FetchSnapshotBatch(ctx, []string{symbol})
	if err != nil {
		a.Logger.Warn("Symbol lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return http.StatusServiceUnavailable, errors.New("upstream unavailable")
	}
	if len(ticks) == 0 {
		return http.StatusBadRequest, fmt.Errorf("unknown symbol: %s", symbol)
	}
	if _, _, err := a.Markets.Upsert(ctx, ticks[0]); err != nil {
		a.Logger.Error("Failed to store market", zap.String("symbol", symbol), zap.Error(err))
		return http.StatusServiceUnavailable, errors.New("storage unavailable")
	}
	return http.StatusOK, nil
}

func (a *api) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.Verifier.Verify(auth.FromHeader(r.Header.Get("Authorization"))); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.Logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
