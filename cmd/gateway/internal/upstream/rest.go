package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// Binance API codes returned when request weight is exceeded or the IP is banned.
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
	codeInvalidSymbol   = -1121
)

type Options struct {
	RestURL        string
	StreamURL      string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second
	RetryMaxTries  uint
	RetryInitial   time.Duration
	Reconnect      func() *RetryPolicy
	KlineInterval  string // empty disables the kline channel
	DepthLevels    int    // zero disables the depth channel
}

// Client is the Binance spot implementation of Feed.
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewClient(opts Options, logger *zap.Logger, m *metrics.Metrics) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.RetryMaxTries == 0 {
		opts.RetryMaxTries = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.Reconnect == nil {
		opts.Reconnect = func() *RetryPolicy { return FixedDelay(5 * time.Second) }
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	api := binance.NewClient("", "")
	if opts.RestURL != "" {
		api.BaseURL = opts.RestURL
	}
	api.HTTPClient = &http.Client{
		Timeout:   opts.RequestTimeout,
		Transport: statusTransport{next: http.DefaultTransport},
	}

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		logger:  logger.With(zap.String("component", "upstream")),
		metrics: m,
	}
}

// FetchSnapshotBatch loads the 24hr ticker for every symbol in one request.
// Unavailability is retried with exponential backoff; rate limiting is
// returned immediately so the caller can skip the cycle. The exchange rejects
// a whole batch over one unknown symbol, so that case falls back to one
// request per symbol and drops the unknown ones.
func (c *Client) FetchSnapshotBatch(ctx context.Context, symbols []string) ([]models.Tick, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}

	stats, err := c.fetchStats(ctx, symbols)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownSymbol) && len(symbols) == 1:
		c.logger.Warn("Dropping unknown symbol", zap.String("symbol", symbols[0]))
		return []models.Tick{}, nil
	case errors.Is(err, ErrUnknownSymbol):
		c.logger.Warn("Batch rejected for an unknown symbol, fetching one by one", zap.Int("symbols", len(symbols)))
		if stats, err = c.fetchEach(ctx, symbols); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	ticks := make([]models.Tick, 0, len(stats))
	for _, s := range stats {
		tick, err := tickFromStats(s)
		if err != nil {
			c.logger.Warn("Dropping malformed snapshot", zap.String("symbol", s.Symbol), zap.Error(err))
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func (c *Client) fetchEach(ctx context.Context, symbols []string) ([]*binance.PriceChangeStats, error) {
	var out []*binance.PriceChangeStats
	for _, sym := range symbols {
		stats, err := c.fetchStats(ctx, []string{sym})
		if errors.Is(err, ErrUnknownSymbol) {
			c.logger.Warn("Dropping unknown symbol", zap.String("symbol", sym))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, stats...)
	}
	return out, nil
}

func (c *Client) fetchStats(ctx context.Context, symbols []string) ([]*binance.PriceChangeStats, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryInitial

	op := func() ([]*binance.PriceChangeStats, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		stats, err := c.api.NewListPriceChangeStatsService().Symbols(symbols).Do(ctx)
		if err == nil {
			c.metrics.UpstreamRequest("ok")
			return stats, nil
		}
		err = classify(err)
		if errors.Is(err, ErrUpstreamRateLimited) {
			c.metrics.UpstreamRequest("rate_limited")
			return nil, backoff.Permanent(err)
		}
		c.metrics.UpstreamRequest("error")
		return nil, err
	}

	stats, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.opts.RetryMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Warn("Snapshot fetch failed, retrying", zap.Error(err), zap.Duration("in", d))
		}),
	)
	if err != nil {
		if errors.Is(err, ErrUpstreamRateLimited) || errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUnknownSymbol) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return stats, nil
}

func tickFromStats(s *binance.PriceChangeStats) (models.Tick, error) {
	if s == nil || s.Symbol == "" || s.LastPrice == "" {
		return models.Tick{}, errMalformedFrame
	}
	return models.Tick{
		Symbol:           models.NormalizeSymbol(s.Symbol),
		LastPrice:        parseOptional(s.LastPrice).InexactFloat64(),
		Bid:              parseOptional(s.BidPrice).InexactFloat64(),
		Ask:              parseOptional(s.AskPrice).InexactFloat64(),
		Volume24h:        parseOptional(s.Volume).InexactFloat64(),
		Change24h:        parseOptional(s.PriceChange).InexactFloat64(),
		ChangePercent24h: parseOptional(s.PriceChangePercent).InexactFloat64(),
		High24h:          parseOptional(s.HighPrice).InexactFloat64(),
		Low24h:           parseOptional(s.LowPrice).InexactFloat64(),
		Open24h:          parseOptional(s.OpenPrice).InexactFloat64(),
		EventTime:        time.UnixMilli(s.CloseTime).UTC(),
		Source:           models.SourceRest,
	}, nil
}

// classify maps transport and API errors onto the upstream sentinels.
func classify(err error) error {
	if errors.Is(err, ErrUpstreamRateLimited) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests, codeTooManyOrders:
			return fmt.Errorf("%w: %s", ErrUpstreamRateLimited, apiErr.Message)
		case codeInvalidSymbol:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownSymbol, apiErr.Message))
		}
		// Other API errors are request problems; retrying will not help.
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUpstreamUnavailable, apiErr.Error()))
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// statusTransport turns throttling and server error responses into errors
// before the body reaches the API client.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot:
		drain(res)
		return nil, fmt.Errorf("%w: http %d", ErrUpstreamRateLimited, res.StatusCode)
	case res.StatusCode >= http.StatusInternalServerError:
		drain(res)
		return nil, fmt.Errorf("%w: http %d", ErrUpstreamUnavailable, res.StatusCode)
	}
	return res, nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	_ = res.Body.Close()
}
