package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/metrics"
	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

// OpenStream starts a supervised combined-stream connection for symbols.
// The supervisor redials after every close according to the retry policy.
func (c *Client) OpenStream(symbols []string, onEvent func(models.Event)) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		baseURL: strings.TrimRight(c.opts.StreamURL, "/"),
		kline:   c.opts.KlineInterval,
		depth:   c.opts.DepthLevels,
		dialer:  &websocket.Dialer{HandshakeTimeout: c.opts.RequestTimeout},
		policy:  c.opts.Reconnect(),
		logger:  c.logger,
		metrics: c.metrics,
		onEvent: onEvent,
		symbols: models.NormalizeSymbols(symbols),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

type stream struct {
	baseURL string
	kline   string
	depth   int
	dialer  *websocket.Dialer
	policy  *RetryPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	onEvent func(models.Event)

	mu      sync.Mutex
	symbols []string
	gen     uint64
	conn    *websocket.Conn

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *stream) Reopen(symbols []string) {
	s.mu.Lock()
	s.symbols = models.NormalizeSymbols(symbols)
	s.gen++
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) Close() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
}

func (s *stream) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		gen, symbols := s.gen, s.symbols
		s.mu.Unlock()

		if len(symbols) == 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		connected, err := s.consume(gen, symbols)
		if s.ctx.Err() != nil {
			return
		}
		if s.generation() != gen {
			select {
			case <-s.wake:
			default:
			}
			s.policy.Reset()
			continue
		}
		if connected {
			s.policy.Reset()
		}

		delay, ok := s.policy.Next()
		if !ok {
			s.logger.Error("Upstream stream retry policy exhausted", zap.Error(err))
			return
		}
		s.logger.Warn("Upstream stream closed, reconnecting",
			zap.Error(err), zap.Duration("delay", delay), zap.Int("symbols", len(symbols)))

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.metrics.StreamReconnect()
	}
}

func (s *stream) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// consume dials and reads until the connection fails. It reports whether the
// dial succeeded.
func (s *stream) consume(gen uint64, symbols []string) (bool, error) {
	endpoint := s.endpoint(symbols)
	conn, _, err := s.dialer.DialContext(s.ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return false, nil
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.logger.Info("Upstream stream connected", zap.Strings("symbols", symbols))

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := decodeFrame(raw, time.Now())
		if err != nil {
			s.metrics.EventDropped("malformed")
			s.logger.Warn("Dropping malformed upstream message", zap.Error(err))
			continue
		}
		s.metrics.EventReceived(ev.Channel)
		s.onEvent(ev)
	}
}

func (s *stream) endpoint(symbols []string) string {
	streams := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		name := strings.ToLower(sym)
		streams = append(streams, name+"@ticker")
		if s.kline != "" {
			streams = append(streams, name+"@kline_"+s.kline)
		}
		if s.depth > 0 {
			streams = append(streams, fmt.Sprintf("%s@depth%d@100ms", name, s.depth))
		}
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}
