package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const (
	streamComponentName   = "feed.stream"
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

type quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Stream consumes a websocket quote feed and caches the last mid price per
// symbol. The read loop reconnects with backoff until the context is done.
type Stream struct {
	logger *zap.Logger
	url    string

	mu   sync.RWMutex
	last map[string]fixed.Point

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStream(logger *zap.Logger, url string) *Stream {
	return &Stream{
		logger: logger,
		url:    url,
		last:   make(map[string]fixed.Point),
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setConn(conn)

	go s.readLoop(runCtx)
	return nil
}

// Close cancels the read loop and closes the connection to unblock any
// pending read.
func (s *Stream) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *Stream) setConn(conn *websocket.Conn) *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
	return conn
}

func (s *Stream) CurrentPrice(_ context.Context, symbol string) (fixed.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.last[symbol]
	if !ok {
		return fixed.Zero, exchange.ErrPriceUnavailable
	}
	return price, nil
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	}()

	delay := reconnectInitialDelay
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		var q quote
		if err := conn.ReadJSON(&q); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("read failed, reconnecting",
				zap.String("component", streamComponentName),
				zap.Error(err))

			next := s.reconnect(ctx, &delay)
			if next == nil {
				return
			}
			s.setConn(next)
			continue
		}
		delay = reconnectInitialDelay

		if q.Symbol == "" || q.Bid <= 0 || q.Ask <= 0 {
			continue
		}
		mid := fixed.FromFloat64(q.Bid).Add(fixed.FromFloat64(q.Ask)).DivInt(2)

		s.mu.Lock()
		s.last[q.Symbol] = mid
		s.mu.Unlock()
	}
}

func (s *Stream) reconnect(ctx context.Context, delay *time.Duration) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*delay):
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err == nil {
			return conn
		}

		s.logger.Warn("reconnect failed",
			zap.String("component", streamComponentName),
			zap.Duration("retry_in", *delay),
			zap.Error(err))

		*delay *= 2
		if *delay > reconnectMaxDelay {
			*delay = reconnectMaxDelay
		}
	}
}

var _ exchange.PriceFeed = (*Stream)(nil)
