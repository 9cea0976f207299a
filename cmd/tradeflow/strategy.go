package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/emitter"
	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const (
	breakoutWindow       = 20
	breakoutPollInterval = 5 * time.Second
)

// BreakoutStrategy polls the feed and emits a buy signal when price clears
// the rolling high. The stop sits at the rolling low and the target mirrors
// the stop distance twice over. One signal per symbol per breakout, the
// window has to rebuild before the next one.
type BreakoutStrategy struct {
	logger  *zap.Logger
	emitter *emitter.Emitter
	prices  exchange.PriceFeed
	symbols []string

	windows map[string][]fixed.Point
}

func NewBreakoutStrategy(logger *zap.Logger, em *emitter.Emitter, prices exchange.PriceFeed, symbols []string) *BreakoutStrategy {
	return &BreakoutStrategy{
		logger:  logger,
		emitter: em,
		prices:  prices,
		symbols: symbols,
		windows: make(map[string][]fixed.Point),
	}
}

func (s *BreakoutStrategy) Run(ctx context.Context) {
	ticker := time.NewTicker(breakoutPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range s.symbols {
				s.observe(ctx, symbol)
			}
		}
	}
}

func (s *BreakoutStrategy) observe(ctx context.Context, symbol string) {
	price, err := s.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if !errors.Is(err, exchange.ErrPriceUnavailable) {
			s.logger.Debug("price lookup failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}

	window := s.windows[symbol]
	if len(window) < breakoutWindow {
		s.windows[symbol] = append(window, price)
		return
	}

	high, low := window[0], window[0]
	for _, p := range window[1:] {
		high = fixed.Max(high, p)
		low = fixed.Min(low, p)
	}

	if price.Gt(high) && low.Lt(price) {
		stopDistance := price.Sub(low)
		target := price.Add(stopDistance.MulInt(2))

		signalId, err := s.emitter.Emit(ctx, "breakout", symbol,
			common.SignalActionBuy, price, low, target,
			fixed.FromFloat64(0.7),
			stopDistance.Div(price).Mul(fixed.Hundred))
		if err != nil {
			s.logger.Warn("unable to emit breakout signal",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			s.logger.Info("breakout signal emitted",
				zap.String("signal_id", signalId.String()),
				zap.String("symbol", symbol),
				zap.String("entry", price.String()))
		}
		// Restart the window so the same breakout does not refire.
		s.windows[symbol] = nil
		return
	}

	s.windows[symbol] = append(window[1:], price)
}
