package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const managerComponentName = "position.lifecycle"

const defaultInterval = 5 * time.Second

type Config struct {
	Interval time.Duration

	// PartialBookFraction of the position is sold once the favorable move
	// reaches PartialBookTriggerPct of entry. Zero disables partial booking
	// and the position exits in full at its target instead.
	PartialBookFraction   fixed.Point
	PartialBookTriggerPct fixed.Point

	// TrailDistancePct sets the trailing stop distance as a percentage of
	// the current price.
	TrailDistancePct fixed.Point

	// MaxHoldDuration forces an exit on position age. Zero disables it.
	MaxHoldDuration time.Duration
}

// Manager owns every open position's exit path. Run evaluates all open
// positions on a fixed tick, synchronously in one goroutine, so no two passes
// ever overlap. Every mutation goes through a status-guarded store write, a
// stale guard means another writer finished the transition first and the
// position is simply skipped.
type Manager struct {
	logger  *zap.Logger
	router  *bus.Bus
	store   store.Store
	feed    exchange.PriceFeed
	gateway exchange.OrderGateway
	config  Config
}

func NewManager(
	logger *zap.Logger,
	router *bus.Bus,
	st store.Store,
	feed exchange.PriceFeed,
	gateway exchange.OrderGateway,
	config Config,
) *Manager {

	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}

	return &Manager{
		logger:  logger,
		router:  router,
		store:   st,
		feed:    feed,
		gateway: gateway,
		config:  config,
	}
}

// Run blocks until the context is cancelled. Missed ticks are dropped, a slow
// pass never queues a burst of catch-up passes behind it.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("lifecycle manager started",
		zap.Duration("interval", m.config.Interval))

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle manager stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one monitoring pass over all open positions. A store or feed
// failure on one position never blocks the rest of the pass.
func (m *Manager) Tick(ctx context.Context) {
	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.Warn("unable to list open positions", zap.Error(err))
		return
	}

	for _, position := range positions {
		m.evaluate(ctx, position)
	}
}

func (m *Manager) evaluate(ctx context.Context, position common.Position) {
	price, err := m.feed.CurrentPrice(ctx, position.Symbol)
	if err != nil {
		m.logger.Debug("price unavailable, skipping position",
			zap.String("position_id", position.Id.String()),
			zap.String("symbol", position.Symbol),
			zap.Error(err))
		return
	}

	if m.config.MaxHoldDuration > 0 && time.Since(position.OpenedAt) >= m.config.MaxHoldDuration {
		m.closePosition(ctx, position, price, common.ExitReasonTimeLimit)
		return
	}

	if stopHit(position, price) {
		reason := common.ExitReasonStopLoss
		if position.TrailingActive {
			reason = common.ExitReasonTrailingStop
		}
		// Stop exits fill at the stop level, not at the observed price.
		m.closePosition(ctx, position, position.CurrentStop, reason)
		return
	}

	if position.Status == common.PositionStatusOpen {
		if m.config.PartialBookFraction.IsPositive() {
			if favorableMovePct(position, price).Gte(m.config.PartialBookTriggerPct) {
				m.partialBook(ctx, position, price)
			}
			return
		}
		if targetHit(position, price) {
			m.closePosition(ctx, position, price, common.ExitReasonTarget)
			return
		}
	}

	if position.Status == common.PositionStatusTrailing {
		m.ratchetStop(ctx, position, price)
	}
}

// partialBook sells the configured fraction at market and moves the remainder
// straight into trailing. The intermediate booked state is never at rest, one
// guarded write performs the whole transition.
func (m *Manager) partialBook(ctx context.Context, position common.Position, price fixed.Point) {
	bookQuantity := m.config.PartialBookFraction.MulInt64(position.Quantity).Int64Floor()
	if bookQuantity <= 0 || bookQuantity >= position.Quantity {
		m.closePosition(ctx, position, price, common.ExitReasonTarget)
		return
	}

	if _, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   position.Symbol,
		Quantity: bookQuantity,
		Side:     exitSide(position),
		Price:    price,
		TraceID:  position.TraceID,
	}); err != nil {
		m.logger.Warn("partial-book order failed, retrying next tick",
			zap.String("position_id", position.Id.String()),
			zap.Error(err))
		return
	}

	update := position
	update.BookedQuantity = bookQuantity
	update.RealizedPnL = position.RealizedPnL.Add(directionalDiff(position, price).MulInt64(bookQuantity))
	update.Status = common.PositionStatusTrailing
	update.TrailingActive = true
	update.CurrentStop = ratchet(position.Side, position.CurrentStop, price, m.config.TrailDistancePct)

	if err := m.store.UpdatePositionStatus(ctx, position.Id, position.Status, update); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return
		}
		m.logger.Warn("unable to persist partial booking",
			zap.String("position_id", position.Id.String()),
			zap.Error(err))
		return
	}

	m.logger.Info("partial profits booked",
		zap.String("position_id", position.Id.String()),
		zap.String("symbol", position.Symbol),
		zap.Int64("booked_quantity", bookQuantity),
		zap.String("price", price.String()),
		zap.String("trailing_stop", update.CurrentStop.String()))
}

func (m *Manager) ratchetStop(ctx context.Context, position common.Position, price fixed.Point) {
	newStop := ratchet(position.Side, position.CurrentStop, price, m.config.TrailDistancePct)
	if newStop.Eq(position.CurrentStop) {
		return
	}

	update := position
	update.CurrentStop = newStop
	update.UnrealizedPnL = position.PnLAt(price)

	if err := m.store.UpdatePositionStatus(ctx, position.Id, position.Status, update); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return
		}
		m.logger.Warn("unable to persist trailing stop",
			zap.String("position_id", position.Id.String()),
			zap.Error(err))
		return
	}

	m.logger.Debug("trailing stop raised",
		zap.String("position_id", position.Id.String()),
		zap.String("stop", newStop.String()))
}

// closePosition exits the remaining quantity at the given price. The exit
// order goes out first, the guarded status write commits it, a stale guard
// afterwards means an overlapping writer already closed the position.
func (m *Manager) closePosition(ctx context.Context, position common.Position, exitPrice fixed.Point, reason common.ExitReason) {
	remaining := position.RemainingQuantity()

	if remaining > 0 {
		if _, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   position.Symbol,
			Quantity: remaining,
			Side:     exitSide(position),
			Price:    exitPrice,
			TraceID:  position.TraceID,
		}); err != nil {
			m.logger.Warn("exit order failed, retrying next tick",
				zap.String("position_id", position.Id.String()),
				zap.String("reason", string(reason)),
				zap.Error(err))
			return
		}
	}

	update := position
	update.BookedQuantity = position.Quantity
	update.RealizedPnL = position.RealizedPnL.Add(directionalDiff(position, exitPrice).MulInt64(remaining))
	update.UnrealizedPnL = fixed.Zero
	update.Status = common.PositionStatusClosed
	update.ClosedAt = time.Now().UTC()

	if err := m.store.UpdatePositionStatus(ctx, position.Id, position.Status, update); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return
		}
		m.logger.Warn("unable to persist close",
			zap.String("position_id", position.Id.String()),
			zap.Error(err))
		return
	}

	_ = m.store.RecordStat(ctx, "positions_closed", 1)

	m.logger.Info("position closed",
		zap.String("position_id", position.Id.String()),
		zap.String("symbol", position.Symbol),
		zap.String("reason", string(reason)),
		zap.String("exit_price", exitPrice.String()),
		zap.String("realized_pnl", update.RealizedPnL.String()))

	event := bus.NewEvent(managerComponentName, bus.PriorityHigh, common.PositionClosed{
		PositionId:  position.Id,
		SignalId:    position.SignalId,
		Symbol:      position.Symbol,
		RealizedPnL: update.RealizedPnL,
		ExitReason:  reason,
	})
	if err := m.router.Publish(ctx, event); err != nil {
		m.logger.Warn("unable to publish position close", zap.Error(err))
	}
}

func stopHit(position common.Position, price fixed.Point) bool {
	if position.Side == common.PositionSideShort {
		return price.Gte(position.CurrentStop)
	}
	return price.Lte(position.CurrentStop)
}

func targetHit(position common.Position, price fixed.Point) bool {
	if position.Side == common.PositionSideShort {
		return price.Lte(position.CurrentTarget)
	}
	return price.Gte(position.CurrentTarget)
}

// favorableMovePct measures how far price has moved in the profitable
// direction, as a percentage of entry.
func favorableMovePct(position common.Position, price fixed.Point) fixed.Point {
	return directionalDiff(position, price).Div(position.EntryPrice).Mul(fixed.Hundred)
}

// directionalDiff is the per-unit profit at the given price.
func directionalDiff(position common.Position, price fixed.Point) fixed.Point {
	diff := price.Sub(position.EntryPrice)
	if position.Side == common.PositionSideShort {
		diff = diff.Neg()
	}
	return diff
}

// ratchet tightens the stop towards price by the trail distance and never
// loosens it.
func ratchet(side common.PositionSide, currentStop, price, trailPct fixed.Point) fixed.Point {
	distance := price.Mul(trailPct.Pct())
	if side == common.PositionSideShort {
		return fixed.Min(currentStop, price.Add(distance))
	}
	return fixed.Max(currentStop, price.Sub(distance))
}

func exitSide(position common.Position) exchange.OrderSide {
	if position.Side == common.PositionSideShort {
		return exchange.OrderSideBuy
	}
	return exchange.OrderSideSell
}
