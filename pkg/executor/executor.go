package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/utility"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const executorComponentName = "trade.executor"

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultLotSize       = 1
)

type Config struct {
	Capital         fixed.Point
	RiskPerTradePct fixed.Point
	LotSize         int64
	Limits          common.RiskLimits
	RetryAttempts   int
	RetryBackoff    time.Duration
}

// Executor turns accepted signals into open positions. Risk state is
// recomputed from the store on every signal, nothing is cached that could
// diverge from persisted positions. A rejected signal is an expected outcome
// reported as an event, not a handler error.
type Executor struct {
	logger  *zap.Logger
	router  *bus.Bus
	store   store.Store
	gateway exchange.OrderGateway
	config  Config

	// halted latches on the first daily-loss breach and stays set for the
	// rest of the session.
	halted atomic.Bool
}

func NewExecutor(
	logger *zap.Logger,
	router *bus.Bus,
	st store.Store,
	gateway exchange.OrderGateway,
	config Config,
) *Executor {

	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaultRetryAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.LotSize <= 0 {
		config.LotSize = defaultLotSize
	}

	return &Executor{
		logger:  logger,
		router:  router,
		store:   st,
		gateway: gateway,
		config:  config,
	}
}

// Register subscribes the executor on the bus. Safe to call more than once.
func (e *Executor) Register() {
	e.router.Subscribe(bus.SignalGeneratedEvent, executorComponentName, bus.Typed(e.OnSignalGenerated))
}

func (e *Executor) Halted() bool {
	return e.halted.Load()
}

// OnSignalGenerated handles one delivery of a signal. Duplicate deliveries
// are expected under at-least-once semantics and must be harmless, so the
// whole path is safe to replay: the early idempotency read covers the common
// case and the conditional insert at the end settles a race between two
// concurrent deliveries.
func (e *Executor) OnSignalGenerated(ctx context.Context, _ bus.Event, payload common.SignalGenerated) error {
	signal := payload.Signal

	if _, err := e.store.GetPositionBySignal(ctx, signal.Id); err == nil {
		e.logger.Debug("signal already executed",
			zap.String("signal_id", signal.Id.String()))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("idempotency check: %w", err)
	}

	if reason, err := e.checkRisk(ctx, signal); err != nil {
		return fmt.Errorf("risk state: %w", err)
	} else if reason != "" {
		return e.reject(ctx, signal.Id, reason)
	}

	quantity := e.sizePosition(signal)
	if quantity == 0 {
		return e.reject(ctx, signal.Id, common.ReasonZeroQuantity)
	}

	if err := e.placeWithRetry(ctx, signal, quantity); err != nil {
		e.logger.Warn("order placement exhausted retries",
			zap.String("signal_id", signal.Id.String()),
			zap.String("symbol", signal.Symbol),
			zap.Error(err))
		_ = e.store.RecordStat(ctx, "orders_failed", 1)
		event := bus.NewEvent(executorComponentName, bus.PriorityHigh, common.SignalExecutionFailed{
			SignalId: signal.Id,
			Reason:   err.Error(),
		})
		return e.router.Publish(ctx, event)
	}

	position := buildPosition(signal, quantity)
	created, err := e.store.CreatePositionIfAbsent(ctx, position, e.config.Limits.MaxConcurrentPositions)
	if errors.Is(err, store.ErrOpenLimit) {
		// Concurrent signals raced past the risk check; the store-level cap
		// is the one that holds.
		return e.reject(ctx, signal.Id, common.ReasonMaxConcurrentPositions)
	}
	if err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if !created {
		// A concurrent delivery of the same signal won the insert.
		e.logger.Debug("position already created by concurrent delivery",
			zap.String("signal_id", signal.Id.String()))
		return nil
	}

	_ = e.store.RecordStat(ctx, "positions_opened", 1)

	e.logger.Info("position opened",
		zap.String("position_id", position.Id.String()),
		zap.String("signal_id", signal.Id.String()),
		zap.String("symbol", signal.Symbol),
		zap.Stringer("side", position.Side),
		zap.Int64("quantity", quantity),
		zap.String("entry", signal.Entry.String()))

	event := bus.NewEvent(executorComponentName, bus.PriorityHigh, common.PositionOpened{
		PositionId: position.Id,
		SignalId:   signal.Id,
		Symbol:     signal.Symbol,
		Quantity:   quantity,
		EntryPrice: signal.Entry,
	})
	return e.router.Publish(ctx, event)
}

// checkRisk recomputes the running risk state from the store and returns a
// rejection reason, or empty when the signal may proceed.
func (e *Executor) checkRisk(ctx context.Context, signal common.Signal) (string, error) {
	if e.halted.Load() {
		return common.ReasonTradingHalted, nil
	}

	limits := e.config.Limits

	if limits.MaxDailyLossPct.IsPositive() {
		dailyLoss, err := e.store.TodayRealizedLoss(ctx)
		if err != nil {
			return "", err
		}
		lossCap := e.config.Capital.Mul(limits.MaxDailyLossPct.Pct())
		if dailyLoss.Gte(lossCap) {
			e.haltTrading(ctx, dailyLoss)
			return common.ReasonMaxDailyLoss, nil
		}
	}

	// Early rejection only. The insert in OnSignalGenerated enforces the
	// open-position cap atomically, this read just avoids placing an order
	// that would be refused there.
	if limits.MaxConcurrentPositions > 0 {
		openCount, err := e.store.OpenPositionCount(ctx)
		if err != nil {
			return "", err
		}
		if openCount >= limits.MaxConcurrentPositions {
			return common.ReasonMaxConcurrentPositions, nil
		}
	}

	if limits.MaxConsecutiveLosses > 0 {
		streak, err := e.store.ConsecutiveLosses(ctx)
		if err != nil {
			return "", err
		}
		if streak >= limits.MaxConsecutiveLosses {
			return common.ReasonMaxConsecutiveLosses, nil
		}
	}

	if limits.MaxCapitalAtRiskPct.IsPositive() {
		atRisk, err := e.capitalAtRisk(ctx)
		if err != nil {
			return "", err
		}
		newRisk := e.config.Capital.Mul(e.config.RiskPerTradePct.Pct())
		riskCap := e.config.Capital.Mul(limits.MaxCapitalAtRiskPct.Pct())
		if atRisk.Add(newRisk).Gt(riskCap) {
			return common.ReasonMaxCapitalAtRisk, nil
		}
	}

	return "", nil
}

// capitalAtRisk sums the stop-distance exposure of every open position.
func (e *Executor) capitalAtRisk(ctx context.Context) (fixed.Point, error) {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return fixed.Zero, err
	}

	atRisk := fixed.Zero
	for _, position := range positions {
		distance := position.EntryPrice.Sub(position.CurrentStop).Abs()
		atRisk = atRisk.Add(distance.MulInt64(position.RemainingQuantity()))
	}
	return atRisk, nil
}

// haltTrading latches the halt flag and, exactly once, announces it at
// critical priority.
func (e *Executor) haltTrading(ctx context.Context, dailyLoss fixed.Point) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}

	e.logger.Error("daily loss cap breached, halting new positions",
		zap.String("daily_loss", dailyLoss.String()))

	event := bus.NewEvent(executorComponentName, bus.PriorityCritical, common.RiskHalt{
		Reason:    common.ReasonMaxDailyLoss,
		DailyLoss: dailyLoss,
	})
	if err := e.router.Publish(ctx, event); err != nil {
		e.logger.Warn("unable to publish risk halt", zap.Error(err))
	}
}

// sizePosition risks a fixed fraction of capital per trade against the stop
// distance and rounds down to whole lots.
func (e *Executor) sizePosition(signal common.Signal) int64 {
	stopDistance := signal.Entry.Sub(signal.StopLoss).Abs()
	if stopDistance.IsZero() {
		return 0
	}

	riskAmount := e.config.Capital.Mul(e.config.RiskPerTradePct.Pct())
	quantity := riskAmount.Div(stopDistance).Int64Floor()
	return quantity - quantity%e.config.LotSize
}

func (e *Executor) placeWithRetry(ctx context.Context, signal common.Signal, quantity int64) error {
	request := exchange.OrderRequest{
		Symbol:   signal.Symbol,
		Quantity: quantity,
		Side:     orderSide(signal.Action),
		Price:    signal.Entry,
		TraceID:  signal.TraceID,
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.RetryAttempts; attempt++ {
		if _, err := e.gateway.PlaceOrder(ctx, request); err == nil {
			return nil
		} else {
			lastErr = err
			e.logger.Debug("order attempt failed",
				zap.String("signal_id", signal.Id.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if attempt == e.config.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.config.RetryBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (e *Executor) reject(ctx context.Context, signalId common.SignalId, reason string) error {
	e.logger.Info("signal rejected",
		zap.String("signal_id", signalId.String()),
		zap.String("reason", reason))

	_ = e.store.RecordStat(ctx, "signals_rejected", 1)

	event := bus.NewEvent(executorComponentName, bus.PriorityMedium, common.SignalRejected{
		SignalId: signalId,
		Reason:   reason,
	})
	return e.router.Publish(ctx, event)
}

func buildPosition(signal common.Signal, quantity int64) common.Position {
	side := common.PositionSideLong
	if signal.Action == common.SignalActionSell {
		side = common.PositionSideShort
	}

	return common.Position{
		Id:            uuid.Must(uuid.NewV7()),
		SignalId:      signal.Id,
		Symbol:        signal.Symbol,
		Side:          side,
		Quantity:      quantity,
		EntryPrice:    signal.Entry,
		CurrentStop:   signal.StopLoss,
		CurrentTarget: signal.Target,
		Status:        common.PositionStatusOpen,
		OpenedAt:      time.Now().UTC(),
		Source:        executorComponentName,
		ExecutionId:   utility.GetExecutionID(),
		TraceID:       signal.TraceID,
	}
}

func orderSide(action common.SignalAction) exchange.OrderSide {
	if action == common.SignalActionSell {
		return exchange.OrderSideSell
	}
	return exchange.OrderSideBuy
}
