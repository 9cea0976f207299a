package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/utility"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const emitterComponentName = "signal.emitter"

// ErrValidation rejects a malformed signal before anything is persisted or
// published.
var ErrValidation = errors.New("signal validation failed")

// Emitter turns strategy output into immutable signal records. The signal is
// persisted first, then published, so a crash between the two loses only the
// in-memory event and a redelivery stays idempotent downstream.
type Emitter struct {
	logger *zap.Logger
	router *bus.Bus
	store  store.Store
}

func NewEmitter(logger *zap.Logger, router *bus.Bus, store store.Store) *Emitter {
	return &Emitter{
		logger: logger,
		router: router,
		store:  store,
	}
}

func (e *Emitter) Emit(
	ctx context.Context,
	strategy, symbol string,
	action common.SignalAction,
	entry, stopLoss, target, strength, expectedMovePct fixed.Point,
) (common.SignalId, error) {

	if err := validate(strategy, symbol, action, entry, stopLoss, target, strength); err != nil {
		return uuid.Nil, err
	}

	signal := common.Signal{
		Id:              uuid.Must(uuid.NewV7()),
		Symbol:          symbol,
		Strategy:        strategy,
		Action:          action,
		Entry:           entry,
		StopLoss:        stopLoss,
		Target:          target,
		Strength:        strength,
		ExpectedMovePct: expectedMovePct,
		CreatedAt:       time.Now().UTC(),
		Source:          emitterComponentName,
		ExecutionId:     utility.GetExecutionID(),
		TraceID:         utility.CreateTraceID(),
	}

	if err := e.store.CreateSignal(ctx, signal); err != nil {
		return uuid.Nil, fmt.Errorf("persist signal: %w", err)
	}

	event := bus.NewEvent(emitterComponentName, bus.PriorityHigh, common.SignalGenerated{Signal: signal})
	if err := e.router.Publish(ctx, event); err != nil {
		return uuid.Nil, fmt.Errorf("publish signal: %w", err)
	}

	e.logger.Debug("signal emitted",
		zap.String("signal_id", signal.Id.String()),
		zap.String("strategy", strategy),
		zap.String("symbol", symbol),
		zap.Stringer("action", action),
		zap.String("entry", entry.String()))

	return signal.Id, nil
}

func validate(strategy, symbol string, action common.SignalAction, entry, stopLoss, target, strength fixed.Point) error {
	if strategy == "" {
		return fmt.Errorf("%w: empty strategy name", ErrValidation)
	}
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if !entry.IsPositive() || !stopLoss.IsPositive() || !target.IsPositive() {
		return fmt.Errorf("%w: prices must be positive", ErrValidation)
	}
	if strength.IsNegative() || strength.Gt(fixed.One) {
		return fmt.Errorf("%w: strength must be within [0, 1]", ErrValidation)
	}

	switch action {
	case common.SignalActionBuy:
		if stopLoss.Gte(entry) {
			return fmt.Errorf("%w: buy stop loss must be below entry", ErrValidation)
		}
		if target.Lte(entry) {
			return fmt.Errorf("%w: buy target must be above entry", ErrValidation)
		}
	case common.SignalActionSell:
		if stopLoss.Lte(entry) {
			return fmt.Errorf("%w: sell stop loss must be above entry", ErrValidation)
		}
		if target.Gte(entry) {
			return fmt.Errorf("%w: sell target must be below entry", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown action %d", ErrValidation, action)
	}

	return nil
}
