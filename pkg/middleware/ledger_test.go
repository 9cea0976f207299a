package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

func TestMiddlewareLedger_WithPositionClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	positionId := uuid.Must(uuid.NewV7())
	mock.ExpectExec("INSERT INTO trade_ledger").
		WithArgs(positionId, int64(7), int64(42), sqlmock.AnyArg(), "X", 2599.6, "trailing_stop").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ledger := NewLedger(db, 7, 42)

	var handlerCalled bool
	wrapped := ledger.WithPositionClosed(func(context.Context, bus.Event) error {
		handlerCalled = true
		return nil
	})

	event := bus.NewEvent("test", bus.PriorityHigh, common.PositionClosed{
		PositionId:  positionId,
		SignalId:    uuid.Must(uuid.NewV7()),
		Symbol:      "X",
		RealizedPnL: fixed.FromFloat64(2599.6),
		ExitReason:  common.ExitReasonTrailingStop,
	})
	if err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("wrapped handler: %v", err)
	}
	if !handlerCalled {
		t.Error("handler not called")
	}

	// The insert runs in the background.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("ledger insert not observed: %v", mock.ExpectationsWereMet())
}

func TestMiddlewareLedger_IgnoresOtherEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	ledger := NewLedger(db, 7, 42)
	wrapped := ledger.WithPositionClosed(NoopHdl)

	event := bus.NewEvent("test", bus.PriorityHigh, common.SignalGenerated{})
	if err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("wrapped handler: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}
