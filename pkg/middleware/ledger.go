package middleware

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/store/psql"
)

// Ledger journals closed positions into postgres for external reporting,
// independent of the pipeline's own store. Writes are fire and forget.
type Ledger struct {
	db        *sql.DB
	appId     int64
	accountId int64
}

func NewLedger(db *sql.DB, appId, accountId int64) *Ledger {
	return &Ledger{
		db:        db,
		appId:     appId,
		accountId: accountId,
	}
}

func (l *Ledger) WithPositionClosed(handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		if closed, ok := event.Payload.(common.PositionClosed); ok {
			go func() {
				if err := psql.InsertLedgerEntry(context.WithoutCancel(ctx), l.db, l.appId, l.accountId, closed); err != nil {
					slog.Warn("unable to insert ledger entry", "error", err)
				}
			}()
		}
		return handler(ctx, event)
	}
}
