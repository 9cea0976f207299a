package psql

import (
	"context"
	"database/sql"

	"github.com/quantfold/tradeflow/pkg/common"
)

// EnsureLedgerSchema creates the reporting ledger table. Separate from the
// pipeline schema so a reporting-only deployment can run against its own
// database.
func EnsureLedgerSchema(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS trade_ledger (
		position_id  UUID        NOT NULL,
		app_id       BIGINT      NOT NULL,
		account_id   BIGINT      NOT NULL,
		signal_id    UUID        NOT NULL,
		symbol       TEXT        NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		exit_reason  TEXT        NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (position_id, app_id, account_id)
	);
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

func InsertLedgerEntry(ctx context.Context, db *sql.DB, appId, accountId int64, closed common.PositionClosed) error {
	query := `
	INSERT INTO trade_ledger (
		position_id,
		app_id,
		account_id,
		signal_id,
		symbol,
		realized_pnl,
		exit_reason
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (position_id, app_id, account_id) DO NOTHING;
	`

	_, err := db.ExecContext(
		ctx,
		query,
		closed.PositionId,
		appId,
		accountId,
		closed.SignalId,
		closed.Symbol,
		pointFloat(closed.RealizedPnL),
		string(closed.ExitReason),
	)

	return err
}
