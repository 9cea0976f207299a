package psql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

func Connect(ctx context.Context, host, port, user, pass, db string) (*sql.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", host, port, user, pass, db)
	dbConn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := dbConn.PingContext(ctx); err != nil {
		return nil, err
	}

	return dbConn, nil
}

// Store persists signals and positions in postgres. The UNIQUE constraint on
// signal_id and the status guard in UpdatePositionStatus are what make
// concurrent duplicate deliveries and overlapping monitoring passes safe.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trade_signals (
		signal_id         UUID PRIMARY KEY,
		symbol            TEXT NOT NULL,
		strategy          TEXT NOT NULL,
		action            SMALLINT NOT NULL,
		entry_price       DOUBLE PRECISION NOT NULL,
		stop_loss         DOUBLE PRECISION NOT NULL,
		target            DOUBLE PRECISION NOT NULL,
		strength          DOUBLE PRECISION NOT NULL,
		expected_move_pct DOUBLE PRECISION NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trade_positions (
		position_id     UUID PRIMARY KEY,
		signal_id       UUID NOT NULL UNIQUE,
		symbol          TEXT NOT NULL,
		side            SMALLINT NOT NULL,
		quantity        BIGINT NOT NULL,
		entry_price     DOUBLE PRECISION NOT NULL,
		current_stop    DOUBLE PRECISION NOT NULL,
		current_target  DOUBLE PRECISION NOT NULL,
		trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
		booked_quantity BIGINT NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		realized_pnl    DOUBLE PRECISION NOT NULL DEFAULT 0,
		unrealized_pnl  DOUBLE PRECISION NOT NULL DEFAULT 0,
		opened_at       TIMESTAMPTZ NOT NULL,
		closed_at       TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS trade_stats (
		name  TEXT PRIMARY KEY,
		value BIGINT NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) CreateSignal(ctx context.Context, signal common.Signal) error {
	query := `
	INSERT INTO trade_signals (
		signal_id,
		symbol,
		strategy,
		action,
		entry_price,
		stop_loss,
		target,
		strength,
		expected_move_pct,
		created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (signal_id) DO NOTHING;
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		signal.Id,
		signal.Symbol,
		signal.Strategy,
		int16(signal.Action),
		pointFloat(signal.Entry),
		pointFloat(signal.StopLoss),
		pointFloat(signal.Target),
		pointFloat(signal.Strength),
		pointFloat(signal.ExpectedMovePct),
		signal.CreatedAt,
	)

	return err
}

// CreatePositionIfAbsent counts open positions and inserts in one statement,
// so the open-position cap holds across concurrent writers. RowsAffected 0
// means either the signal already has a position or the cap refused the
// insert; a follow-up existence read tells the two apart.
func (s *Store) CreatePositionIfAbsent(ctx context.Context, position common.Position, maxOpen int) (bool, error) {
	query := `
	INSERT INTO trade_positions (
		position_id,
		signal_id,
		symbol,
		side,
		quantity,
		entry_price,
		current_stop,
		current_target,
		trailing_active,
		booked_quantity,
		status,
		realized_pnl,
		unrealized_pnl,
		opened_at
	)
	SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
	WHERE $15 <= 0 OR (SELECT COUNT(*) FROM trade_positions WHERE status <> $16) < $15
	ON CONFLICT (signal_id) DO NOTHING;
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		position.Id,
		position.SignalId,
		position.Symbol,
		int16(position.Side),
		position.Quantity,
		pointFloat(position.EntryPrice),
		pointFloat(position.CurrentStop),
		pointFloat(position.CurrentTarget),
		position.TrailingActive,
		position.BookedQuantity,
		string(position.Status),
		pointFloat(position.RealizedPnL),
		pointFloat(position.UnrealizedPnL),
		position.OpenedAt,
		maxOpen,
		string(common.PositionStatusClosed),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM trade_positions WHERE signal_id = $1;`,
		position.SignalId).Scan(&one)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrOpenLimit
	}
	return false, err
}

const positionColumns = `
	position_id, signal_id, symbol, side, quantity, entry_price, current_stop,
	current_target, trailing_active, booked_quantity, status, realized_pnl,
	unrealized_pnl, opened_at, closed_at`

func (s *Store) GetPositionBySignal(ctx context.Context, signalId common.SignalId) (common.Position, error) {
	query := `SELECT` + positionColumns + ` FROM trade_positions WHERE signal_id = $1;`

	row := s.db.QueryRowContext(ctx, query, signalId)
	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Position{}, store.ErrNotFound
	}
	return position, err
}

func (s *Store) GetOpenPositions(ctx context.Context) ([]common.Position, error) {
	query := `SELECT` + positionColumns + ` FROM trade_positions WHERE status <> $1 ORDER BY opened_at;`

	rows, err := s.db.QueryContext(ctx, query, string(common.PositionStatusClosed))
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var positions []common.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

func (s *Store) UpdatePositionStatus(ctx context.Context, positionId common.PositionId, expected common.PositionStatus, update common.Position) error {
	query := `
	UPDATE trade_positions SET
		current_stop = $1,
		current_target = $2,
		trailing_active = $3,
		booked_quantity = $4,
		status = $5,
		realized_pnl = $6,
		unrealized_pnl = $7,
		closed_at = $8
	WHERE position_id = $9 AND status = $10;
	`

	var closedAt sql.NullTime
	if !update.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: update.ClosedAt, Valid: true}
	}

	result, err := s.db.ExecContext(
		ctx,
		query,
		pointFloat(update.CurrentStop),
		pointFloat(update.CurrentTarget),
		update.TrailingActive,
		update.BookedQuantity,
		string(update.Status),
		pointFloat(update.RealizedPnL),
		pointFloat(update.UnrealizedPnL),
		closedAt,
		positionId,
		string(expected),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM trade_positions WHERE position_id = $1;`, positionId).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrStaleStatus
}

func (s *Store) OpenPositionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trade_positions WHERE status <> $1;`,
		string(common.PositionStatusClosed)).Scan(&count)
	return count, err
}

func (s *Store) TodayRealizedLoss(ctx context.Context) (fixed.Point, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
	SELECT COALESCE(SUM(realized_pnl), 0) FROM trade_positions
	WHERE status = $1 AND closed_at >= date_trunc('day', now());`,
		string(common.PositionStatusClosed)).Scan(&total)
	if err != nil {
		return fixed.Zero, err
	}

	if total < 0 {
		return fixed.FromFloat64(-total), nil
	}
	return fixed.Zero, nil
}

func (s *Store) ConsecutiveLosses(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT realized_pnl FROM trade_positions
	WHERE status = $1 ORDER BY closed_at DESC LIMIT 100;`,
		string(common.PositionStatusClosed))
	if err != nil {
		return 0, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	streak := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, err
		}
		if pnl >= 0 {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

func (s *Store) RecordStat(ctx context.Context, name string, delta int64) error {
	query := `
	INSERT INTO trade_stats (name, value) VALUES ($1, $2)
	ON CONFLICT (name) DO UPDATE SET value = trade_stats.value + EXCLUDED.value;
	`
	_, err := s.db.ExecContext(ctx, query, name, delta)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (common.Position, error) {
	var position common.Position
	var side int16
	var status string
	var entry, stop, target, pnl, unrealized float64
	var closedAt sql.NullTime

	err := row.Scan(
		&position.Id,
		&position.SignalId,
		&position.Symbol,
		&side,
		&position.Quantity,
		&entry,
		&stop,
		&target,
		&position.TrailingActive,
		&position.BookedQuantity,
		&status,
		&pnl,
		&unrealized,
		&position.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return common.Position{}, err
	}

	position.Side = common.PositionSide(side)
	position.Status = common.PositionStatus(status)
	position.EntryPrice = fixed.FromFloat64(entry)
	position.CurrentStop = fixed.FromFloat64(stop)
	position.CurrentTarget = fixed.FromFloat64(target)
	position.RealizedPnL = fixed.FromFloat64(pnl)
	position.UnrealizedPnL = fixed.FromFloat64(unrealized)
	if closedAt.Valid {
		position.ClosedAt = closedAt.Time
	}
	return position, nil
}

func pointFloat(p fixed.Point) float64 {
	f, _ := p.Float64()
	return f
}

var _ store.Store = (*Store)(nil)
