package store

import (
	"context"
	"errors"

	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrStaleStatus means the guarded status no longer matched: another
	// writer already applied the transition. Callers treat it as "already
	// handled", not as a failure.
	ErrStaleStatus = errors.New("stale position status")

	// ErrOpenLimit means the insert was refused because the open-position
	// cap was already reached.
	ErrOpenLimit = errors.New("open position limit reached")
)

// Store is the single source of truth for cross-cutting state. All mutations
// are scoped to one record and are conditional, there are no broad locks: the
// signal_id uniqueness on position creation and the expected-status guard on
// updates carry the concurrency control.
type Store interface {
	CreateSignal(ctx context.Context, signal common.Signal) error

	// CreatePositionIfAbsent inserts the position unless one already exists
	// for its signal id. Returns false when the insert lost to an earlier or
	// concurrent writer. A positive maxOpen additionally refuses the insert
	// with ErrOpenLimit while maxOpen positions are already open; the count
	// and the insert commit as one atomic operation so concurrent distinct
	// signals cannot overshoot the cap.
	CreatePositionIfAbsent(ctx context.Context, position common.Position, maxOpen int) (bool, error)

	GetPositionBySignal(ctx context.Context, signalId common.SignalId) (common.Position, error)
	GetOpenPositions(ctx context.Context) ([]common.Position, error)

	// UpdatePositionStatus applies the update only while the stored status
	// still equals expected, otherwise ErrStaleStatus.
	UpdatePositionStatus(ctx context.Context, positionId common.PositionId, expected common.PositionStatus, update common.Position) error

	OpenPositionCount(ctx context.Context) (int, error)

	// TodayRealizedLoss reports today's aggregate realized loss as a
	// non-negative number; zero when the day is net positive.
	TodayRealizedLoss(ctx context.Context) (fixed.Point, error)

	// ConsecutiveLosses reports the current streak of losing closed
	// positions, most recent first.
	ConsecutiveLosses(ctx context.Context) (int, error)

	RecordStat(ctx context.Context, name string, delta int64) error
}
