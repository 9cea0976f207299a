package common

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/pkg/utility"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

type PositionSide int8
type PositionStatus string
type PositionId = uuid.UUID

const (
	PositionSideLong PositionSide = iota
	PositionSideShort
)

func (s PositionSide) String() string {
	switch s {
	case PositionSideLong:
		return "long"
	case PositionSideShort:
		return "short"
	default:
		return "unknown"
	}
}

// Status transitions are monotonic: open -> (partial-booked -> trailing) ->
// closed. A closed position is never revisited; closed rows are kept, not
// deleted.
const (
	PositionStatusOpen          PositionStatus = "open"
	PositionStatusPartialBooked PositionStatus = "partial-booked"
	PositionStatusTrailing      PositionStatus = "trailing"
	PositionStatusClosed        PositionStatus = "closed"
)

type ExitReason string

const (
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTarget       ExitReason = "target"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonTimeLimit    ExitReason = "time_limit"
)

// Position is created by the executor on a filled entry order and mutated
// only by the lifecycle manager afterwards, always through conditional store
// writes. At most one position exists per signal id.
type Position struct {
	Id             PositionId     `json:"id"`
	SignalId       SignalId       `json:"signal_id"`
	Symbol         string         `json:"symbol"`
	Side           PositionSide   `json:"side"`
	Quantity       int64          `json:"quantity"`
	EntryPrice     fixed.Point    `json:"entry_price"`
	CurrentStop    fixed.Point    `json:"current_stop"`
	CurrentTarget  fixed.Point    `json:"current_target"`
	TrailingActive bool           `json:"trailing_active"`
	BookedQuantity int64          `json:"booked_quantity"`
	Status         PositionStatus `json:"status"`
	RealizedPnL    fixed.Point    `json:"realized_pnl"`
	UnrealizedPnL  fixed.Point    `json:"unrealized_pnl"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosedAt       time.Time      `json:"closed_at,omitempty"`

	Source      string              `json:"src,omitempty"`
	ExecutionId utility.ExecutionID `json:"eid,omitempty"`
	TraceID     utility.TraceID     `json:"tid,omitempty"`
}

// RemainingQuantity is what is still exposed to the market after any partial
// booking.
func (p Position) RemainingQuantity() int64 {
	return p.Quantity - p.BookedQuantity
}

func (p Position) IsClosed() bool {
	return p.Status == PositionStatusClosed
}

// PnLAt values the still-open quantity at the given price. Long positions
// profit when price rises, short positions when it falls.
func (p Position) PnLAt(price fixed.Point) fixed.Point {
	diff := price.Sub(p.EntryPrice)
	if p.Side == PositionSideShort {
		diff = diff.Neg()
	}
	return diff.MulInt64(p.RemainingQuantity())
}
