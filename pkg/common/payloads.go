package common

import (
	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

// Event payloads form the closed set behind bus.Payload. A subscriber always
// receives the full data it needs to act, nothing has to be re-fetched.

type SignalGenerated struct {
	Signal Signal `json:"signal"`
}

func (SignalGenerated) Kind() bus.EventType { return bus.SignalGeneratedEvent }

type SignalRejected struct {
	SignalId SignalId `json:"signal_id"`
	Reason   string   `json:"reason"`
}

func (SignalRejected) Kind() bus.EventType { return bus.SignalRejectedEvent }

type SignalExecutionFailed struct {
	SignalId SignalId `json:"signal_id"`
	Reason   string   `json:"reason"`
}

func (SignalExecutionFailed) Kind() bus.EventType { return bus.SignalExecutionFailedEvent }

type PositionOpened struct {
	PositionId PositionId  `json:"position_id"`
	SignalId   SignalId    `json:"signal_id"`
	Symbol     string      `json:"symbol"`
	Quantity   int64       `json:"quantity"`
	EntryPrice fixed.Point `json:"entry_price"`
}

func (PositionOpened) Kind() bus.EventType { return bus.PositionOpenedEvent }

type PositionClosed struct {
	PositionId  PositionId  `json:"position_id"`
	SignalId    SignalId    `json:"signal_id"`
	Symbol      string      `json:"symbol"`
	RealizedPnL fixed.Point `json:"realized_pnl"`
	ExitReason  ExitReason  `json:"exit_reason"`
}

func (PositionClosed) Kind() bus.EventType { return bus.PositionClosedEvent }

// RiskHalt is published once, at critical priority, when the daily loss cap
// is breached. New position creation stays halted for the rest of the
// session.
type RiskHalt struct {
	Reason    string      `json:"reason"`
	DailyLoss fixed.Point `json:"daily_loss"`
}

func (RiskHalt) Kind() bus.EventType { return bus.RiskHaltEvent }
