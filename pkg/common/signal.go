package common

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/pkg/utility"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

type SignalAction int8
type SignalId = uuid.UUID

const (
	SignalActionBuy SignalAction = iota
	SignalActionSell
)

func (a SignalAction) String() string {
	switch a {
	case SignalActionBuy:
		return "buy"
	case SignalActionSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Signal is created once by a strategy through the emitter and is immutable
// afterwards. It is persisted before it is published.
type Signal struct {
	Id              SignalId     `json:"id"`
	Symbol          string       `json:"symbol"`
	Strategy        string       `json:"strategy"`
	Action          SignalAction `json:"action"`
	Entry           fixed.Point  `json:"entry"`
	StopLoss        fixed.Point  `json:"stop_loss"`
	Target          fixed.Point  `json:"target"`
	Strength        fixed.Point  `json:"strength"`
	ExpectedMovePct fixed.Point  `json:"expected_move_pct"`
	CreatedAt       time.Time    `json:"created_at"`

	Source      string              `json:"src,omitempty"`
	ExecutionId utility.ExecutionID `json:"eid,omitempty"`
	TraceID     utility.TraceID     `json:"tid,omitempty"`
}
