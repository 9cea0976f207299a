package common

import "github.com/quantfold/tradeflow/pkg/utility/fixed"

// RiskLimits is read-only configuration consulted before every position
// creation. The running risk state is always recomputed from the store, never
// cached.
type RiskLimits struct {
	MaxConcurrentPositions int
	MaxCapitalAtRiskPct    fixed.Point
	MaxDailyLossPct        fixed.Point
	MaxConsecutiveLosses   int
}

// Rejection reason codes carried by SignalRejected payloads.
const (
	ReasonMaxConcurrentPositions = "max_concurrent_positions"
	ReasonMaxCapitalAtRisk       = "max_capital_at_risk_pct"
	ReasonMaxDailyLoss           = "max_daily_loss_pct"
	ReasonMaxConsecutiveLosses   = "max_consecutive_losses"
	ReasonZeroQuantity           = "zero_quantity"
	ReasonTradingHalted          = "trading_halted"
)
