package middleware

import (
	"context"
	"log/slog"

	"github.com/quantfold/tradeflow/pkg/bus"
)

type MonitorFlags uint16

//goland:noinspection GoUnusedConst
const (
	MonitorNone MonitorFlags = 1 << iota
	MonitorAll
	MonitorSignals
	MonitorRejections
	MonitorExecutionFailures
	MonitorPositionsOpened
	MonitorPositionsClosed
	MonitorRiskHalts
)

// Monitor logs selected events before handing them on. Which events are
// logged is flag-gated so verbose types can stay quiet in production.
type Monitor struct {
	flags MonitorFlags
}

func NewMonitor(flags MonitorFlags) *Monitor {
	return &Monitor{
		flags: flags,
	}
}

func (m *Monitor) WithSignalGenerated(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorSignals, "signal", handler)
}

func (m *Monitor) WithSignalRejected(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorRejections, "signal_rejected", handler)
}

func (m *Monitor) WithExecutionFailed(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorExecutionFailures, "execution_failed", handler)
}

func (m *Monitor) WithPositionOpened(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorPositionsOpened, "position_open", handler)
}

func (m *Monitor) WithPositionClosed(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorPositionsClosed, "position_closed", handler)
}

func (m *Monitor) WithRiskHalt(handler bus.Handler) bus.Handler {
	return m.wrap(MonitorRiskHalts, "risk_halt", handler)
}

func (m *Monitor) wrap(flag MonitorFlags, label string, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		if m.flags&flag != 0 || m.flags&MonitorAll != 0 {
			slog.Info("event", label, event.Payload, "source", event.Source)
		}
		return handler(ctx, event)
	}
}
