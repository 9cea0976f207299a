package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
)

// Telemetry exports per-event counters and handler latency to prometheus.
// All collectors register on the given registerer, tests pass their own
// registry.
type Telemetry struct {
	eventsTotal     *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec
	realizedPnL     prometheus.Counter
	riskHalts       prometheus.Counter
}

func NewTelemetry(registerer prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradeflow",
				Subsystem: "bus",
				Name:      "events_total",
				Help:      "Total number of dispatched events",
			},
			[]string{"type", "handler"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradeflow",
				Subsystem: "bus",
				Name:      "handler_failures_total",
				Help:      "Total number of handler errors",
			},
			[]string{"type", "handler"},
		),
		handlerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tradeflow",
				Subsystem: "bus",
				Name:      "handler_latency_ms",
				Help:      "Handler execution time in milliseconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 500},
			},
			[]string{"type", "handler"},
		),
		realizedPnL: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tradeflow",
				Subsystem: "trading",
				Name:      "realized_pnl_total",
				Help:      "Cumulative realized PnL of closed positions",
			},
		),
		riskHalts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tradeflow",
				Subsystem: "risk",
				Name:      "halts_total",
				Help:      "Number of risk halts",
			},
		),
	}

	registerer.MustRegister(
		t.eventsTotal,
		t.handlerFailures,
		t.handlerLatency,
		t.realizedPnL,
		t.riskHalts,
	)
	return t
}

// Wrap instruments a handler. Domain counters piggyback on the payload types
// that carry them.
func (t *Telemetry) Wrap(name string, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		eventType := event.Type.String()
		t.eventsTotal.WithLabelValues(eventType, name).Inc()

		switch payload := event.Payload.(type) {
		case common.PositionClosed:
			if pnl, ok := payload.RealizedPnL.Float64(); ok && pnl > 0 {
				t.realizedPnL.Add(pnl)
			}
		case common.RiskHalt:
			t.riskHalts.Inc()
		}

		startTime := time.Now()
		err := handler(ctx, event)
		t.handlerLatency.WithLabelValues(eventType, name).
			Observe(float64(time.Since(startTime).Microseconds()) / 1000.0)

		if err != nil {
			t.handlerFailures.WithLabelValues(eventType, name).Inc()
		}
		return err
	}
}
