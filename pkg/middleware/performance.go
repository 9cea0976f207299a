package middleware

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/bus"
)

// Performance accumulates wall time and invocation counts per wrapped
// handler. Handlers run concurrently, so the totals live behind a mutex
// rather than in plain fields.
type Performance struct {
	logger *zap.Logger

	mu     sync.Mutex
	totals map[string]*handlerTotals
}

type handlerTotals struct {
	invocations int64
	duration    time.Duration
}

func NewPerformance(logger *zap.Logger) *Performance {
	return &Performance{
		logger: logger,
		totals: make(map[string]*handlerTotals),
	}
}

func (p *Performance) Wrap(name string, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		startTime := time.Now()
		err := handler(ctx, event)
		elapsed := time.Since(startTime)

		p.mu.Lock()
		totals, ok := p.totals[name]
		if !ok {
			totals = &handlerTotals{}
			p.totals[name] = totals
		}
		totals.invocations++
		totals.duration += elapsed
		p.mu.Unlock()

		return err
	}
}

func (p *Performance) PrintStatistics() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, totals := range p.totals {
		avg := time.Duration(0)
		if totals.invocations > 0 {
			avg = totals.duration / time.Duration(totals.invocations)
		}
		p.logger.Info("handler performance",
			zap.String("handler", name),
			zap.Int64("invocations", totals.invocations),
			zap.Duration("total", totals.duration),
			zap.Duration("avg", avg))
	}
}
