package bus

import (
	"sort"

	"go.uber.org/zap"
)

type HandlerStatistics struct {
	Name       string
	Dispatched uint64
	Failures   uint64
	Timeouts   uint64
}

type Statistics struct {
	Published uint64
	Dropped   uint64
	Handlers  []HandlerStatistics
}

// Statistics snapshots the atomic counters. Counters keep accumulating while
// the snapshot is taken, the result is a consistent-enough view for reporting.
func (b *Bus) Statistics() Statistics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Statistics{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}

	// The same name may be subscribed on several event types; its counters
	// are summed into one row.
	index := make(map[string]int)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			idx, ok := index[sub.name]
			if !ok {
				idx = len(stats.Handlers)
				index[sub.name] = idx
				stats.Handlers = append(stats.Handlers, HandlerStatistics{Name: sub.name})
			}
			stats.Handlers[idx].Dispatched += sub.dispatched.Load()
			stats.Handlers[idx].Failures += sub.failures.Load()
			stats.Handlers[idx].Timeouts += sub.timeouts.Load()
		}
	}

	sort.Slice(stats.Handlers, func(i, j int) bool {
		return stats.Handlers[i].Name < stats.Handlers[j].Name
	})

	return stats
}

func (s Statistics) Print(logger *zap.Logger) {
	logger.Info("bus statistics",
		zap.Uint64("published", s.Published),
		zap.Uint64("dropped", s.Dropped))

	for _, h := range s.Handlers {
		logger.Info("handler statistics",
			zap.String("handler", h.Name),
			zap.Uint64("dispatched", h.Dispatched),
			zap.Uint64("failures", h.Failures),
			zap.Uint64("timeouts", h.Timeouts))
	}
}
