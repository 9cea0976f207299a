package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

// Store keeps everything in process memory. It backs paper sessions and
// tests, with the same conflict semantics as the postgres store.
type Store struct {
	mu        sync.RWMutex
	signals   map[common.SignalId]common.Signal
	positions map[common.PositionId]common.Position
	bySignal  map[common.SignalId]common.PositionId
	stats     map[string]int64
}

func NewStore() *Store {
	return &Store{
		signals:   make(map[common.SignalId]common.Signal),
		positions: make(map[common.PositionId]common.Position),
		bySignal:  make(map[common.SignalId]common.PositionId),
		stats:     make(map[string]int64),
	}
}

func (s *Store) CreateSignal(_ context.Context, signal common.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[signal.Id] = signal
	return nil
}

func (s *Store) CreatePositionIfAbsent(_ context.Context, position common.Position, maxOpen int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySignal[position.SignalId]; ok {
		return false, nil
	}
	if maxOpen > 0 && s.openCountLocked() >= maxOpen {
		return false, store.ErrOpenLimit
	}
	s.positions[position.Id] = position
	s.bySignal[position.SignalId] = position.Id
	return true, nil
}

func (s *Store) openCountLocked() int {
	count := 0
	for _, position := range s.positions {
		if !position.IsClosed() {
			count++
		}
	}
	return count
}

func (s *Store) GetPositionBySignal(_ context.Context, signalId common.SignalId) (common.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positionId, ok := s.bySignal[signalId]
	if !ok {
		return common.Position{}, store.ErrNotFound
	}
	return s.positions[positionId], nil
}

func (s *Store) GetOpenPositions(_ context.Context) ([]common.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []common.Position
	for _, position := range s.positions {
		if !position.IsClosed() {
			open = append(open, position)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].OpenedAt.Before(open[j].OpenedAt)
	})
	return open, nil
}

func (s *Store) UpdatePositionStatus(_ context.Context, positionId common.PositionId, expected common.PositionStatus, update common.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[positionId]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != expected {
		return store.ErrStaleStatus
	}

	// Identity fields never change on update.
	update.Id = current.Id
	update.SignalId = current.SignalId
	s.positions[positionId] = update
	return nil
}

func (s *Store) OpenPositionCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.openCountLocked(), nil
}

func (s *Store) TodayRealizedLoss(_ context.Context) (fixed.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := startOfDay(time.Now().UTC())
	total := fixed.Zero
	for _, position := range s.positions {
		if position.IsClosed() && !position.ClosedAt.Before(dayStart) {
			total = total.Add(position.RealizedPnL)
		}
	}

	if total.IsNegative() {
		return total.Neg(), nil
	}
	return fixed.Zero, nil
}

func (s *Store) ConsecutiveLosses(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var closed []common.Position
	for _, position := range s.positions {
		if position.IsClosed() {
			closed = append(closed, position)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.After(closed[j].ClosedAt)
	})

	streak := 0
	for _, position := range closed {
		if !position.RealizedPnL.IsNegative() {
			break
		}
		streak++
	}
	return streak, nil
}

func (s *Store) RecordStat(_ context.Context, name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[name] += delta
	return nil
}

// Stat reads a recorded statistic, mainly for tests and reports.
func (s *Store) Stat(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stats[name]
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
