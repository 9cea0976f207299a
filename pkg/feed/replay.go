package feed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

type replayTick struct {
	timeStamp time.Time
	bid       fixed.Point
	ask       fixed.Point
}

// Replay feeds historical mid prices out of a duckdb tick archive, one tick
// per Advance call. Table layout per symbol: <symbol>_ticks(ts, bid, ask).
type Replay struct {
	dataSourceName string
	db             *sql.DB

	mu    sync.RWMutex
	ticks map[string][]replayTick
	index map[string]int
}

func NewReplay(dataSourceName string) *Replay {
	return &Replay{
		dataSourceName: dataSourceName,
		ticks:          make(map[string][]replayTick),
		index:          make(map[string]int),
	}
}

func (r *Replay) Connect() error {
	db, err := sql.Open("duckdb", r.dataSourceName)
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}
	r.db = db
	return nil
}

func (r *Replay) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

// Load reads the symbol's ticks for the window into memory. Must be called
// before the first Advance for that symbol.
func (r *Replay) Load(ctx context.Context, symbol string, from, to time.Time) error {
	query := fmt.Sprintf(`SELECT ts, bid, ask FROM %s_ticks WHERE ts BETWEEN ? AND ? ORDER BY ts`, symbol)

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return fmt.Errorf("error preparing query: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var ticks []replayTick
	for rows.Next() {
		var ts time.Time
		var bid, ask float64
		if err := rows.Scan(&ts, &bid, &ask); err != nil {
			return fmt.Errorf("error scanning row: %w", err)
		}
		ticks = append(ticks, replayTick{
			timeStamp: ts,
			bid:       fixed.FromFloat64(bid),
			ask:       fixed.FromFloat64(ask),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error scanning rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[symbol] = ticks
	r.index[symbol] = 0
	return nil
}

// Advance steps the symbol to its next tick. Returns false once the loaded
// window is exhausted.
func (r *Replay) Advance(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticks := r.ticks[symbol]
	idx := r.index[symbol]
	if idx >= len(ticks)-1 {
		return false
	}
	r.index[symbol] = idx + 1
	return true
}

func (r *Replay) CurrentPrice(_ context.Context, symbol string) (fixed.Point, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticks := r.ticks[symbol]
	if len(ticks) == 0 {
		return fixed.Zero, exchange.ErrPriceUnavailable
	}

	tick := ticks[r.index[symbol]]
	return tick.bid.Add(tick.ask).DivInt(2), nil
}

var _ exchange.PriceFeed = (*Replay)(nil)
