package feed

import (
	"context"
	"sync"

	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

// Static serves a scripted price path per symbol. Each CurrentPrice call
// advances one step and the final price repeats, which makes monitored exit
// scenarios deterministic in tests and backtests.
type Static struct {
	mu    sync.Mutex
	paths map[string][]fixed.Point
	index map[string]int
}

func NewStatic() *Static {
	return &Static{
		paths: make(map[string][]fixed.Point),
		index: make(map[string]int),
	}
}

func (f *Static) Set(symbol string, prices ...fixed.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths[symbol] = prices
	f.index[symbol] = 0
}

func (f *Static) CurrentPrice(_ context.Context, symbol string) (fixed.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, ok := f.paths[symbol]
	if !ok || len(path) == 0 {
		return fixed.Zero, exchange.ErrPriceUnavailable
	}

	idx := f.index[symbol]
	price := path[idx]
	if idx < len(path)-1 {
		f.index[symbol] = idx + 1
	}
	return price, nil
}

var _ exchange.PriceFeed = (*Static)(nil)
