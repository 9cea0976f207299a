package paper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

func TestGateway_PlaceOrder(t *testing.T) {
	g := NewGateway(zap.NewNop())

	orderId, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 40,
		Side:     exchange.OrderSideBuy,
		Price:    fixed.New(150, 0),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if orderId == 0 {
		t.Error("expected non-zero order id")
	}

	fills := g.Fills()
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Price.Eq(fixed.New(150, 0)) {
		t.Errorf("expected fill at 150, got %s", fills[0].Price)
	}
}

func TestGateway_SlippageWorksAgainstOrder(t *testing.T) {
	g := NewGateway(zap.NewNop(), WithSlippage(fixed.New(1, 0)))

	_, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 10,
		Side:     exchange.OrderSideBuy,
		Price:    fixed.New(100, 0),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	_, err = g.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 10,
		Side:     exchange.OrderSideSell,
		Price:    fixed.New(100, 0),
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	fills := g.Fills()
	if !fills[0].Price.Eq(fixed.New(101, 0)) {
		t.Errorf("buy should fill above request: got %s", fills[0].Price)
	}
	if !fills[1].Price.Eq(fixed.New(99, 0)) {
		t.Errorf("sell should fill below request: got %s", fills[1].Price)
	}
}

func TestGateway_MarginLimit(t *testing.T) {
	g := NewGateway(zap.NewNop(), WithMarginLimit(fixed.New(1000, 0)))

	_, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 100,
		Side:     exchange.OrderSideBuy,
		Price:    fixed.New(150, 0),
	})
	if !errors.Is(err, exchange.ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
	if len(g.Fills()) != 0 {
		t.Error("refused order must not fill")
	}

	if _, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 5,
		Side:     exchange.OrderSideBuy,
		Price:    fixed.New(150, 0),
	}); err != nil {
		t.Errorf("order within margin failed: %v", err)
	}
}

func TestGateway_CancelledContext(t *testing.T) {
	g := NewGateway(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   "NIFTY",
		Quantity: 1,
		Side:     exchange.OrderSideBuy,
		Price:    fixed.New(150, 0),
	})
	if !errors.Is(err, exchange.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestGateway_ConcurrentOrderIdsUnique(t *testing.T) {
	g := NewGateway(zap.NewNop())

	const workers = 16
	var wg sync.WaitGroup
	ids := make(chan exchange.OrderId, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
				Symbol:   "NIFTY",
				Quantity: 1,
				Side:     exchange.OrderSideBuy,
				Price:    fixed.New(100, 0),
			})
			if err != nil {
				t.Errorf("PlaceOrder failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[exchange.OrderId]struct{})
	for id := range ids {
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate order id: %d", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGateway_RejectionRate(t *testing.T) {
	g := NewGateway(zap.NewNop(), WithRejectionRate(0.5, 7))

	rejected := 0
	for i := 0; i < 200; i++ {
		_, err := g.PlaceOrder(context.Background(), exchange.OrderRequest{
			Symbol:   "NIFTY",
			Quantity: 1,
			Side:     exchange.OrderSideBuy,
			Price:    fixed.New(100, 0),
		})
		if err != nil {
			if !errors.Is(err, exchange.ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
			rejected++
		}
	}

	if rejected < 60 || rejected > 140 {
		t.Errorf("expected roughly half of 200 orders rejected, got %d", rejected)
	}
	if len(g.Fills()) != 200-rejected {
		t.Errorf("expected %d fills, got %d", 200-rejected, len(g.Fills()))
	}
}
