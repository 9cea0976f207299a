package paper

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

const gatewayComponentName = "exchange.paper.gateway"

// Fill records a simulated execution.
type Fill struct {
	OrderId   exchange.OrderId
	Symbol    string
	Side      exchange.OrderSide
	Quantity  int64
	Price     fixed.Point
	TimeStamp time.Time
}

// Gateway fills every order at the requested price adjusted by slippage.
// Orders above the margin limit are refused the way a live broker would
// refuse them.
type Gateway struct {
	logger *zap.Logger

	slippagePct   fixed.Point
	marginLimit   fixed.Point
	rejectionRate float64
	rng           *rand.Rand

	orderIds atomic.Uint64

	mu    sync.Mutex
	fills []Fill
}

type Option func(*Gateway)

// WithSlippage worsens each fill by the given percentage of the requested
// price.
func WithSlippage(pct fixed.Point) Option {
	return func(g *Gateway) {
		g.slippagePct = pct
	}
}

// WithMarginLimit caps the notional value of a single order; zero means
// unlimited.
func WithMarginLimit(limit fixed.Point) Option {
	return func(g *Gateway) {
		g.marginLimit = limit
	}
}

// WithRejectionRate makes the gateway refuse the given fraction of orders,
// drawn from the seeded source so sessions replay identically.
func WithRejectionRate(rate float64, seed int64) Option {
	return func(g *Gateway) {
		g.rejectionRate = rate
		g.rng = rand.New(rand.NewSource(seed))
	}
}

func NewGateway(logger *zap.Logger, options ...Option) *Gateway {
	g := &Gateway{
		logger:      logger,
		slippagePct: fixed.Zero,
	}

	for _, option := range options {
		option(g)
	}

	return g
}

func (g *Gateway) PlaceOrder(ctx context.Context, request exchange.OrderRequest) (exchange.OrderId, error) {
	if err := ctx.Err(); err != nil {
		return 0, exchange.ErrTimeout
	}

	if g.rejectOrder() {
		g.logger.Debug("order rejected",
			zap.String("component", gatewayComponentName),
			zap.String("symbol", request.Symbol))
		return 0, exchange.ErrRejected
	}

	notional := request.Price.MulInt64(request.Quantity)
	if !g.marginLimit.IsZero() && notional.Gt(g.marginLimit) {
		g.logger.Warn("order exceeds margin limit",
			zap.String("component", gatewayComponentName),
			zap.String("symbol", request.Symbol),
			zap.String("notional", notional.String()),
			zap.String("limit", g.marginLimit.String()))
		return 0, exchange.ErrInsufficientMargin
	}

	fillPrice := g.applySlippage(request)
	orderId := g.orderIds.Add(1)

	fill := Fill{
		OrderId:   orderId,
		Symbol:    request.Symbol,
		Side:      request.Side,
		Quantity:  request.Quantity,
		Price:     fillPrice,
		TimeStamp: time.Now().UTC(),
	}

	g.mu.Lock()
	g.fills = append(g.fills, fill)
	g.mu.Unlock()

	g.logger.Debug("order filled",
		zap.String("component", gatewayComponentName),
		zap.Uint64("order_id", orderId),
		zap.String("symbol", request.Symbol),
		zap.Stringer("side", request.Side),
		zap.Int64("quantity", request.Quantity),
		zap.String("price", fillPrice.String()))

	return orderId, nil
}

func (g *Gateway) rejectOrder() bool {
	if g.rng == nil || g.rejectionRate <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < g.rejectionRate
}

// applySlippage moves the fill against the order: buys pay more, sells
// receive less.
func (g *Gateway) applySlippage(request exchange.OrderRequest) fixed.Point {
	if g.slippagePct.IsZero() {
		return request.Price
	}

	adjustment := request.Price.Mul(g.slippagePct.Pct())
	if request.Side == exchange.OrderSideBuy {
		return request.Price.Add(adjustment)
	}
	return request.Price.Sub(adjustment)
}

// Fills returns a copy of every simulated execution so far.
func (g *Gateway) Fills() []Fill {
	g.mu.Lock()
	defer g.mu.Unlock()

	fills := make([]Fill, len(g.fills))
	copy(fills, g.fills)
	return fills
}
