package exchange

import (
	"context"
	"errors"

	"github.com/quantfold/tradeflow/pkg/utility"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

type OrderSide int8
type OrderId = uint64

const (
	OrderSideBuy OrderSide = iota
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

var (
	ErrRejected           = errors.New("order rejected")
	ErrTimeout            = errors.New("order timed out")
	ErrInsufficientMargin = errors.New("insufficient margin")

	ErrPriceUnavailable = errors.New("price unavailable")
)

type OrderRequest struct {
	Symbol   string
	Quantity int64
	Side     OrderSide
	Price    fixed.Point
	TraceID  utility.TraceID
}

// OrderGateway is the broker boundary. Implementations are a paper gateway
// and a live broker adapter; the pipeline treats them identically and only
// discriminates the sentinel error kinds.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, request OrderRequest) (OrderId, error)
}

// PriceFeed supplies the last known price for a symbol, or
// ErrPriceUnavailable when it has none.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (fixed.Point, error)
}
