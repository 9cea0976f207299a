package fixed

import (
	"github.com/govalues/decimal"
)

// Point is an unsafe wrapper around decimal implementation. Caller must make sure the calculations
// are correct and will not result in an error state, otherwise it will panic
type Point struct {
	v decimal.Decimal
}

var (
	Zero    = Point{}
	One     = New(1, 0)
	Hundred = New(100, 0)
)

func New(value int64, scale int) Point {
	return Point{must(decimal.New(value, scale))}
}

func FromInt(value int) Point {
	return Point{must(decimal.New(int64(value), 0))}
}

func FromFloat64(value float64) Point {
	return Point{must(decimal.NewFromFloat64(value))}
}

func (p Point) String() string           { return p.v.String() }
func (p Point) Float64() (float64, bool) { return p.v.Float64() }

func (p Point) Abs() Point  { return Point{p.v.Abs()} }
func (p Point) Neg() Point  { return Point{p.v.Neg()} }
func (p Point) Sqrt() Point { return Point{must(p.v.Sqrt())} }

func (p Point) Add(o Point) Point { return Point{must(p.v.Add(o.v))} }
func (p Point) Sub(o Point) Point { return Point{must(p.v.Sub(o.v))} }
func (p Point) Mul(o Point) Point { return Point{must(p.v.Mul(o.v))} }
func (p Point) Div(o Point) Point { return Point{must(p.v.Quo(o.v))} }

func (p Point) MulInt64(o int64) Point { return Point{must(p.v.Mul(decimal.MustNew(o, 0)))} }
func (p Point) MulInt(o int) Point     { return Point{must(p.v.Mul(decimal.MustNew(int64(o), 0)))} }
func (p Point) DivInt64(o int64) Point { return Point{must(p.v.Quo(decimal.MustNew(o, 0)))} }
func (p Point) DivInt(o int) Point     { return Point{must(p.v.Quo(decimal.MustNew(int64(o), 0)))} }

func (p Point) Eq(o Point) bool  { return p.v.Cmp(o.v) == 0 }
func (p Point) Gt(o Point) bool  { return p.v.Cmp(o.v) > 0 }
func (p Point) Lt(o Point) bool  { return p.v.Cmp(o.v) < 0 }
func (p Point) Gte(o Point) bool { return p.v.Cmp(o.v) >= 0 }
func (p Point) Lte(o Point) bool { return p.v.Cmp(o.v) <= 0 }

func (p Point) IsZero() bool            { return p.v.IsZero() }
func (p Point) IsNegative() bool        { return p.v.IsNeg() }
func (p Point) IsPositive() bool        { return p.v.IsPos() }
func (p Point) Rescale(scale int) Point { return Point{p.v.Rescale(scale)} }

// Int64Floor truncates towards negative infinity. Used for lot sizing where
// a fractional lot must never round up. Stays exact for values beyond
// float64 precision.
func (p Point) Int64Floor() int64 {
	whole, _, ok := p.v.Floor(0).Int64(0)
	if !ok {
		panic("fixed: value out of int64 range")
	}
	return whole
}

// Pct treats the point as a percentage and returns its fraction, e.g. 45 -> 0.45.
func (p Point) Pct() Point {
	return p.Div(Hundred)
}

func Max(a, b Point) Point {
	if a.Gte(b) {
		return a
	}
	return b
}

func Min(a, b Point) Point {
	if a.Lte(b) {
		return a
	}
	return b
}

func (p Point) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Point) UnmarshalText(data []byte) error {
	v, err := decimal.Parse(string(data))
	if err != nil {
		return err
	}
	p.v = v
	return nil
}

func must(v decimal.Decimal, err error) decimal.Decimal {
	if err == nil {
		// Return in the happy path
		return v
	}
	panic(err)
}
