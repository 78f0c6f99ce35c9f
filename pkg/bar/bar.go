// Package bar defines the OHLC bar type that drives the leg detection
// engine, along with the directional and fixed-point primitives shared by
// every other core package.
package bar

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a leg or pending origin: the low-before-high
// (bull) or high-before-low (bear) relation between pivot and origin.
type Direction string

const (
	Bull Direction = "bull"
	Bear Direction = "bear"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Bull {
		return Bear
	}
	return Bull
}

func (d Direction) String() string {
	return string(d)
}

// Bar is a single immutable OHLC observation. Index increases monotonically
// and bars are never revised once delivered to the engine.
type Bar struct {
	Index     int64
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
}

// String renders a compact representation for logging.
func (b Bar) String() string {
	return fmt.Sprintf("bar[%d @ %s] O=%s H=%s L=%s C=%s",
		b.Index, b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close)
}

// QuantizeTick rounds price to the nearest multiple of tick, avoiding the
// binary-float rounding drift that would otherwise straddle retracement
// thresholds like 0.382. A zero tick disables quantization and returns price
// unchanged.
func QuantizeTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 0).Mul(tick)
}
