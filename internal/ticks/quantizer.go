// Package ticks snaps prices onto an instrument's tick grid.
package ticks

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quantizer rounds prices to the nearest multiple of a tick size. Arithmetic
// is done in decimal so 100.01 stays 100.01 and never becomes 100.00999999.
type Quantizer struct {
	tick decimal.Decimal
}

// NewQuantizer returns a quantizer for tickSize, which must be positive.
func NewQuantizer(tickSize float64) (Quantizer, error) {
	if tickSize <= 0 {
		return Quantizer{}, fmt.Errorf("tick size must be greater than 0, got %v", tickSize)
	}
	return Quantizer{tick: decimal.NewFromFloat(tickSize)}, nil
}

// TickSize returns the configured tick as a float.
func (q Quantizer) TickSize() float64 {
	return q.tick.InexactFloat64()
}

// Quantize returns round(price/tick)*tick.
func (q Quantizer) Quantize(price float64) float64 {
	if q.tick.IsZero() {
		return price
	}
	return decimal.NewFromFloat(price).Div(q.tick).Round(0).Mul(q.tick).InexactFloat64()
}
