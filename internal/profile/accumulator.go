// Package profile accumulates a per-bar volume profile: VWAP, point of
// control and the value area around it.
package profile

import (
	"github.com/tidwall/btree"

	"orderflow/internal/ticks"
	"orderflow/models"
)

// DefaultCoverage is the share of volume the value area must capture.
const DefaultCoverage = 0.7

// Accumulator is not safe for concurrent use.
type Accumulator struct {
	q          ticks.Quantizer
	levels     *btree.Map[float64, float64]
	total      float64
	vwapNum    float64
	poc        models.POC
	vaLow      float64
	vaHigh     float64
	tradeCount int64
}

func New(q ticks.Quantizer) *Accumulator {
	a := &Accumulator{q: q}
	a.reset()
	return a
}

func (a *Accumulator) reset() {
	a.levels = btree.NewMap[float64, float64](32)
	a.total = 0
	a.vwapNum = 0
	a.poc = models.POC{}
	a.vaLow = 0
	a.vaHigh = 0
	a.tradeCount = 0
}

// AddTrade adds qty at the quantised price. VWAP uses the raw price.
func (a *Accumulator) AddTrade(price, qty float64) {
	if qty <= 0 {
		return
	}
	key := a.q.Quantize(price)
	vol, _ := a.levels.Get(key)
	vol += qty
	a.levels.Set(key, vol)

	a.total += qty
	a.vwapNum += price * qty
	a.tradeCount++

	if vol > a.poc.Volume {
		a.poc = models.POC{Price: key, Volume: vol}
	}
}

// ComputeValueArea expands outward from the POC, one level at a time toward
// the side with more volume, until coverage of the total is captured. Ties
// and a missing neighbour on one side favour the higher price.
func (a *Accumulator) ComputeValueArea(coverage float64) (low, high float64) {
	if a.total <= 0 || a.levels.Len() == 0 {
		a.vaLow, a.vaHigh = 0, 0
		return 0, 0
	}

	prices := make([]float64, 0, a.levels.Len())
	vols := make([]float64, 0, a.levels.Len())
	a.levels.Scan(func(p, v float64) bool {
		prices = append(prices, p)
		vols = append(vols, v)
		return true
	})

	poc := 0
	for i, p := range prices {
		if p == a.poc.Price {
			poc = i
			break
		}
	}

	target := a.total * coverage
	left, right := poc, poc
	acc := vols[poc]
	last := len(prices) - 1

	for acc < target && (left > 0 || right < last) {
		nextLeft, nextRight := -1.0, -1.0
		if left > 0 {
			nextLeft = vols[left-1]
		}
		if right < last {
			nextRight = vols[right+1]
		}
		if nextRight >= nextLeft {
			right++
			acc += vols[right]
		} else {
			left--
			acc += vols[left]
		}
	}

	a.vaLow, a.vaHigh = prices[left], prices[right]
	return a.vaLow, a.vaHigh
}

// FinalizeBarAndGetMetrics computes the 70% value area, returns the bar's
// metrics and resets for the next bar.
func (a *Accumulator) FinalizeBarAndGetMetrics() models.ProfileMetrics {
	a.ComputeValueArea(DefaultCoverage)
	out := models.ProfileMetrics{
		VWAP:          a.vwap(),
		POC:           a.poc,
		ValueAreaLow:  a.vaLow,
		ValueAreaHigh: a.vaHigh,
		TotalVolume:   a.total,
	}
	a.reset()
	return out
}

// LiveMetrics reads VWAP, POC and total volume without touching state.
// Value area bounds are left zero.
func (a *Accumulator) LiveMetrics() models.ProfileMetrics {
	return models.ProfileMetrics{
		VWAP:        a.vwap(),
		POC:         a.poc,
		TotalVolume: a.total,
	}
}

// Levels returns the number of distinct price levels.
func (a *Accumulator) Levels() int { return a.levels.Len() }

// TradeCount returns trades accumulated since the last reset.
func (a *Accumulator) TradeCount() int64 { return a.tradeCount }

func (a *Accumulator) vwap() float64 {
	if a.total <= 0 {
		return 0
	}
	return a.vwapNum / a.total
}
