package footprint

import (
	"sort"

	"orderflow/models"
)

// bar is the mutable bar owned by the aggregator until it is frozen.
type bar struct {
	symbol string
	start  int64
	end    int64
	ohlc   models.OHLC
	levels map[float64]*models.FootprintLevel
	buy    float64
	sell   float64
	delta  float64
	poc    models.POC
	closed bool
}

func newBar(symbol string, start, end int64) *bar {
	return &bar{
		symbol: symbol,
		start:  start,
		end:    end,
		levels: make(map[float64]*models.FootprintLevel),
	}
}

func (b *bar) contains(ts int64) bool {
	return ts >= b.start && ts < b.end
}

func (b *bar) add(price, qty float64, side models.Side) {
	lvl, ok := b.levels[price]
	if !ok {
		lvl = &models.FootprintLevel{Price: price}
		b.levels[price] = lvl
	}
	if side == models.SideBuy {
		lvl.BuyQty += qty
		b.buy += qty
	} else {
		lvl.SellQty += qty
		b.sell += qty
	}
	lvl.Delta = lvl.BuyQty - lvl.SellQty
	b.delta = b.buy - b.sell

	// Only the touched level grew, so it is the only POC candidate.
	if v := lvl.Volume(); v > b.poc.Volume {
		b.poc = models.POC{Price: price, Volume: v}
	}
}

// freeze copies the bar with its footprint sorted by price descending.
func (b *bar) freeze() models.FinalizedBar {
	fp := make([]models.FootprintLevel, 0, len(b.levels))
	for _, lvl := range b.levels {
		fp = append(fp, *lvl)
	}
	sort.Slice(fp, func(i, j int) bool { return fp[i].Price > fp[j].Price })
	return models.FinalizedBar{
		Symbol:          b.symbol,
		StartTime:       b.start,
		EndTime:         b.end,
		OHLC:            b.ohlc,
		Footprint:       fp,
		TotalBuyVolume:  b.buy,
		TotalSellVolume: b.sell,
		TotalDelta:      b.delta,
		POC:             b.poc,
		Closed:          b.closed,
	}
}
