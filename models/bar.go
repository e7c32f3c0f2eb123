package models

// FootprintLevel is the traded volume at one tick-quantised price.
type FootprintLevel struct {
	Price   float64 `json:"price"`
	BuyQty  float64 `json:"buy_qty"`
	SellQty float64 `json:"sell_qty"`
	Delta   float64 `json:"delta"`
}

// Volume returns buy plus sell quantity.
func (l FootprintLevel) Volume() float64 { return l.BuyQty + l.SellQty }

// POC is the point of control: the level with the most traded volume.
type POC struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// OHLC holds candle prices and the exchange-reported volume.
type OHLC struct {
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TradeCount int64   `json:"trade_count"`
}

// FinalizedBar is an immutable bar. Footprint is sorted by price descending.
// Historical bars seeded from REST klines carry OHLC only.
type FinalizedBar struct {
	Symbol          string           `json:"symbol"`
	StartTime       int64            `json:"start_time"`
	EndTime         int64            `json:"end_time"`
	OHLC            OHLC             `json:"ohlc"`
	Footprint       []FootprintLevel `json:"footprint"`
	TotalBuyVolume  float64          `json:"total_buy_volume"`
	TotalSellVolume float64          `json:"total_sell_volume"`
	TotalDelta      float64          `json:"total_delta"`
	POC             POC              `json:"poc"`
	Closed          bool             `json:"closed"`
	Historical      bool             `json:"historical,omitempty"`
}

// TotalVolume is buy plus sell volume attributed from trades.
func (b FinalizedBar) TotalVolume() float64 { return b.TotalBuyVolume + b.TotalSellVolume }

// ProfileMetrics is the volume profile summary of one bar.
type ProfileMetrics struct {
	VWAP          float64 `json:"vwap"`
	POC           POC     `json:"poc"`
	ValueAreaLow  float64 `json:"value_area_low"`
	ValueAreaHigh float64 `json:"value_area_high"`
	TotalVolume   float64 `json:"total_volume"`
}

// BarClose is what the close cascade hands to consumers.
type BarClose struct {
	Symbol  string         `json:"symbol"`
	Bar     FinalizedBar   `json:"bar"`
	Profile ProfileMetrics `json:"profile"`
}
