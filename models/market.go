package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BOOK //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel is a single (price, quantity) pair. A zero quantity in a diff
// removes the level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthDiff is an incremental order book update covering the sequence range
// [FirstUpdateID, LastUpdateID].
type DepthDiff struct {
	Symbol           string       `json:"symbol"`
	EventTime        int64        `json:"event_time"`
	FirstUpdateID    int64        `json:"first_update_id"`
	LastUpdateID     int64        `json:"last_update_id"`
	PrevLastUpdateID int64        `json:"prev_last_update_id,omitempty"`
	Bids             []PriceLevel `json:"bids"`
	Asks             []PriceLevel `json:"asks"`
}

// DepthSnapshot is a full book returned by the REST depth endpoint.
type DepthSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// BookLevels is a copy of the top of the book: bids descending, asks ascending.
type BookLevels struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BestBidAsk reports the inside quote. HasBid/HasAsk are false when the side
// is empty or the book is not ready.
type BestBidAsk struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	HasBid bool    `json:"has_bid"`
	HasAsk bool    `json:"has_ask"`
}

// Valid reports whether both sides of the quote are present.
func (q BestBidAsk) Valid() bool { return q.HasBid && q.HasAsk }

// Spread returns ask - bid, or 0 when the quote is incomplete.
func (q BestBidAsk) Spread() float64 {
	if !q.Valid() {
		return 0
	}
	return q.Ask - q.Bid
}

// BookStats summarises the book for status reporting.
type BookStats struct {
	BidLevels    int     `json:"bid_levels"`
	AskLevels    int     `json:"ask_levels"`
	LastUpdateID int64   `json:"last_update_id"`
	Ready        bool    `json:"ready"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Spread       float64 `json:"spread"`
	Pending      int     `json:"pending"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRADES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Classification string

const (
	AggressiveBuy  Classification = "AGGRESSIVE_BUY"
	AggressiveSell Classification = "AGGRESSIVE_SELL"
	PassiveBuy     Classification = "PASSIVE_BUY"
	PassiveSell    Classification = "PASSIVE_SELL"
	Unknown        Classification = "UNKNOWN"
)

// Trade is an executed print as reported by the exchange. Time is in
// milliseconds since the epoch.
type Trade struct {
	Symbol       string  `json:"symbol"`
	TradeID      int64   `json:"trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Time         int64   `json:"time"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// Side derives the taker side: a buyer-maker print was sold into.
func (t Trade) Side() Side {
	if t.IsBuyerMaker {
		return SideSell
	}
	return SideBuy
}

// ClassifiedTrade is a trade labelled against the book at its arrival.
type ClassifiedTrade struct {
	Trade
	Side           Side           `json:"side"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	BestBid        float64        `json:"best_bid,omitempty"`
	BestAsk        float64        `json:"best_ask,omitempty"`
}

// Timestamp returns the trade time as a time.Time.
func (t Trade) Timestamp() time.Time { return time.UnixMilli(t.Time) }

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// KLINES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KlineUpdate is a candle update for one period. PeriodStart/PeriodEnd are
// milliseconds; PeriodEnd is the exchange's inclusive close time.
type KlineUpdate struct {
	Symbol         string  `json:"symbol"`
	Interval       string  `json:"interval"`
	PeriodStart    int64   `json:"period_start"`
	PeriodEnd      int64   `json:"period_end"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	TakerBuyVolume float64 `json:"taker_buy_volume"`
	TradeCount     int64   `json:"trade_count"`
	IsClosed       bool    `json:"is_closed"`
}
