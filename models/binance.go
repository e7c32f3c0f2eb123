package models

// Binance USD-M futures websocket payloads. Prices and quantities arrive as
// strings; levels arrive as [price, qty] pairs. Every single-letter key the
// exchange sends is declared so encoding/json's case-insensitive matching
// never folds "T" into "t" or "Q" into "q".

// BinanceDepthEvent mirrors the <symbol>@depth stream payload.
type BinanceDepthEvent struct {
	Event            string     `json:"e"`
	Time             int64      `json:"E"`
	TransactionTime  int64      `json:"T"`
	Symbol           string     `json:"s"`
	FirstUpdateID    int64      `json:"U"`
	LastUpdateID     int64      `json:"u"`
	PrevLastUpdateID int64      `json:"pu"`
	Bids             [][]string `json:"b"`
	Asks             [][]string `json:"a"`
}

// BinanceAggTradeEvent mirrors the <symbol>@aggTrade stream payload.
type BinanceAggTradeEvent struct {
	Event        string `json:"e"`
	Time         int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// BinanceKlineEvent mirrors the <symbol>@kline_<interval> stream payload.
type BinanceKlineEvent struct {
	Event  string       `json:"e"`
	Time   int64        `json:"E"`
	Symbol string       `json:"s"`
	Kline  BinanceKline `json:"k"`
}

type BinanceKline struct {
	StartTime           int64  `json:"t"`
	CloseTime           int64  `json:"T"`
	Symbol              string `json:"s"`
	Interval            string `json:"i"`
	FirstTradeID        int64  `json:"f"`
	LastTradeID         int64  `json:"L"`
	Open                string `json:"o"`
	Close               string `json:"c"`
	High                string `json:"h"`
	Low                 string `json:"l"`
	Volume              string `json:"v"`
	TradeCount          int64  `json:"n"`
	IsClosed            bool   `json:"x"`
	QuoteVolume         string `json:"q"`
	TakerBuyVolume      string `json:"V"`
	TakerBuyQuoteVolume string `json:"Q"`
	Ignore              string `json:"B"`
}
