package models

// RecordKind tags a recorder line.
type RecordKind string

const (
	RecordTrade RecordKind = "trade"
	RecordKline RecordKind = "kline"
	RecordDepth RecordKind = "depth"
)

// RecordedDepth is the top of the book after an applied diff. It carries no
// sequence ids and replaces the book wholesale on replay.
type RecordedDepth struct {
	EventTime int64        `json:"event_time"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// Record is one JSON line written by the recorder. Kind selects the
// populated member.
type Record struct {
	Kind       RecordKind     `json:"kind"`
	Symbol     string         `json:"symbol"`
	RecordedAt int64          `json:"recorded_at"`
	Trade      *Trade         `json:"trade,omitempty"`
	Kline      *KlineUpdate   `json:"kline,omitempty"`
	Depth      *RecordedDepth `json:"depth,omitempty"`
}
