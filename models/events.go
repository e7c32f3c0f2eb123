package models

import "time"

// Stream names the inbound feed a message came from.
type Stream string

const (
	StreamDepth Stream = "depth"
	StreamTrade Stream = "trade"
	StreamKline Stream = "kline"
)

// Provenance tells the decoder which wire contract a payload follows.
type Provenance string

const (
	// ProvenanceLive payloads are exchange websocket frames.
	ProvenanceLive Provenance = "live"
	// ProvenanceRecorded payloads are recorder JSON lines; depth is a top-N
	// book without sequence ids.
	ProvenanceRecorded Provenance = "recorded"
)

// RawMessage wraps an undecoded payload from any source.
type RawMessage struct {
	Exchange   string
	Symbol     string
	Stream     Stream
	Provenance Provenance
	Data       []byte
	Timestamp  time.Time
}

// EventKind tags the populated member of Event.
type EventKind int

const (
	EventDepthDiff EventKind = iota + 1
	EventBookLevels
	EventTrade
	EventKline
)

func (k EventKind) String() string {
	switch k {
	case EventDepthDiff:
		return "depth_diff"
	case EventBookLevels:
		return "book_levels"
	case EventTrade:
		return "trade"
	case EventKline:
		return "kline"
	default:
		return "unknown"
	}
}

// Event is the canonical internal event. Exactly one of the pointer members
// is set, selected by Kind.
type Event struct {
	Kind       EventKind
	Provenance Provenance
	Symbol     string
	ReceivedAt time.Time

	Depth *DepthDiff
	Book  *BookLevels
	Trade *Trade
	Kline *KlineUpdate
}
