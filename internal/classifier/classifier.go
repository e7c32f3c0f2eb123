// Package classifier labels trades with their aggressor side against the
// live book and keeps a rolling window of recent classified trades.
package classifier

import (
	"time"

	"orderflow/internal/scheduler"
	"orderflow/models"
)

const (
	DefaultRetention = time.Hour
	DefaultMaxTrades = 200000
	DefaultWindow    = 60 * time.Second

	// PassiveConfidence is assigned to prints strictly inside the spread.
	PassiveConfidence = 0.7
)

// Quoter supplies the current inside quote.
type Quoter interface {
	BestBidAsk() models.BestBidAsk
}

type Config struct {
	// Retention is the age after which trades leave the window.
	Retention time.Duration
	// MaxTrades caps the window regardless of age.
	MaxTrades int
}

// Stats counts retained trades per classification.
type Stats struct {
	Total            int                           `json:"total"`
	ByClassification map[models.Classification]int `json:"by_classification"`
	BuyVolume        float64                       `json:"buy_volume"`
	SellVolume       float64                       `json:"sell_volume"`
}

// Classifier is owned by the sequencer worker and is not safe for
// concurrent use.
type Classifier struct {
	cfg    Config
	quoter Quoter
	clock  scheduler.Clock
	trades []models.ClassifiedTrade
	head   int
}

func New(cfg Config, quoter Quoter, clock scheduler.Clock) *Classifier {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxTrades <= 0 {
		cfg.MaxTrades = DefaultMaxTrades
	}
	if clock == nil {
		clock = scheduler.SystemClock()
	}
	return &Classifier{cfg: cfg, quoter: quoter, clock: clock}
}

// Classify labels t against the current quote and records it.
func (c *Classifier) Classify(t models.Trade) models.ClassifiedTrade {
	ct := Label(t, c.quoter.BestBidAsk())
	c.record(ct)
	return ct
}

// Label applies the classification rules to t under quote q.
func Label(t models.Trade, q models.BestBidAsk) models.ClassifiedTrade {
	ct := models.ClassifiedTrade{Trade: t, Side: t.Side()}
	if !q.Valid() {
		ct.Classification = models.Unknown
		return ct
	}
	ct.BestBid, ct.BestAsk = q.Bid, q.Ask

	switch {
	case t.Price >= q.Ask:
		ct.Classification = models.AggressiveBuy
		ct.Confidence = 1
	case t.Price <= q.Bid:
		ct.Classification = models.AggressiveSell
		ct.Confidence = 1
	case t.IsBuyerMaker:
		ct.Classification = models.PassiveSell
		ct.Confidence = PassiveConfidence
	default:
		ct.Classification = models.PassiveBuy
		ct.Confidence = PassiveConfidence
	}
	return ct
}

func (c *Classifier) record(ct models.ClassifiedTrade) {
	c.trades = append(c.trades, ct)
	if len(c.trades)-c.head > c.cfg.MaxTrades {
		c.head++
	}
	c.compact()
}

// compact drops the evicted prefix once it dominates the slice.
func (c *Classifier) compact() {
	if c.head > 0 && c.head*2 >= len(c.trades) {
		c.trades = append(c.trades[:0:0], c.trades[c.head:]...)
		c.head = 0
	}
}

func (c *Classifier) evict(now time.Time) {
	cutoff := now.Add(-c.cfg.Retention).UnixMilli()
	for c.head < len(c.trades) && c.trades[c.head].Time < cutoff {
		c.head++
	}
	c.compact()
}

// Recent returns copies of trades from the last window, oldest first.
func (c *Classifier) Recent(window time.Duration) []models.ClassifiedTrade {
	if window <= 0 {
		window = DefaultWindow
	}
	now := c.clock.Now()
	c.evict(now)

	cutoff := now.Add(-window).UnixMilli()
	live := c.trades[c.head:]
	i := len(live)
	for i > 0 && live[i-1].Time >= cutoff {
		i--
	}
	out := make([]models.ClassifiedTrade, len(live)-i)
	copy(out, live[i:])
	return out
}

// Len returns the number of retained trades after eviction.
func (c *Classifier) Len() int {
	c.evict(c.clock.Now())
	return len(c.trades) - c.head
}

// Stats summarises the retained window.
func (c *Classifier) Stats() Stats {
	c.evict(c.clock.Now())
	s := Stats{ByClassification: make(map[models.Classification]int)}
	for _, ct := range c.trades[c.head:] {
		s.Total++
		s.ByClassification[ct.Classification]++
		if ct.Side == models.SideBuy {
			s.BuyVolume += ct.Quantity
		} else {
			s.SellVolume += ct.Quantity
		}
	}
	return s
}
