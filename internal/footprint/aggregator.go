// Package footprint builds time bars with per-price buy/sell volume from
// klines and classified trades.
package footprint

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"orderflow/internal/ticks"
	"orderflow/logger"
	"orderflow/models"
)

// DefaultRetention is how much bar history is kept.
const DefaultRetention = 4 * 24 * time.Hour

var (
	ErrNoActiveBar = errors.New("no active bar")
	ErrOutOfWindow = errors.New("trade outside active bar window")
	ErrBarClosed   = errors.New("active bar already closed")
)

type State int

const (
	NoActiveBar State = iota
	BarOpen
)

func (s State) String() string {
	if s == BarOpen {
		return "bar_open"
	}
	return "no_active_bar"
}

// Aggregator owns the active bar. It is not safe for concurrent use.
type Aggregator struct {
	symbol  string
	q       ticks.Quantizer
	period  time.Duration
	active  *bar
	history *ring[models.FinalizedBar]
	log     *logger.Entry
}

// NewAggregator returns an aggregator in NoActiveBar. History holds
// ceil(4 days / period) bars.
func NewAggregator(symbol string, q ticks.Quantizer, period time.Duration, log *logger.Log) (*Aggregator, error) {
	if period <= 0 {
		return nil, fmt.Errorf("bar period must be greater than 0")
	}
	if q.TickSize() <= 0 {
		return nil, fmt.Errorf("tick size must be greater than 0")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Aggregator{
		symbol:  symbol,
		q:       q,
		period:  period,
		history: newRing[models.FinalizedBar](RetentionBars(period, DefaultRetention)),
		log:     log.WithComponent("bar_aggregator").WithSymbol(symbol),
	}, nil
}

func (a *Aggregator) State() State {
	if a.active == nil {
		return NoActiveBar
	}
	return BarOpen
}

// Period returns the bar length.
func (a *Aggregator) Period() time.Duration { return a.period }

// HandleKline updates the active bar from a kline. A new period start
// archives the active bar and opens a fresh one. The frozen bar is returned
// exactly once, on the first closed update for its period.
func (a *Aggregator) HandleKline(k models.KlineUpdate) (models.FinalizedBar, bool) {
	if a.active != nil && k.PeriodStart < a.active.start {
		a.log.WithFields(logger.Fields{
			"kline_start":  k.PeriodStart,
			"active_start": a.active.start,
		}).Warn("ignoring kline for an earlier period")
		return models.FinalizedBar{}, false
	}

	if a.active == nil || k.PeriodStart != a.active.start {
		a.archive()
		end := k.PeriodStart + a.period.Milliseconds()
		if k.PeriodEnd > 0 && k.PeriodEnd+1 != end {
			a.log.WithFields(logger.Fields{
				"kline_end":      k.PeriodEnd,
				"configured_end": end,
			}).Debug("kline close time differs from configured period")
		}
		a.active = newBar(a.symbol, k.PeriodStart, end)
		a.log.WithFields(logger.Fields{"start": k.PeriodStart, "end": end}).Debug("bar opened")
	}

	a.active.ohlc = models.OHLC{
		Open:       k.Open,
		High:       k.High,
		Low:        k.Low,
		Close:      k.Close,
		Volume:     k.Volume,
		TradeCount: k.TradeCount,
	}

	if k.IsClosed && !a.active.closed {
		a.active.closed = true
		return a.active.freeze(), true
	}
	return models.FinalizedBar{}, false
}

func (a *Aggregator) archive() {
	if a.active == nil {
		return
	}
	if !a.active.closed {
		a.log.WithFields(logger.Fields{"start": a.active.start}).Warn("archiving bar that never received a close")
	}
	a.history.push(a.active.freeze())
	a.active = nil
}

// AddTrade attributes a classified trade to the active bar.
func (a *Aggregator) AddTrade(ct models.ClassifiedTrade) error {
	b := a.active
	if b == nil {
		return ErrNoActiveBar
	}
	if !b.contains(ct.Time) {
		return fmt.Errorf("%w: trade %d at %d, bar [%d, %d)", ErrOutOfWindow, ct.TradeID, ct.Time, b.start, b.end)
	}
	if b.closed {
		return fmt.Errorf("%w: trade %d at %d", ErrBarClosed, ct.TradeID, ct.Time)
	}
	b.add(a.q.Quantize(ct.Price), ct.Quantity, ct.Side)
	return nil
}

// Current returns a copy of the active bar.
func (a *Aggregator) Current() (models.FinalizedBar, bool) {
	if a.active == nil {
		return models.FinalizedBar{}, false
	}
	return a.active.freeze(), true
}

// History returns archived bars, oldest first.
func (a *Aggregator) History() []models.FinalizedBar {
	return a.history.slice()
}

// Capacity returns the history bound.
func (a *Aggregator) Capacity() int { return a.history.capacity() }

// Seed archives closed historical klines that precede the active bar. The
// seeded bars carry OHLC only.
func (a *Aggregator) Seed(klines []models.KlineUpdate) int {
	sorted := append([]models.KlineUpdate(nil), klines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PeriodStart < sorted[j].PeriodStart })

	n := 0
	for _, k := range sorted {
		if !k.IsClosed {
			continue
		}
		if a.active != nil && k.PeriodStart >= a.active.start {
			continue
		}
		a.history.push(models.FinalizedBar{
			Symbol:    a.symbol,
			StartTime: k.PeriodStart,
			EndTime:   k.PeriodStart + a.period.Milliseconds(),
			OHLC: models.OHLC{
				Open:       k.Open,
				High:       k.High,
				Low:        k.Low,
				Close:      k.Close,
				Volume:     k.Volume,
				TradeCount: k.TradeCount,
			},
			Footprint:  []models.FootprintLevel{},
			Closed:     true,
			Historical: true,
		})
		n++
	}
	return n
}
