package sequencer

import (
	"errors"
	"fmt"
	"time"

	"orderflow/internal/book"
	"orderflow/internal/classifier"
	"orderflow/internal/footprint"
	"orderflow/internal/profile"
	"orderflow/internal/scheduler"
	"orderflow/internal/ticks"
	"orderflow/logger"
	"orderflow/models"
)

// EngineConfig describes one instrument.
type EngineConfig struct {
	Symbol     string
	TickSize   float64
	Period     time.Duration
	Book       book.Config
	Classifier classifier.Config
}

// EngineStats counts what the engine did with its input.
type EngineStats struct {
	DepthEvents    int64 `json:"depth_events"`
	BookLevels     int64 `json:"book_levels"`
	Trades         int64 `json:"trades"`
	RejectedTrades int64 `json:"rejected_trades"`
	Klines         int64 `json:"klines"`
	BarsClosed     int64 `json:"bars_closed"`
	Resyncs        int64 `json:"resyncs"`
}

// Result is the effect of one event on the engine.
type Result struct {
	Outcome book.Outcome
	// Resync is set when the book needs a fresh snapshot.
	Resync bool
	Trade  *models.ClassifiedTrade
	Close  *models.BarClose
	Err    error
}

// Engine bundles the book, classifier, footprint aggregator and volume
// profile of one instrument. Every method must be called from the single
// goroutine that owns it.
type Engine struct {
	symbol     string
	book       *book.Manager
	classifier *classifier.Classifier
	bars       *footprint.Aggregator
	profile    *profile.Accumulator
	stats      EngineStats
	log        *logger.Entry
}

func NewEngine(cfg EngineConfig, clock scheduler.Clock, log *logger.Log) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	q, err := ticks.NewQuantizer(cfg.TickSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Symbol, err)
	}
	if log == nil {
		log = logger.GetLogger()
	}

	bk := book.NewManager(cfg.Book, log)
	bars, err := footprint.NewAggregator(cfg.Symbol, q, cfg.Period, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Symbol, err)
	}

	return &Engine{
		symbol:     cfg.Symbol,
		book:       bk,
		classifier: classifier.New(cfg.Classifier, bk, clock),
		bars:       bars,
		profile:    profile.New(q),
		log:        log.WithComponent("engine").WithSymbol(cfg.Symbol),
	}, nil
}

func (e *Engine) Symbol() string { return e.symbol }

// Book exposes the order book manager to the owning goroutine.
func (e *Engine) Book() *book.Manager { return e.book }

// Bars exposes the footprint aggregator to the owning goroutine.
func (e *Engine) Bars() *footprint.Aggregator { return e.bars }

// Profile exposes the volume profile to the owning goroutine.
func (e *Engine) Profile() *profile.Accumulator { return e.profile }

// Classifier exposes the trade classifier to the owning goroutine.
func (e *Engine) Classifier() *classifier.Classifier { return e.classifier }

func (e *Engine) Stats() EngineStats { return e.stats }

// Handle applies one event. Errors in the result are informational; the
// engine stays usable after any of them.
func (e *Engine) Handle(ev models.Event) Result {
	switch ev.Kind {
	case models.EventDepthDiff:
		return e.handleDepth(*ev.Depth)
	case models.EventBookLevels:
		e.stats.BookLevels++
		return Result{Outcome: book.Applied, Err: e.book.ApplyLevels(*ev.Book)}
	case models.EventTrade:
		return e.handleTrade(*ev.Trade)
	case models.EventKline:
		return e.handleKline(*ev.Kline)
	default:
		return Result{Err: fmt.Errorf("unsupported event kind %s", ev.Kind)}
	}
}

func (e *Engine) handleDepth(d models.DepthDiff) Result {
	e.stats.DepthEvents++
	outcome, err := e.book.ApplyDiff(d)
	res := Result{Outcome: outcome, Err: err}
	if outcome == book.ResyncRequired {
		e.stats.Resyncs++
		res.Resync = true
	}
	return res
}

// handleTrade classifies against the book as it stands now, then feeds the
// footprint. The profile only sees trades the footprint accepted so both
// describe the same bar.
func (e *Engine) handleTrade(t models.Trade) Result {
	e.stats.Trades++
	ct := e.classifier.Classify(t)
	res := Result{Trade: &ct}
	if err := e.bars.AddTrade(ct); err != nil {
		e.stats.RejectedTrades++
		res.Err = err
		return res
	}
	e.profile.AddTrade(ct.Price, ct.Quantity)
	return res
}

// handleKline runs the close cascade: footprint first, then the profile.
func (e *Engine) handleKline(k models.KlineUpdate) Result {
	e.stats.Klines++
	if cur, ok := e.bars.Current(); ok && k.PeriodStart > cur.StartTime && !cur.Closed {
		// The previous bar never saw its close; its profile belongs to no bar.
		dropped := e.profile.FinalizeBarAndGetMetrics()
		e.log.WithFields(logger.Fields{
			"bar_start":    cur.StartTime,
			"total_volume": dropped.TotalVolume,
		}).Warn("discarding profile of unclosed bar")
	}

	bar, closed := e.bars.HandleKline(k)
	if !closed {
		return Result{}
	}
	e.stats.BarsClosed++
	return Result{Close: &models.BarClose{
		Symbol:  e.symbol,
		Bar:     bar,
		Profile: e.profile.FinalizeBarAndGetMetrics(),
	}}
}

// IsRejectedTrade reports whether err is a footprint rejection rather than a
// processing failure.
func IsRejectedTrade(err error) bool {
	return errors.Is(err, footprint.ErrOutOfWindow) ||
		errors.Is(err, footprint.ErrNoActiveBar) ||
		errors.Is(err, footprint.ErrBarClosed)
}
