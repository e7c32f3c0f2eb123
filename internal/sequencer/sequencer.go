// Package sequencer serialises every depth, trade and kline event of one
// instrument through a single worker and drives the bar-close cascade.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"orderflow/internal/book"
	"orderflow/internal/classifier"
	"orderflow/internal/footprint"
	"orderflow/internal/metrics"
	"orderflow/internal/scheduler"
	"orderflow/logger"
	"orderflow/models"
)

// DefaultRecordDepth is how many levels per side are handed to the recorder
// after each applied diff.
const DefaultRecordDepth = 5

// outOfWindowWarnInterval spaces warnings for trades outside the open bar.
const outOfWindowWarnInterval = 10 * time.Second

// ErrStopped is returned by readers once the worker has exited.
var ErrStopped = errors.New("sequencer stopped")

// Sink receives every finalized bar. Calls happen on the worker goroutine,
// so implementations must hand the bar off without blocking.
type Sink interface {
	HandleBarClose(ctx context.Context, bc models.BarClose) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, bc models.BarClose) error

func (f SinkFunc) HandleBarClose(ctx context.Context, bc models.BarClose) error { return f(ctx, bc) }

// Recorder persists the processed stream for later replay.
type Recorder interface {
	RecordTrade(t models.Trade)
	RecordKline(k models.KlineUpdate)
	RecordDepth(symbol string, eventTime int64, levels models.BookLevels)
}

type Config struct {
	Engine   EngineConfig
	Recovery RecoveryConfig
	// RecordDepth is the per-side depth handed to the recorder.
	RecordDepth int
}

// Status is a copy-out view of the instrument.
type Status struct {
	Symbol     string                `json:"symbol"`
	Book       models.BookStats      `json:"book"`
	Counters   book.Counters         `json:"book_counters"`
	Profile    models.ProfileMetrics `json:"profile"`
	Bar        *models.FinalizedBar  `json:"bar,omitempty"`
	Trades     classifier.Stats      `json:"trades"`
	Engine     EngineStats           `json:"engine"`
	Generation uint64                `json:"resync_generation"`
	Resyncing  bool                  `json:"resyncing"`
}

// Sequencer owns an Engine. The worker started by Run is the only goroutine
// that touches it; readers submit closures to the worker and receive copies.
type Sequencer struct {
	cfg      Config
	engine   *Engine
	events   <-chan models.Event
	queries  chan func(*Engine)
	sinks    []Sink
	recorder Recorder
	recovery *recovery
	clock    scheduler.Clock
	log      *logger.Entry
	running  atomic.Bool
	done     chan struct{}

	windowWarnAt     time.Time
	windowSuppressed int
}

// New builds a sequencer reading from events. fetcher may be nil when the
// input carries whole books rather than diffs, as in replay.
func New(cfg Config, events <-chan models.Event, fetcher book.SnapshotFetcher, clock scheduler.Clock, log *logger.Log, sinks ...Sink) (*Sequencer, error) {
	if events == nil {
		return nil, fmt.Errorf("events channel is required")
	}
	if clock == nil {
		clock = scheduler.SystemClock()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.RecordDepth <= 0 {
		cfg.RecordDepth = DefaultRecordDepth
	}

	engine, err := NewEngine(cfg.Engine, clock, log)
	if err != nil {
		return nil, err
	}

	entry := log.WithComponent("sequencer").WithSymbol(cfg.Engine.Symbol)
	s := &Sequencer{
		cfg:     cfg,
		engine:  engine,
		events:  events,
		queries: make(chan func(*Engine)),
		sinks:   sinks,
		clock:   clock,
		log:     entry,
		done:    make(chan struct{}),
	}
	if fetcher != nil {
		s.recovery = newRecovery(cfg.Recovery, fetcher, clock, entry)
	}
	return s, nil
}

// SetRecorder must be called before Run.
func (s *Sequencer) SetRecorder(r Recorder) { s.recorder = r }

// AddSink must be called before Run.
func (s *Sequencer) AddSink(sink Sink) { s.sinks = append(s.sinks, sink) }

func (s *Sequencer) Symbol() string { return s.engine.Symbol() }

// Running reports whether the worker started by Run is still alive.
func (s *Sequencer) Running() bool {
	if !s.running.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Seed archives warm-up klines before the worker starts.
func (s *Sequencer) Seed(klines []models.KlineUpdate) int {
	if s.running.Load() {
		return 0
	}
	return s.engine.Bars().Seed(klines)
}

// Run processes events until ctx is cancelled or the events channel closes.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sequencer already running")
	}
	defer close(s.done)

	var results <-chan snapshotResult
	if s.recovery != nil {
		results = s.recovery.results
		s.recovery.start(ctx, "initial")
		metrics.IncrementResync(s.Symbol(), "initial")
		defer s.recovery.stop()
	}

	s.log.Info("sequencer started")
	defer s.log.Info("sequencer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		case res := <-results:
			s.applySnapshot(ctx, res)
		case q := <-s.queries:
			q(s.engine)
		}
	}
}

func (s *Sequencer) handle(ctx context.Context, ev models.Event) {
	res := s.engine.Handle(ev)
	symbol := s.Symbol()

	switch ev.Kind {
	case models.EventDepthDiff:
		metrics.ObserveDepth(symbol, res.Outcome.String())
		s.handleDepthResult(ctx, ev, res)
	case models.EventBookLevels:
		if res.Err != nil {
			s.log.WithError(res.Err).Warn("recorded book rejected")
		}
		metrics.SetBookReady(symbol, s.engine.Book().Ready())
	case models.EventTrade:
		if res.Trade != nil {
			metrics.ObserveTrade(symbol, string(res.Trade.Classification))
			if s.recorder != nil && ev.Provenance == models.ProvenanceLive {
				s.recorder.RecordTrade(res.Trade.Trade)
			}
		}
		if res.Err != nil {
			metrics.IncrementRejectedTrade(symbol, rejectReason(res.Err))
			s.logRejectedTrade(res.Err, ev.Trade)
		}
	case models.EventKline:
		if s.recorder != nil && ev.Provenance == models.ProvenanceLive {
			s.recorder.RecordKline(*ev.Kline)
		}
		if res.Close != nil {
			s.cascade(ctx, *res.Close)
		}
	default:
		if res.Err != nil {
			s.log.WithError(res.Err).Warn("event dropped")
		}
	}
}

// logRejectedTrade warns about out-of-window trades, at most once per
// outOfWindowWarnInterval. Other rejections are routine around bar edges.
func (s *Sequencer) logRejectedTrade(err error, t *models.Trade) {
	if !errors.Is(err, footprint.ErrOutOfWindow) {
		s.log.WithError(err).Debug("trade not attributed to a bar")
		return
	}
	now := s.clock.Now()
	if !s.windowWarnAt.IsZero() && now.Sub(s.windowWarnAt) < outOfWindowWarnInterval {
		s.windowSuppressed++
		return
	}
	s.log.WithError(err).WithFields(logger.Fields{
		"trade_id":   t.TradeID,
		"trade_time": t.Time,
		"suppressed": s.windowSuppressed,
	}).Warn("out of window trade dropped")
	s.windowWarnAt = now
	s.windowSuppressed = 0
}

func (s *Sequencer) handleDepthResult(ctx context.Context, ev models.Event, res Result) {
	switch res.Outcome {
	case book.Applied:
		if s.recorder != nil && ev.Provenance == models.ProvenanceLive {
			s.recorder.RecordDepth(s.Symbol(), ev.Depth.EventTime, s.engine.Book().TopLevels(s.cfg.RecordDepth))
		}
	case book.Stale:
		s.log.WithError(res.Err).Debug("stale depth update dropped")
	case book.ResyncRequired:
		metrics.SetBookReady(s.Symbol(), false)
		reason := resyncReason(res.Err)
		if s.recovery == nil {
			s.log.WithError(res.Err).Warn("order book invalid and no snapshot source configured")
			return
		}
		// Overflow while a fetch is pending retries it at once.
		if reason == "overflow" && s.recovery.retryNow() {
			s.log.WithError(res.Err).Warn("pending depth buffer overflowed during resync; retrying snapshot now")
			metrics.IncrementResync(s.Symbol(), reason)
			return
		}
		s.log.WithError(res.Err).Warn("order book invalidated")
		metrics.IncrementResync(s.Symbol(), reason)
		s.recovery.start(ctx, reason)
	}
}

func (s *Sequencer) applySnapshot(ctx context.Context, res snapshotResult) {
	if !s.recovery.accept(res) {
		s.log.WithFields(logger.Fields{
			"generation": res.gen,
			"latest":     s.recovery.generation(),
		}).Debug("discarding superseded snapshot")
		return
	}
	if res.err != nil {
		s.log.WithError(res.err).Error("snapshot fetch gave up; retrying")
		metrics.IncrementResync(s.Symbol(), "fetch_failed")
		s.recovery.start(ctx, "fetch_failed")
		return
	}

	replayed, err := s.engine.Book().ApplySnapshot(res.snap)
	if err != nil {
		s.log.WithError(err).Warn("snapshot could not be applied")
		reason := resyncReason(err)
		metrics.IncrementResync(s.Symbol(), reason)
		s.recovery.start(ctx, reason)
		return
	}
	metrics.SetBookReady(s.Symbol(), true)
	s.log.WithFields(logger.Fields{
		"generation":     res.gen,
		"last_update_id": res.snap.LastUpdateID,
		"replayed":       replayed,
	}).Info("order book synchronised")
}

// cascade hands a finalized bar to every sink before the worker reads the
// next event.
func (s *Sequencer) cascade(ctx context.Context, bc models.BarClose) {
	metrics.IncrementBarClosed(bc.Symbol)
	s.log.WithFields(logger.Fields{
		"start":       bc.Bar.StartTime,
		"total_delta": bc.Bar.TotalDelta,
		"poc":         bc.Bar.POC.Price,
		"vwap":        bc.Profile.VWAP,
		"va_low":      bc.Profile.ValueAreaLow,
		"va_high":     bc.Profile.ValueAreaHigh,
	}).Info("bar closed")

	for _, sink := range s.sinks {
		if err := sink.HandleBarClose(ctx, bc); err != nil {
			s.log.WithError(err).Warn("bar sink failed")
		}
	}
}

func resyncReason(err error) string {
	switch {
	case errors.Is(err, book.ErrSequenceGap):
		return "gap"
	case errors.Is(err, book.ErrCrossedBook):
		return "crossed"
	case errors.Is(err, book.ErrPendingOverflow):
		return "overflow"
	default:
		return "unknown"
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, footprint.ErrOutOfWindow):
		return "out_of_window"
	case errors.Is(err, footprint.ErrNoActiveBar):
		return "no_active_bar"
	case errors.Is(err, footprint.ErrBarClosed):
		return "bar_closed"
	default:
		return "error"
	}
}

// query runs fn on the worker and waits for it.
func (s *Sequencer) query(ctx context.Context, fn func(*Engine)) error {
	finished := make(chan struct{})
	wrapped := func(e *Engine) {
		fn(e)
		close(finished)
	}
	select {
	case s.queries <- wrapped:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TopLevels returns the best n levels per side.
func (s *Sequencer) TopLevels(ctx context.Context, n int) (models.BookLevels, error) {
	var out models.BookLevels
	err := s.query(ctx, func(e *Engine) { out = e.Book().TopLevels(n) })
	return out, err
}

func (s *Sequencer) BestBidAsk(ctx context.Context) (models.BestBidAsk, error) {
	var out models.BestBidAsk
	err := s.query(ctx, func(e *Engine) { out = e.Book().BestBidAsk() })
	return out, err
}

func (s *Sequencer) BookStats(ctx context.Context) (models.BookStats, error) {
	var out models.BookStats
	err := s.query(ctx, func(e *Engine) { out = e.Book().Stats() })
	return out, err
}

// LiveMetrics previews the active bar's profile.
func (s *Sequencer) LiveMetrics(ctx context.Context) (models.ProfileMetrics, error) {
	var out models.ProfileMetrics
	err := s.query(ctx, func(e *Engine) { out = e.Profile().LiveMetrics() })
	return out, err
}

func (s *Sequencer) CurrentBar(ctx context.Context) (models.FinalizedBar, bool, error) {
	var (
		out models.FinalizedBar
		ok  bool
	)
	err := s.query(ctx, func(e *Engine) { out, ok = e.Bars().Current() })
	return out, ok, err
}

// RecentTrades returns classified trades newer than window.
func (s *Sequencer) RecentTrades(ctx context.Context, window time.Duration) ([]models.ClassifiedTrade, error) {
	var out []models.ClassifiedTrade
	err := s.query(ctx, func(e *Engine) { out = e.Classifier().Recent(window) })
	return out, err
}

// Bars returns archived bars, oldest first.
func (s *Sequencer) Bars(ctx context.Context) ([]models.FinalizedBar, error) {
	var out []models.FinalizedBar
	err := s.query(ctx, func(e *Engine) { out = e.Bars().History() })
	return out, err
}

func (s *Sequencer) Status(ctx context.Context) (Status, error) {
	var out Status
	err := s.query(ctx, func(e *Engine) {
		out = Status{
			Symbol:   e.Symbol(),
			Book:     e.Book().Stats(),
			Counters: e.Book().Counters(),
			Profile:  e.Profile().LiveMetrics(),
			Trades:   e.Classifier().Stats(),
			Engine:   e.Stats(),
		}
		if bar, ok := e.Bars().Current(); ok {
			out.Bar = &bar
		}
		if s.recovery != nil {
			out.Generation = s.recovery.generation()
			out.Resyncing = s.recovery.inFlight()
		}
	})
	return out, err
}
