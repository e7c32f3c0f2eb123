// Package verify checks finalized bars against the exchange's own kline for
// the same period.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/internal/scheduler"
	"orderflow/logger"
	"orderflow/models"
)

const defaultQueueSize = 64

// ErrQueueFull is returned when a bar close cannot be queued.
var ErrQueueFull = errors.New("verify queue full")

// KlineFetcher loads the exchange kline that opened at startMs.
type KlineFetcher interface {
	FetchKline(ctx context.Context, symbol, interval string, startMs int64) (models.KlineUpdate, error)
}

// Result compares one bar with the exchange kline. Differences are in base
// asset units, ours minus the exchange's.
type Result struct {
	Symbol         string  `json:"symbol"`
	StartTime      int64   `json:"start_time"`
	BarVolume      float64 `json:"bar_volume"`
	ExchangeVolume float64 `json:"exchange_volume"`
	VolumeDiff     float64 `json:"volume_diff"`
	BarBuyVolume   float64 `json:"bar_buy_volume"`
	ExchangeBuy    float64 `json:"exchange_buy_volume"`
	BuyDiff        float64 `json:"buy_diff"`
	BarTrades      int64   `json:"bar_trades"`
	ExchangeTrades int64   `json:"exchange_trades"`
	Match          bool    `json:"match"`
}

// Stats counts verification outcomes.
type Stats struct {
	Matched    int64 `json:"matched"`
	Mismatched int64 `json:"mismatched"`
	Errors     int64 `json:"errors"`
	Dropped    int64 `json:"dropped"`
}

// Compare checks total and taker-buy volume within tolerance units.
func Compare(bar models.FinalizedBar, k models.KlineUpdate, tolerance float64) Result {
	r := Result{
		Symbol:         bar.Symbol,
		StartTime:      bar.StartTime,
		BarVolume:      bar.TotalVolume(),
		ExchangeVolume: k.Volume,
		BarBuyVolume:   bar.TotalBuyVolume,
		ExchangeBuy:    k.TakerBuyVolume,
		BarTrades:      bar.OHLC.TradeCount,
		ExchangeTrades: k.TradeCount,
	}
	r.VolumeDiff = r.BarVolume - r.ExchangeVolume
	r.BuyDiff = r.BarBuyVolume - r.ExchangeBuy
	r.Match = math.Abs(r.VolumeDiff) <= tolerance && math.Abs(r.BuyDiff) <= tolerance
	return r
}

// Verifier is a bar close sink. Closes are queued and checked by one worker
// after a delay that lets the exchange settle the kline.
type Verifier struct {
	cfg      config.VerifyConfig
	interval string
	fetcher  KlineFetcher
	clock    scheduler.Clock
	queue    chan models.BarClose
	wg       sync.WaitGroup
	log      *logger.Entry
	rawLog   *logger.Log

	mu   sync.RWMutex
	last *Result

	matched    atomic.Int64
	mismatched atomic.Int64
	errs       atomic.Int64
	dropped    atomic.Int64
}

func New(cfg config.VerifyConfig, interval string, fetcher KlineFetcher, clock scheduler.Clock, log *logger.Log) *Verifier {
	if clock == nil {
		clock = scheduler.SystemClock()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Verifier{
		cfg:      cfg,
		interval: interval,
		fetcher:  fetcher,
		clock:    clock,
		queue:    make(chan models.BarClose, defaultQueueSize),
		log:      log.WithComponent("verifier"),
		rawLog:   log,
	}
}

// HandleBarClose never blocks the sequencer.
func (v *Verifier) HandleBarClose(ctx context.Context, bc models.BarClose) error {
	if bc.Bar.Historical {
		return nil
	}
	select {
	case v.queue <- bc:
		return nil
	default:
		v.dropped.Add(1)
		metrics.EmitDropMetric(v.rawLog, metrics.DropMetricSink, bc.Symbol, "", "verifier")
		return ErrQueueFull
	}
}

func (v *Verifier) Start(ctx context.Context) {
	v.wg.Add(1)
	go v.worker(ctx)
	v.log.WithFields(logger.Fields{"tolerance": v.cfg.Tolerance, "delay": v.cfg.Delay.String()}).Info("verifier started")
}

// Stop waits for the worker; cancel the Start context first.
func (v *Verifier) Stop() {
	v.wg.Wait()
	v.log.Info("verifier stopped")
}

func (v *Verifier) worker(ctx context.Context) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case bc := <-v.queue:
			if v.cfg.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-v.clock.After(v.cfg.Delay):
				}
			}
			v.verify(ctx, bc)
		}
	}
}

func (v *Verifier) verify(ctx context.Context, bc models.BarClose) {
	log := v.log.WithFields(logger.Fields{"symbol": bc.Symbol, "bar_start": bc.Bar.StartTime})

	k, err := v.fetcher.FetchKline(ctx, bc.Symbol, v.interval, bc.Bar.StartTime)
	if err != nil {
		if ctx.Err() == nil {
			v.errs.Add(1)
			log.WithError(err).Warn("failed to fetch exchange kline")
		}
		return
	}

	res := Compare(bc.Bar, k, v.cfg.Tolerance)
	v.mu.Lock()
	v.last = &res
	v.mu.Unlock()

	fields := logger.Fields{
		"bar_volume":      res.BarVolume,
		"exchange_volume": res.ExchangeVolume,
		"volume_diff":     fmt.Sprintf("%.6f", res.VolumeDiff),
		"buy_diff":        fmt.Sprintf("%.6f", res.BuyDiff),
		"bar_trades":      res.BarTrades,
		"exchange_trades": res.ExchangeTrades,
	}
	if res.Match {
		v.matched.Add(1)
		log.WithFields(fields).Info("bar matches exchange kline")
	} else {
		v.mismatched.Add(1)
		log.WithFields(fields).Warn("bar differs from exchange kline")
	}
	metrics.EmitMetric(v.rawLog, "verifier", "volume_diff", res.VolumeDiff, "gauge", logger.Fields{"symbol": bc.Symbol})
}

// Last returns the most recent comparison.
func (v *Verifier) Last() (Result, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.last == nil {
		return Result{}, false
	}
	return *v.last, true
}

func (v *Verifier) Stats() Stats {
	return Stats{
		Matched:    v.matched.Load(),
		Mismatched: v.mismatched.Load(),
		Errors:     v.errs.Load(),
		Dropped:    v.dropped.Load(),
	}
}
