// Package pipeline assembles the per-instrument chain: stream reader, raw
// channel, normalizer, event channel, sequencer and the sinks fed by bar
// closes. The live and replay entry points share it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow/config"
	"orderflow/internal/book"
	"orderflow/internal/channel"
	"orderflow/internal/classifier"
	"orderflow/internal/footprint"
	"orderflow/internal/metrics"
	"orderflow/internal/recorder"
	"orderflow/internal/scheduler"
	"orderflow/internal/sequencer"
	"orderflow/internal/verify"
	"orderflow/logger"
	"orderflow/processor"
	"orderflow/reader/binance"
)

// SequencerConfig derives the sequencer settings of inst. Snapshot recovery
// is paced by the reader's rate limit and retry settings.
func SequencerConfig(cfg *config.Config, inst config.InstrumentConfig) (sequencer.Config, error) {
	period, err := footprint.ParseInterval(inst.Interval)
	if err != nil {
		return sequencer.Config{}, fmt.Errorf("%s: %w", inst.Symbol, err)
	}
	return sequencer.Config{
		Engine: sequencer.EngineConfig{
			Symbol:   inst.Symbol,
			TickSize: inst.TickSize,
			Period:   period,
			Book: book.Config{
				PendingLimit:   cfg.Source.Binance.PendingLimit,
				ValidatePrevID: cfg.Source.Binance.ValidatePrevID,
			},
			Classifier: classifier.Config{
				Retention: cfg.Engine.RetentionWindow,
				MaxTrades: cfg.Engine.MaxTrades,
			},
		},
		Recovery: sequencer.RecoveryConfig{
			RatePerSecond: float64(cfg.Reader.RateLimit.RequestsPerSecond),
			Burst:         cfg.Reader.RateLimit.BurstSize,
			MinBackoff:    cfg.Reader.Retry.BaseDelay,
			MaxBackoff:    cfg.Reader.Retry.MaxDelay,
			MaxAttempts:   cfg.Reader.Retry.MaxAttempts,
		},
		RecordDepth: cfg.Engine.RecordDepth,
	}, nil
}

// Instrument is the live pipeline of one symbol.
type Instrument struct {
	cfg        *config.Config
	inst       config.InstrumentConfig
	rest       *binance.RestClient
	channels   *channel.Channels
	stream     *binance.StreamReader
	normalizer *processor.Normalizer
	sequencer  *sequencer.Sequencer
	recorder   *recorder.Recorder
	verifier   *verify.Verifier
	log        *logger.Log
}

// NewInstrument wires the live chain of inst. rest serves snapshots, warm-up
// and verification and is usually shared by instruments bound to one IP.
func NewInstrument(cfg *config.Config, inst config.InstrumentConfig, rest *binance.RestClient, clock scheduler.Clock, log *logger.Log, sinks ...sequencer.Sink) (*Instrument, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	seqCfg, err := SequencerConfig(cfg, inst)
	if err != nil {
		return nil, err
	}

	ch := channel.NewChannels(inst.Symbol, cfg.Channels.RawBuffer, cfg.Channels.EventBuffer)
	seq, err := sequencer.New(seqCfg, ch.Events, rest.Snapshots(inst.Symbol), clock, log, sinks...)
	if err != nil {
		return nil, err
	}

	i := &Instrument{
		cfg:        cfg,
		inst:       inst,
		rest:       rest,
		channels:   ch,
		stream:     binance.NewStreamReader(cfg, inst, ch),
		normalizer: processor.NewNormalizer(ch, log),
		sequencer:  seq,
		log:        log,
	}

	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.Recorder, inst.Symbol, log)
		if err != nil {
			return nil, err
		}
		i.recorder = rec
		seq.SetRecorder(rec)
	}
	if cfg.Verify.Enabled {
		i.verifier = verify.New(cfg.Verify, inst.Interval, rest, clock, log)
		seq.AddSink(i.verifier)
	}
	return i, nil
}

func (i *Instrument) Symbol() string                  { return i.inst.Symbol }
func (i *Instrument) Sequencer() *sequencer.Sequencer { return i.sequencer }
func (i *Instrument) Channels() *channel.Channels     { return i.channels }

// Warmup seeds the bar history with recent closed klines. Failures are
// logged; the instrument runs without history.
func (i *Instrument) Warmup(ctx context.Context) int {
	if !i.cfg.Warmup.Enabled {
		return 0
	}
	log := i.log.WithComponent("warmup").WithSymbol(i.inst.Symbol)
	klines, err := i.rest.RecentClosedKlines(ctx, i.inst.Symbol, i.inst.Interval, i.cfg.Warmup.Bars)
	if err != nil {
		log.WithError(err).Warn("historical warm-up failed")
		return 0
	}
	n := i.sequencer.Seed(klines)
	log.WithFields(logger.Fields{"fetched": len(klines), "seeded": n}).Info("historical bars loaded")
	return n
}

// Start launches every stage; the sequencer runs in g until ctx ends.
func (i *Instrument) Start(ctx context.Context, g *errgroup.Group) error {
	if i.verifier != nil {
		i.verifier.Start(ctx)
	}
	if err := i.normalizer.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		if err := i.sequencer.Run(ctx); err != nil {
			return fmt.Errorf("%s sequencer: %w", i.inst.Symbol, err)
		}
		return nil
	})
	return i.stream.Start(ctx)
}

// Stop drains the chain front to back. Cancel the Start context first.
func (i *Instrument) Stop() {
	i.stream.Stop()
	i.channels.CloseRaw()
	i.normalizer.Stop()
	if i.verifier != nil {
		i.verifier.Stop()
	}
	if i.recorder != nil {
		if err := i.recorder.Close(); err != nil {
			i.log.WithComponent("recorder").WithError(err).Warn("failed to close recorder")
		}
	}
}

// Load samples the instrument's buffers and workers for the dashboard.
func (i *Instrument) Load() metrics.InstrumentLoad {
	ch := i.channels.GetStats()
	l := metrics.InstrumentLoad{
		Symbol:            i.inst.Symbol,
		RawLen:            len(i.channels.Raw),
		RawCap:            cap(i.channels.Raw),
		RawDropped:        ch.RawDropped,
		EventsLen:         len(i.channels.Events),
		EventsCap:         cap(i.channels.Events),
		NormalizerRunning: i.normalizer.Running(),
		SequencerRunning:  i.sequencer.Running(),
	}
	if i.recorder != nil {
		l.RecorderQueued = i.recorder.Queued()
		l.RecorderDropped = i.recorder.Stats().Dropped
	}
	return l
}

// StatusTask logs book, profile and bar state of the instrument.
func (i *Instrument) StatusTask() scheduler.Task {
	return StatusTask(i.sequencer, i.log)
}

// ReportTask emits normalizer, websocket weight, recorder and verifier
// counters.
func (i *Instrument) ReportTask() scheduler.Task {
	report := i.normalizer.ReportTask()
	return func(ctx context.Context) {
		report(ctx)
		i.stream.ReportWeight()
		if i.recorder != nil {
			i.recorder.Report()
		}
		if i.verifier != nil {
			s := i.verifier.Stats()
			i.log.WithComponent("verify").WithFields(logger.Fields{
				"symbol":     i.inst.Symbol,
				"matched":    s.Matched,
				"mismatched": s.Mismatched,
				"errors":     s.Errors,
				"dropped":    s.Dropped,
			}).Info("verification stats")
		}
	}
}

// StatusTask reads a status copy from seq and logs it.
func StatusTask(seq *sequencer.Sequencer, log *logger.Log) scheduler.Task {
	return func(ctx context.Context) {
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		st, err := seq.Status(qctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithComponent("status").WithError(err).WithSymbol(seq.Symbol()).Warn("status query failed")
			}
			return
		}
		fields := logger.Fields{
			"symbol":         st.Symbol,
			"ready":          st.Book.Ready,
			"bid_levels":     st.Book.BidLevels,
			"ask_levels":     st.Book.AskLevels,
			"last_update_id": st.Book.LastUpdateID,
			"bid":            st.Book.Bid,
			"ask":            st.Book.Ask,
			"spread":         st.Book.Spread,
			"vwap":           st.Profile.VWAP,
			"poc":            st.Profile.POC.Price,
			"va_low":         st.Profile.ValueAreaLow,
			"va_high":        st.Profile.ValueAreaHigh,
			"resyncing":      st.Resyncing,
			"bars_closed":    st.Engine.BarsClosed,
		}
		if st.Bar != nil {
			fields["bar_start"] = st.Bar.StartTime
			fields["bar_volume"] = st.Bar.TotalVolume()
			fields["bar_delta"] = st.Bar.TotalDelta
		}
		log.WithComponent("status").WithFields(fields).Info("instrument status")
	}
}
