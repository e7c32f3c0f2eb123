package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/recorder"
	"orderflow/internal/scheduler"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/models"
	"orderflow/processor"
)

// ReplayResult summarises one replay run.
type ReplayResult struct {
	Symbol   string           `json:"symbol"`
	Messages int              `json:"messages"`
	Bars     int64            `json:"bars"`
	Last     *models.BarClose `json:"last_bar,omitempty"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Replay feeds recorded files of inst through a fresh normalizer and
// sequencer. Recorded depth carries whole books, so no snapshot fetcher is
// used. It returns once every line is processed or ctx ends.
func Replay(ctx context.Context, cfg *config.Config, inst config.InstrumentConfig, files []string, log *logger.Log, sinks ...sequencer.Sink) (ReplayResult, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	result := ReplayResult{Symbol: inst.Symbol}
	seqCfg, err := SequencerConfig(cfg, inst)
	if err != nil {
		return result, err
	}

	var (
		bars atomic.Int64
		last atomic.Pointer[models.BarClose]
	)
	counter := sequencer.SinkFunc(func(_ context.Context, bc models.BarClose) error {
		bars.Add(1)
		last.Store(&bc)
		return nil
	})

	ch := channel.NewChannels(inst.Symbol, cfg.Channels.RawBuffer, cfg.Channels.EventBuffer)
	seq, err := sequencer.New(seqCfg, ch.Events, nil, scheduler.SystemClock(), log, append(sinks, counter)...)
	if err != nil {
		return result, err
	}
	norm := processor.NewNormalizer(ch, log)
	player := recorder.NewPlayer(files, inst.Symbol, log)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if err := norm.Start(gctx); err != nil {
		return result, err
	}
	g.Go(func() error {
		return seq.Run(gctx)
	})
	g.Go(func() error {
		defer ch.CloseRaw()
		n, err := player.Play(gctx, ch.Raw)
		result.Messages = n
		if err != nil {
			return fmt.Errorf("replay %s: %w", inst.Symbol, err)
		}
		return nil
	})

	err = g.Wait()
	norm.Stop()

	result.Bars = bars.Load()
	result.Last = last.Load()
	result.Elapsed = time.Since(start)

	stats := norm.Stats()
	log.WithComponent("replay").WithFields(logger.Fields{
		"symbol":    inst.Symbol,
		"messages":  result.Messages,
		"decoded":   stats.Decoded,
		"malformed": stats.Malformed,
		"bars":      result.Bars,
		"elapsed":   result.Elapsed.String(),
	}).Info("replay finished")
	return result, err
}
