package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"orderflow/internal/channel"
	"orderflow/internal/metrics"
	"orderflow/internal/scheduler"
	"orderflow/logger"
	"orderflow/models"
)

// Normalizer decodes one instrument's raw messages into events. A single
// worker keeps each stream's arrival order intact.
type Normalizer struct {
	channels *channel.Channels
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	decoded   atomic.Int64
	malformed atomic.Int64
	skipped   atomic.Int64
}

func NewNormalizer(ch *channel.Channels, log *logger.Log) *Normalizer {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Normalizer{
		channels: ch,
		log:      log,
	}
}

// Start runs the worker until Raw is closed or ctx is done; Events is closed
// when it exits.
func (n *Normalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("normalizer already running")
	}
	n.running = true

	n.log.WithComponent("normalizer").WithSymbol(n.channels.Symbol).Info("starting normalizer")
	n.wg.Add(1)
	go n.worker(ctx)
	return nil
}

func (n *Normalizer) Stop() {
	n.wg.Wait()
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
	n.log.WithComponent("normalizer").WithSymbol(n.channels.Symbol).Info("normalizer stopped")
}

func (n *Normalizer) worker(ctx context.Context) {
	defer n.wg.Done()
	defer n.channels.CloseEvents()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-n.channels.Raw:
			if !ok {
				return
			}
			ev, ok := n.decode(raw)
			if !ok {
				continue
			}
			if !n.channels.SendEvent(ctx, ev) {
				metrics.EmitDropMetric(n.log, metrics.DropMetricEvent, n.channels.Symbol, string(raw.Stream), "normalizer")
				return
			}
		}
	}
}

func (n *Normalizer) decode(raw models.RawMessage) (models.Event, bool) {
	var ev models.Event
	dec, err := DecoderFor(raw.Provenance)
	if err == nil {
		ev, err = dec.Decode(raw)
	}
	if err != nil {
		n.malformed.Add(1)
		metrics.IncrementMalformed(string(raw.Stream))
		level := n.log.WithComponent("normalizer").WithError(err).WithFields(logger.Fields{
			"symbol":     n.channels.Symbol,
			"stream":     raw.Stream,
			"provenance": raw.Provenance,
		})
		if errors.Is(err, ErrMalformed) {
			level.Warn("dropping malformed message")
		} else {
			level.Error("decode failed")
		}
		return ev, false
	}
	if ev.Symbol != "" && !strings.EqualFold(ev.Symbol, n.channels.Symbol) {
		n.skipped.Add(1)
		return ev, false
	}
	n.decoded.Add(1)
	return ev, true
}

func (n *Normalizer) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Normalizer) Stats() metrics.NormalizerStats {
	return metrics.NormalizerStats{
		Symbol:    n.channels.Symbol,
		Decoded:   n.decoded.Load(),
		Malformed: n.malformed.Load(),
		Skipped:   n.skipped.Load(),
		RawLen:    len(n.channels.Raw),
		RawCap:    cap(n.channels.Raw),
		EventsLen: len(n.channels.Events),
		EventsCap: cap(n.channels.Events),
	}
}

// ReportTask emits the normalizer's counters on each run.
func (n *Normalizer) ReportTask() scheduler.Task {
	return func(context.Context) { metrics.ReportNormalizer(n.log, n.Stats()) }
}
