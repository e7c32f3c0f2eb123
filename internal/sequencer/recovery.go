package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"orderflow/internal/book"
	"orderflow/internal/scheduler"
	"orderflow/logger"
	"orderflow/models"
)

// RecoveryConfig paces snapshot fetches.
type RecoveryConfig struct {
	// RatePerSecond limits snapshot requests; zero means one per second.
	RatePerSecond float64
	Burst         int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// MaxAttempts bounds retries of one resync; zero retries until cancelled.
	MaxAttempts int
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

type snapshotResult struct {
	gen  uint64
	snap models.DepthSnapshot
	err  error
}

// recovery runs snapshot fetches off the worker goroutine. Each start bumps
// the generation and cancels the fetch in flight, so only the newest result
// is ever applied. start, accept and stop are called by the worker only.
type recovery struct {
	cfg     RecoveryConfig
	fetcher book.SnapshotFetcher
	limiter *rate.Limiter
	clock   scheduler.Clock
	results chan snapshotResult
	gen     uint64
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
	log     *logger.Entry
}

func newRecovery(cfg RecoveryConfig, fetcher book.SnapshotFetcher, clock scheduler.Clock, log *logger.Entry) *recovery {
	cfg = cfg.withDefaults()
	return &recovery{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		clock:   clock,
		results: make(chan snapshotResult, 1),
		log:     log,
	}
}

func (r *recovery) start(ctx context.Context, reason string) uint64 {
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	fctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wake = make(chan struct{}, 1)

	gen := r.gen
	r.log.WithFields(logger.Fields{"generation": gen, "reason": reason}).Info("order book resync started")
	r.wg.Add(1)
	go r.fetch(fctx, gen, r.wake)
	return gen
}

// retryNow cuts the backoff wait of the fetch in flight short. A fetch that is
// already requesting skips its next wait instead.
func (r *recovery) retryNow() bool {
	if r.cancel == nil {
		return false
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *recovery) fetch(ctx context.Context, gen uint64, wake <-chan struct{}) {
	defer r.wg.Done()
	b := &backoff.Backoff{Min: r.cfg.MinBackoff, Max: r.cfg.MaxBackoff, Factor: 2, Jitter: true}

	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		snap, err := r.fetcher.FetchSnapshot(ctx)
		if err == nil {
			r.deliver(ctx, snapshotResult{gen: gen, snap: snap})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
			r.deliver(ctx, snapshotResult{gen: gen, err: err})
			return
		}

		wait := b.Duration()
		r.log.WithError(err).WithFields(logger.Fields{
			"generation": gen,
			"attempt":    attempt,
			"retry_in":   wait.String(),
		}).Warn("snapshot fetch failed")

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-r.clock.After(wait):
		}
	}
}

func (r *recovery) deliver(ctx context.Context, res snapshotResult) {
	select {
	case r.results <- res:
	case <-ctx.Done():
	}
}

// accept reports whether res belongs to the latest resync and retires it.
func (r *recovery) accept(res snapshotResult) bool {
	if res.gen != r.gen {
		return false
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return true
}

// inFlight reports whether the latest resync has not delivered yet.
func (r *recovery) inFlight() bool { return r.cancel != nil }

func (r *recovery) generation() uint64 { return r.gen }

func (r *recovery) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
}
