package sequencer

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"orderflow/internal/book"
	"orderflow/internal/scheduler"
	"orderflow/logger"
	"orderflow/models"
)

const (
	testStart  = int64(1_700_000_100_000)
	testPeriod = 15 * time.Minute
)

type scriptedFetcher struct {
	mu    sync.Mutex
	snaps []models.DepthSnapshot
	calls int
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context) (models.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	return f.snaps[i], nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collectingSink struct {
	mu     sync.Mutex
	closes []models.BarClose
}

func (c *collectingSink) HandleBarClose(_ context.Context, bc models.BarClose) error {
	c.mu.Lock()
	c.closes = append(c.closes, bc)
	c.mu.Unlock()
	return nil
}

func (c *collectingSink) all() []models.BarClose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.BarClose(nil), c.closes...)
}

func testConfig() Config {
	return Config{
		Engine: EngineConfig{
			Symbol:   "ETHUSDT",
			TickSize: 0.01,
			Period:   testPeriod,
		},
		Recovery: RecoveryConfig{
			RatePerSecond: 1000,
			Burst:         10,
			MinBackoff:    time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
		},
	}
}

func startSequencer(t *testing.T, fetcher book.SnapshotFetcher, sinks ...Sink) (*Sequencer, chan models.Event, context.CancelFunc) {
	t.Helper()
	// Unbuffered, so a completed send means the worker has taken the event
	// and will finish it before serving the next query.
	events := make(chan models.Event)
	clock := scheduler.NewManualClock(time.UnixMilli(testStart + testPeriod.Milliseconds()))
	seq, err := New(testConfig(), events, fetcher, clock, logger.GetLogger(), sinks...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- seq.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return seq, events, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func depthEvent(first, last int64, bids, asks []models.PriceLevel) models.Event {
	return models.Event{
		Kind:       models.EventDepthDiff,
		Provenance: models.ProvenanceLive,
		Depth:      &models.DepthDiff{FirstUpdateID: first, LastUpdateID: last, Bids: bids, Asks: asks},
	}
}

func tradeEvent(id int64, price, qty float64, buyerMaker bool, ts int64) models.Event {
	return models.Event{
		Kind:  models.EventTrade,
		Trade: &models.Trade{Symbol: "ETHUSDT", TradeID: id, Price: price, Quantity: qty, Time: ts, IsBuyerMaker: buyerMaker},
	}
}

func klineEvent(start int64, closed bool) models.Event {
	return models.Event{
		Kind: models.EventKline,
		Kline: &models.KlineUpdate{
			Symbol:      "ETHUSDT",
			PeriodStart: start,
			PeriodEnd:   start + testPeriod.Milliseconds() - 1,
			Open:        100, High: 100.01, Low: 100, Close: 100.01,
			Volume:   20,
			IsClosed: closed,
		},
	}
}

func TestBookScenarioAndGapResync(t *testing.T) {
	fetcher := &scriptedFetcher{snaps: []models.DepthSnapshot{
		{
			LastUpdateID: 10,
			Bids:         []models.PriceLevel{{Price: 100, Quantity: 2}, {Price: 99, Quantity: 5}},
			Asks:         []models.PriceLevel{{Price: 101, Quantity: 3}, {Price: 102, Quantity: 1}},
		},
		{
			LastUpdateID: 20,
			Bids:         []models.PriceLevel{{Price: 98, Quantity: 1}},
			Asks:         []models.PriceLevel{{Price: 103, Quantity: 1}},
		},
	}}
	seq, events, _ := startSequencer(t, fetcher)
	ctx := context.Background()

	waitFor(t, "initial snapshot", func() bool {
		st, err := seq.BookStats(ctx)
		return err == nil && st.Ready
	})

	events <- depthEvent(11, 11, []models.PriceLevel{{Price: 100, Quantity: 0}}, nil)
	levels, err := seq.TopLevels(ctx, 10)
	if err != nil {
		t.Fatalf("TopLevels: %v", err)
	}
	if len(levels.Bids) != 1 || levels.Bids[0] != (models.PriceLevel{Price: 99, Quantity: 5}) {
		t.Fatalf("bids = %+v, want [{99 5}]", levels.Bids)
	}

	events <- depthEvent(13, 13, nil, nil)
	waitFor(t, "resync snapshot", func() bool {
		st, err := seq.BookStats(ctx)
		return err == nil && st.Ready && st.LastUpdateID == 20
	})
	if fetcher.Calls() != 2 {
		t.Fatalf("fetch calls = %d, want 2", fetcher.Calls())
	}

	st, err := seq.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Engine.Resyncs != 1 || st.Counters.Gaps != 1 || st.Generation != 2 {
		t.Fatalf("status = %+v", st)
	}
	q, _ := seq.BestBidAsk(ctx)
	if q.Bid != 98 || q.Ask != 103 {
		t.Fatalf("quote = %+v", q)
	}
}

func TestBarCloseCascade(t *testing.T) {
	sink := &collectingSink{}
	seq, events, _ := startSequencer(t, nil, sink)
	ctx := context.Background()

	events <- models.Event{Kind: models.EventBookLevels, Book: &models.BookLevels{
		Bids: []models.PriceLevel{{Price: 99.5, Quantity: 1}},
		Asks: []models.PriceLevel{{Price: 100.5, Quantity: 1}},
	}}
	events <- klineEvent(testStart, false)
	events <- tradeEvent(1, 100.00, 10, false, testStart+1)
	events <- tradeEvent(2, 100.00, 4, true, testStart+2)
	events <- tradeEvent(3, 100.01, 6, false, testStart+3)

	live, err := seq.LiveMetrics(ctx)
	if err != nil {
		t.Fatalf("LiveMetrics: %v", err)
	}
	if live.TotalVolume != 20 {
		t.Fatalf("live total volume = %v", live.TotalVolume)
	}

	events <- klineEvent(testStart, true)
	// Next bar's first trade arrives before its kline.
	events <- tradeEvent(4, 100.02, 1, false, testStart+testPeriod.Milliseconds())

	closes := sink.all()
	if len(closes) != 1 {
		t.Fatalf("sink saw %d closes, want 1", len(closes))
	}
	bc := closes[0]
	if bc.Bar.TotalDelta != 12 || bc.Bar.POC.Price != 100 || bc.Bar.TotalVolume() != 20 {
		t.Fatalf("bar = %+v", bc.Bar)
	}
	wantVWAP := (100.00*10 + 100.00*4 + 100.01*6) / 20
	if math.Abs(bc.Profile.VWAP-wantVWAP) > 1e-9 || bc.Profile.TotalVolume != 20 {
		t.Fatalf("profile = %+v", bc.Profile)
	}
	if bc.Profile.ValueAreaLow != 100 || bc.Profile.ValueAreaHigh != 100 {
		t.Fatalf("value area = [%v, %v]", bc.Profile.ValueAreaLow, bc.Profile.ValueAreaHigh)
	}

	after, err := seq.LiveMetrics(ctx)
	if err != nil {
		t.Fatalf("LiveMetrics: %v", err)
	}
	if after.TotalVolume != 0 {
		t.Fatalf("trade after close leaked into profile: %+v", after)
	}

	st, _ := seq.Status(ctx)
	if st.Engine.RejectedTrades != 1 || st.Engine.BarsClosed != 1 {
		t.Fatalf("engine stats = %+v", st.Engine)
	}
	recent, _ := seq.RecentTrades(ctx, time.Hour)
	if len(recent) != 4 {
		t.Fatalf("recent trades = %d, want 4", len(recent))
	}
	if recent[0].Classification != models.PassiveBuy || recent[1].Classification != models.PassiveSell {
		t.Fatalf("classifications = %s, %s", recent[0].Classification, recent[1].Classification)
	}

	events <- klineEvent(testStart+testPeriod.Milliseconds(), false)
	bars, _ := seq.Bars(ctx)
	if len(bars) != 1 || bars[0].StartTime != testStart {
		t.Fatalf("history = %+v", bars)
	}
}

func TestTradesWithoutBookAreUnknown(t *testing.T) {
	seq, events, _ := startSequencer(t, nil)
	ctx := context.Background()

	events <- klineEvent(testStart, false)
	events <- tradeEvent(1, 100, 1, false, testStart+5)

	recent, err := seq.RecentTrades(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(recent) != 1 || recent[0].Classification != models.Unknown || recent[0].Confidence != 0 {
		t.Fatalf("recent = %+v", recent)
	}
	bar, ok, _ := seq.CurrentBar(ctx)
	if !ok || bar.TotalBuyVolume != 1 {
		t.Fatalf("trade not attributed while book unready: %+v", bar)
	}
}

func TestReadersAfterStop(t *testing.T) {
	events := make(chan models.Event)
	seq, err := New(testConfig(), events, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	close(events)
	if err := seq.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := seq.BookStats(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := seq.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	events := make(chan models.Event)
	cfg := testConfig()
	cfg.Engine.TickSize = 0
	if _, err := New(cfg, events, nil, nil, nil); err == nil {
		t.Fatalf("expected error for zero tick size")
	}
	if _, err := New(testConfig(), nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil events")
	}
}

type failingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *failingFetcher) FetchSnapshot(ctx context.Context) (models.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return models.DepthSnapshot{}, errors.New("exchange unavailable")
}

func (f *failingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPendingOverflowRetriesParkedFetch(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Book.PendingLimit = 2
	cfg.Recovery.MinBackoff = 20 * time.Second
	cfg.Recovery.MaxBackoff = 30 * time.Second

	events := make(chan models.Event)
	// The manual clock never advances, so only an overflow can end the wait.
	clock := scheduler.NewManualClock(time.UnixMilli(testStart))
	fetcher := &failingFetcher{}
	seq, err := New(cfg, events, fetcher, clock, logger.GetLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- seq.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	waitFor(t, "first fetch", func() bool { return fetcher.Calls() >= 1 })
	for id := int64(1); id <= 5; id++ {
		events <- depthEvent(id, id, nil, nil)
	}
	waitFor(t, "retry after overflow", func() bool { return fetcher.Calls() >= 2 })

	st, err := seq.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Generation != 1 || !st.Resyncing {
		t.Fatalf("generation = %d resyncing = %v, want the first resync still running", st.Generation, st.Resyncing)
	}
	if st.Counters.Overflows != 1 {
		t.Fatalf("overflows = %d, want 1", st.Counters.Overflows)
	}
}

func TestOutOfWindowTradesWarnThrottled(t *testing.T) {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	hook := test.NewLocal(log.Logger)

	events := make(chan models.Event)
	clock := scheduler.NewManualClock(time.UnixMilli(testStart))
	seq, err := New(testConfig(), events, nil, clock, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- seq.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	warnings := func() []*logrus.Entry {
		if _, err := seq.Status(ctx); err != nil {
			t.Fatalf("Status: %v", err)
		}
		var out []*logrus.Entry
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "out of window trade dropped" {
				out = append(out, e)
			}
		}
		return out
	}

	// No active bar yet: rejected quietly.
	events <- tradeEvent(1, 100, 1, false, testStart+1)
	if got := warnings(); len(got) != 0 {
		t.Fatalf("warnings before any bar = %d", len(got))
	}

	events <- klineEvent(testStart, false)
	for id := int64(2); id <= 4; id++ {
		events <- tradeEvent(id, 100, 1, false, testStart-id)
	}
	if got := warnings(); len(got) != 1 {
		t.Fatalf("warnings = %d, want 1", len(got))
	}

	clock.Advance(outOfWindowWarnInterval + time.Second)
	events <- tradeEvent(5, 100, 1, false, testStart-5)
	got := warnings()
	if len(got) != 2 {
		t.Fatalf("warnings = %d, want 2", len(got))
	}
	if got[1].Data["suppressed"] != 2 {
		t.Fatalf("suppressed = %v, want 2", got[1].Data["suppressed"])
	}

	st, _ := seq.Status(ctx)
	if st.Engine.RejectedTrades != 5 {
		t.Fatalf("rejected trades = %d, want 5", st.Engine.RejectedTrades)
	}
}
