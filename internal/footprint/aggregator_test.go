package footprint

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"orderflow/internal/ticks"
	"orderflow/logger"
	"orderflow/models"
)

const (
	barStart = int64(1_700_000_100_000)
	period   = 15 * time.Minute
)

func testQuantizer(t *testing.T, tick float64) ticks.Quantizer {
	t.Helper()
	q, err := ticks.NewQuantizer(tick)
	if err != nil {
		t.Fatalf("NewQuantizer(%v): %v", tick, err)
	}
	return q
}

func newTestAggregator(t *testing.T, tick float64) *Aggregator {
	t.Helper()
	a, err := NewAggregator("ETHUSDT", testQuantizer(t, tick), period, logger.Logger())
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return a
}

func openKline(start int64) models.KlineUpdate {
	return models.KlineUpdate{PeriodStart: start, PeriodEnd: start + period.Milliseconds() - 1, Open: 100, High: 100, Low: 100, Close: 100}
}

func trade(id int64, side models.Side, qty, price float64, ts int64) models.ClassifiedTrade {
	return models.ClassifiedTrade{
		Trade: models.Trade{TradeID: id, Price: price, Quantity: qty, Time: ts, IsBuyerMaker: side == models.SideSell},
		Side:  side,
	}
}

func levelAt(t *testing.T, b models.FinalizedBar, price float64) models.FootprintLevel {
	t.Helper()
	for _, l := range b.Footprint {
		if l.Price == price {
			return l
		}
	}
	t.Fatalf("no footprint level at %v in %+v", price, b.Footprint)
	return models.FootprintLevel{}
}

func TestFootprintScenario(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	a.HandleKline(openKline(barStart))

	for _, tr := range []models.ClassifiedTrade{
		trade(1, models.SideBuy, 10, 100.00, barStart+1),
		trade(2, models.SideSell, 4, 100.00, barStart+2),
		trade(3, models.SideBuy, 6, 100.01, barStart+3),
	} {
		if err := a.AddTrade(tr); err != nil {
			t.Fatalf("AddTrade: %v", err)
		}
	}

	bar, ok := a.Current()
	if !ok {
		t.Fatalf("expected active bar")
	}
	if l := levelAt(t, bar, 100.00); l.BuyQty != 10 || l.SellQty != 4 || l.Delta != 6 {
		t.Fatalf("level 100.00 = %+v", l)
	}
	if l := levelAt(t, bar, 100.01); l.BuyQty != 6 || l.SellQty != 0 || l.Delta != 6 {
		t.Fatalf("level 100.01 = %+v", l)
	}
	if bar.POC.Price != 100.00 || bar.POC.Volume != 14 {
		t.Fatalf("poc = %+v", bar.POC)
	}
	if bar.TotalDelta != 12 {
		t.Fatalf("total delta = %v, want 12", bar.TotalDelta)
	}
	if bar.Footprint[0].Price != 100.01 {
		t.Fatalf("footprint not price-descending: %+v", bar.Footprint)
	}
}

func TestBarBoundaryRejectsTrade(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	a.HandleKline(openKline(barStart))
	if err := a.AddTrade(trade(1, models.SideBuy, 1, 100, barStart)); err != nil {
		t.Fatalf("trade at start rejected: %v", err)
	}
	before, _ := a.Current()

	err := a.AddTrade(trade(2, models.SideBuy, 5, 100, barStart-1))
	if !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}
	err = a.AddTrade(trade(3, models.SideBuy, 5, 100, barStart+period.Milliseconds()))
	if !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("trade at end must be rejected, got %v", err)
	}

	after, _ := a.Current()
	if after.TotalBuyVolume != before.TotalBuyVolume || len(after.Footprint) != len(before.Footprint) {
		t.Fatalf("rejected trade mutated bar: before %+v after %+v", before, after)
	}
}

func TestNoActiveBar(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	if a.State() != NoActiveBar {
		t.Fatalf("state = %s", a.State())
	}
	if err := a.AddTrade(trade(1, models.SideBuy, 1, 100, barStart)); !errors.Is(err, ErrNoActiveBar) {
		t.Fatalf("expected ErrNoActiveBar, got %v", err)
	}
}

func TestKlineCloseLifecycle(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	a.HandleKline(openKline(barStart))
	if a.State() != BarOpen {
		t.Fatalf("state = %s", a.State())
	}
	a.AddTrade(trade(1, models.SideBuy, 2, 100, barStart+10))

	k := openKline(barStart)
	k.High, k.Low, k.Close, k.Volume, k.TradeCount = 105, 99, 104, 2, 1
	if _, closed := a.HandleKline(k); closed {
		t.Fatalf("open kline must not close the bar")
	}

	k.IsClosed = true
	fb, closed := a.HandleKline(k)
	if !closed {
		t.Fatalf("expected finalized bar")
	}
	if fb.OHLC.High != 105 || fb.OHLC.Close != 104 || fb.TotalBuyVolume != 2 || !fb.Closed {
		t.Fatalf("finalized bar = %+v", fb)
	}
	if _, again := a.HandleKline(k); again {
		t.Fatalf("bar finalized twice")
	}
	if err := a.AddTrade(trade(2, models.SideBuy, 1, 100, barStart+20)); !errors.Is(err, ErrBarClosed) {
		t.Fatalf("expected ErrBarClosed, got %v", err)
	}

	next := barStart + period.Milliseconds()
	a.HandleKline(openKline(next))
	if len(a.History()) != 1 || a.History()[0].StartTime != barStart {
		t.Fatalf("history = %+v", a.History())
	}
	cur, _ := a.Current()
	if cur.StartTime != next || cur.TotalBuyVolume != 0 || len(cur.Footprint) != 0 {
		t.Fatalf("new bar not zeroed: %+v", cur)
	}
	if err := a.AddTrade(trade(3, models.SideSell, 1, 100, next)); err != nil {
		t.Fatalf("trade into new bar: %v", err)
	}
}

func TestEarlierKlineIgnored(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	a.HandleKline(openKline(barStart))
	a.HandleKline(openKline(barStart - period.Milliseconds()))
	cur, _ := a.Current()
	if cur.StartTime != barStart || len(a.History()) != 0 {
		t.Fatalf("earlier kline replaced active bar: %+v", cur)
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	a, err := NewAggregator("ETHUSDT", testQuantizer(t, 0.01), 24*time.Hour, logger.Logger())
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	if a.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", a.Capacity())
	}
	day := (24 * time.Hour).Milliseconds()
	for i := int64(0); i < 7; i++ {
		a.HandleKline(models.KlineUpdate{PeriodStart: i * day})
	}
	hist := a.History()
	if len(hist) != 4 || hist[0].StartTime != 2*day || hist[3].StartTime != 5*day {
		t.Fatalf("history = %+v", hist)
	}
}

func TestInvariantsUnderRandomTrades(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := newTestAggregator(t, 0.5)
	a.HandleKline(openKline(barStart))

	for i := 0; i < 5000; i++ {
		side := models.SideBuy
		if rng.Intn(2) == 0 {
			side = models.SideSell
		}
		qty := float64(rng.Intn(20) + 1)
		price := 100 + float64(rng.Intn(40))*0.25
		if err := a.AddTrade(trade(int64(i), side, qty, price, barStart+int64(i))); err != nil {
			t.Fatalf("AddTrade: %v", err)
		}

		if i%250 != 0 {
			continue
		}
		bar, _ := a.Current()
		if bar.TotalDelta != bar.TotalBuyVolume-bar.TotalSellVolume {
			t.Fatalf("delta identity broken: %+v", bar)
		}
		maxVol := 0.0
		for _, l := range bar.Footprint {
			maxVol = math.Max(maxVol, l.Volume())
		}
		if bar.POC.Volume != maxVol {
			t.Fatalf("poc volume %v, brute force max %v", bar.POC.Volume, maxVol)
		}
		if levelAt(t, bar, bar.POC.Price).Volume() != maxVol {
			t.Fatalf("poc price %v does not hold max volume", bar.POC.Price)
		}
	}
}

func TestSeedHistory(t *testing.T) {
	a := newTestAggregator(t, 0.01)
	a.HandleKline(openKline(barStart))
	p := period.Milliseconds()
	n := a.Seed([]models.KlineUpdate{
		{PeriodStart: barStart - p, Close: 2, IsClosed: true},
		{PeriodStart: barStart - 2*p, Close: 1, IsClosed: true},
		{PeriodStart: barStart, Close: 3, IsClosed: true},
		{PeriodStart: barStart - 3*p, Close: 0.5},
	})
	if n != 2 {
		t.Fatalf("seeded = %d, want 2", n)
	}
	hist := a.History()
	if hist[0].OHLC.Close != 1 || hist[1].OHLC.Close != 2 || !hist[0].Historical {
		t.Fatalf("history = %+v", hist)
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"30s": 30 * time.Second,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseInterval(in)
		if err != nil || got != want {
			t.Errorf("ParseInterval(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "15", "m", "0m", "1y", "-1m"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Errorf("ParseInterval(%q) expected error", bad)
		}
	}
	if n := RetentionBars(15*time.Minute, DefaultRetention); n != 384 {
		t.Fatalf("RetentionBars = %d, want 384", n)
	}
}
