package pipeline

import (
	"context"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/recorder"
	"orderflow/internal/scheduler"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/models"
	"orderflow/reader/binance"
)

func testConfig() *config.Config {
	return &config.Config{
		Channels: config.ChannelsConfig{RawBuffer: 16, EventBuffer: 16},
		Reader: config.ReaderConfig{
			RateLimit: config.RateLimitConfig{RequestsPerSecond: 2, BurstSize: 3},
			Retry:     config.RetryConfig{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		},
		Source: config.SourceConfig{Binance: config.BinanceSourceConfig{
			ValidatePrevID: true,
			PendingLimit:   50,
		}},
		Engine: config.EngineConfig{RetentionWindow: time.Hour, MaxTrades: 100, RecordDepth: 3},
	}
}

var btc = config.InstrumentConfig{Symbol: "BTCUSDT", TickSize: 0.1, Interval: "1m"}

func TestSequencerConfig(t *testing.T) {
	sc, err := SequencerConfig(testConfig(), btc)
	if err != nil {
		t.Fatalf("SequencerConfig: %v", err)
	}
	if sc.Engine.Period != time.Minute || sc.Engine.TickSize != 0.1 || sc.Engine.Symbol != "BTCUSDT" {
		t.Errorf("engine = %+v", sc.Engine)
	}
	if !sc.Engine.Book.ValidatePrevID || sc.Engine.Book.PendingLimit != 50 {
		t.Errorf("book = %+v", sc.Engine.Book)
	}
	if sc.Engine.Classifier.Retention != time.Hour || sc.Engine.Classifier.MaxTrades != 100 {
		t.Errorf("classifier = %+v", sc.Engine.Classifier)
	}
	if sc.Recovery.RatePerSecond != 2 || sc.Recovery.Burst != 3 || sc.Recovery.MaxAttempts != 4 || sc.Recovery.MaxBackoff != 10*time.Second {
		t.Errorf("recovery = %+v", sc.Recovery)
	}
	if sc.RecordDepth != 3 {
		t.Errorf("record depth = %d", sc.RecordDepth)
	}

	bad := btc
	bad.Interval = "1x"
	if _, err := SequencerConfig(testConfig(), bad); err == nil {
		t.Fatal("expected error for invalid interval")
	}
}

func TestInstrumentLoadBeforeStart(t *testing.T) {
	cfg := testConfig()
	cfg.Recorder = config.RecorderConfig{Enabled: true, Dir: t.TempDir(), MaxSizeMB: 1, QueueSize: 8}
	p, err := NewInstrument(cfg, btc, binance.NewRestClient(cfg, ""), scheduler.SystemClock(), logger.Logger())
	if err != nil {
		t.Fatalf("NewInstrument: %v", err)
	}
	t.Cleanup(func() { p.recorder.Close() })

	p.Channels().Raw <- models.RawMessage{Symbol: "BTCUSDT", Stream: models.StreamTrade}
	l := p.Load()
	if l.Symbol != "BTCUSDT" || l.RawLen != 1 || l.RawCap != 16 || l.EventsCap != 16 {
		t.Fatalf("load = %+v", l)
	}
	if l.NormalizerRunning || l.SequencerRunning || l.RecorderQueued != 0 || l.RecorderDropped != 0 {
		t.Fatalf("idle instrument reports activity: %+v", l)
	}
}

func TestReplayBuildsBars(t *testing.T) {
	dir := t.TempDir()
	rec, err := recorder.New(config.RecorderConfig{Dir: dir, MaxSizeMB: 1}, "BTCUSDT", logger.Logger())
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	open := models.KlineUpdate{Symbol: "BTCUSDT", Interval: "1m", PeriodStart: 60_000, PeriodEnd: 119_999, Open: 100, High: 100.2, Low: 99.9, Close: 100.1, Volume: 3}
	rec.RecordKline(open)
	rec.RecordDepth("BTCUSDT", 60_500, models.BookLevels{
		Bids: []models.PriceLevel{{Price: 100, Quantity: 5}},
		Asks: []models.PriceLevel{{Price: 100.1, Quantity: 5}},
	})
	rec.RecordTrade(models.Trade{Symbol: "BTCUSDT", TradeID: 1, Price: 100.1, Quantity: 2, Time: 61_000})
	rec.RecordTrade(models.Trade{Symbol: "BTCUSDT", TradeID: 2, Price: 100, Quantity: 1, Time: 62_000, IsBuyerMaker: true})
	closed := open
	closed.IsClosed = true
	rec.RecordKline(closed)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := recorder.Files(dir, "BTCUSDT")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	var seen []models.BarClose
	sink := sequencer.SinkFunc(func(_ context.Context, bc models.BarClose) error {
		seen = append(seen, bc)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := Replay(ctx, testConfig(), btc, files, logger.Logger(), sink)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Messages != 5 || res.Bars != 1 || len(seen) != 1 {
		t.Fatalf("result = %+v, sink saw %d", res, len(seen))
	}
	bar := res.Last.Bar
	if bar.StartTime != 60_000 || bar.TotalBuyVolume != 2 || bar.TotalSellVolume != 1 || bar.TotalDelta != 1 {
		t.Errorf("bar = %+v", bar)
	}
	if res.Last.Profile.TotalVolume != 3 {
		t.Errorf("profile = %+v", res.Last.Profile)
	}
}

func TestReplayMissingInterval(t *testing.T) {
	bad := btc
	bad.Interval = ""
	if _, err := Replay(context.Background(), testConfig(), bad, nil, logger.Logger()); err == nil {
		t.Fatal("expected error")
	}
}
