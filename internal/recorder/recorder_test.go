package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/logger"
	"orderflow/models"
	"orderflow/processor"
)

func newTestRecorder(t *testing.T, dir string) *Recorder {
	t.Helper()
	r, err := New(config.RecorderConfig{Dir: dir, MaxSizeMB: 1}, "BTCUSDT", logger.Logger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return r
}

func TestRecordAndReplay(t *testing.T) {
	dir := t.TempDir()
	r := newTestRecorder(t, dir)

	r.RecordTrade(models.Trade{Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 2, Time: 5, IsBuyerMaker: true})
	r.RecordKline(models.KlineUpdate{Symbol: "BTCUSDT", Interval: "1m", PeriodStart: 60_000, PeriodEnd: 119_999, Close: 100})
	r.RecordDepth("BTCUSDT", 7, models.BookLevels{
		Bids: []models.PriceLevel{{Price: 99, Quantity: 1}},
		Asks: []models.PriceLevel{{Price: 101, Quantity: 2}},
	})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := r.Stats()
	if stats.Trades != 1 || stats.Klines != 1 || stats.Depth != 1 || stats.Errors != 0 || stats.Bytes == 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	files, err := Files(dir, "BTCUSDT")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 1 || files[0] != FileName(dir, "BTCUSDT") {
		t.Fatalf("files = %v", files)
	}

	out := make(chan models.RawMessage, 10)
	n, err := NewPlayer(files, "BTCUSDT", logger.Logger()).Play(context.Background(), out)
	if err != nil || n != 3 {
		t.Fatalf("Play = %d, %v", n, err)
	}
	close(out)

	var kinds []models.EventKind
	dec := processor.RecordedDecoder{}
	for msg := range out {
		if msg.Provenance != models.ProvenanceRecorded {
			t.Errorf("provenance = %s", msg.Provenance)
		}
		ev, err := dec.Decode(msg)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if ev.ReceivedAt.UnixMilli() != 1_700_000_000_000 {
			t.Errorf("ReceivedAt = %v", ev.ReceivedAt)
		}
		kinds = append(kinds, ev.Kind)
		if ev.Kind == models.EventBookLevels && (len(ev.Book.Bids) != 1 || ev.Book.Asks[0].Price != 101) {
			t.Errorf("book = %+v", ev.Book)
		}
		if ev.Kind == models.EventTrade && (!ev.Trade.IsBuyerMaker || ev.Trade.Quantity != 2) {
			t.Errorf("trade = %+v", ev.Trade)
		}
	}
	want := []models.EventKind{models.EventTrade, models.EventKline, models.EventBookLevels}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestFilesOrdersBackupsFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"btcusdt.jsonl",
		"btcusdt-2024-01-02T00-00-00.000.jsonl",
		"btcusdt-2024-01-01T00-00-00.000.jsonl",
		"ethusdt.jsonl",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := Files(dir, "BTCUSDT")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	want := []string{
		filepath.Join(dir, "btcusdt-2024-01-01T00-00-00.000.jsonl"),
		filepath.Join(dir, "btcusdt-2024-01-02T00-00-00.000.jsonl"),
		filepath.Join(dir, "btcusdt.jsonl"),
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}

	if _, err := Files(dir, "SOLUSDT"); err == nil {
		t.Error("expected error for a symbol without recordings")
	}
}

func TestPlayStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	r := newTestRecorder(t, dir)
	for i := 0; i < 5; i++ {
		r.RecordTrade(models.Trade{Price: 1, Quantity: 1})
	}
	r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := NewPlayer([]string{FileName(dir, "BTCUSDT")}, "BTCUSDT", nil).Play(ctx, make(chan models.RawMessage))
	if err == nil || n != 0 {
		t.Fatalf("Play = %d, %v; want cancellation", n, err)
	}
}

func TestRecordDoesNotWaitForTheFile(t *testing.T) {
	dir := t.TempDir()
	r, err := New(config.RecorderConfig{Dir: dir, MaxSizeMB: 1, QueueSize: 1}, "BTCUSDT", logger.Logger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Hold the file so the writer stalls on its first record.
	r.mu.Lock()
	r.RecordTrade(models.Trade{TradeID: 1, Price: 1, Quantity: 1})
	deadline := time.Now().Add(2 * time.Second)
	for len(r.queue) != 0 {
		if time.Now().After(deadline) {
			r.mu.Unlock()
			t.Fatalf("writer never picked up the first record")
		}
		time.Sleep(time.Millisecond)
	}

	r.RecordTrade(models.Trade{TradeID: 2, Price: 1, Quantity: 1})
	r.RecordDepth("BTCUSDT", 3, models.BookLevels{})
	if got := r.Stats().Dropped; got != 1 {
		r.mu.Unlock()
		t.Fatalf("dropped = %d, want 1", got)
	}
	r.mu.Unlock()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	r.RecordKline(models.KlineUpdate{PeriodStart: 60_000})

	st := r.Stats()
	if st.Trades != 2 || st.Depth != 0 || st.Klines != 0 || st.Dropped != 2 {
		t.Fatalf("stats = %+v", st)
	}
	n, err := NewPlayer([]string{FileName(dir, "BTCUSDT")}, "BTCUSDT", nil).Play(context.Background(), make(chan models.RawMessage, 4))
	if err != nil || n != 2 {
		t.Fatalf("Play = %d, %v; want both queued trades on disk", n, err)
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(config.RecorderConfig{}, "BTCUSDT", nil); err == nil {
		t.Fatal("expected error without dir")
	}
}
