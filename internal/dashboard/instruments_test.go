package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/models"
)

type fakeInstrument struct {
	symbol  string
	bars    []models.FinalizedBar
	current *models.FinalizedBar
	window  time.Duration
	depth   int
	stopped bool
}

func (f *fakeInstrument) Symbol() string { return f.symbol }

func (f *fakeInstrument) TopLevels(ctx context.Context, n int) (models.BookLevels, error) {
	f.depth = n
	return models.BookLevels{
		Bids: []models.PriceLevel{{Price: 99.9, Quantity: 1}},
		Asks: []models.PriceLevel{{Price: 100, Quantity: 2}},
	}, nil
}

func (f *fakeInstrument) LiveMetrics(ctx context.Context) (models.ProfileMetrics, error) {
	return models.ProfileMetrics{VWAP: 100.1, TotalVolume: 3}, nil
}

func (f *fakeInstrument) CurrentBar(ctx context.Context) (models.FinalizedBar, bool, error) {
	if f.current == nil {
		return models.FinalizedBar{}, false, nil
	}
	return *f.current, true, nil
}

func (f *fakeInstrument) RecentTrades(ctx context.Context, window time.Duration) ([]models.ClassifiedTrade, error) {
	f.window = window
	return []models.ClassifiedTrade{{Trade: models.Trade{Symbol: f.symbol, TradeID: 7}}}, nil
}

func (f *fakeInstrument) Bars(ctx context.Context) ([]models.FinalizedBar, error) {
	return f.bars, nil
}

func (f *fakeInstrument) Status(ctx context.Context) (sequencer.Status, error) {
	if f.stopped {
		return sequencer.Status{}, sequencer.ErrStopped
	}
	return sequencer.Status{Symbol: f.symbol}, nil
}

func newTestServer(t *testing.T, inst *fakeInstrument) http.Handler {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	srv.AddInstrument(inst)
	router, err := srv.buildRouter("orderflow")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return router
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

func TestInstrumentRoutes(t *testing.T) {
	inst := &fakeInstrument{
		symbol: "BTCUSDT",
		bars: []models.FinalizedBar{
			{Symbol: "BTCUSDT", StartTime: 0},
			{Symbol: "BTCUSDT", StartTime: 60_000},
			{Symbol: "BTCUSDT", StartTime: 120_000},
		},
	}
	h := newTestServer(t, inst)

	res := get(t, h, "/api/instruments")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "BTCUSDT") {
		t.Fatalf("instruments: %d %s", res.Code, res.Body.String())
	}

	res = get(t, h, "/api/instruments/btcusdt/status")
	var status sequencer.Status
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil || status.Symbol != "BTCUSDT" {
		t.Fatalf("status: %d %s", res.Code, res.Body.String())
	}

	res = get(t, h, "/api/instruments/BTCUSDT/book?depth=5")
	if res.Code != http.StatusOK || inst.depth != 5 {
		t.Fatalf("book: code=%d depth=%d", res.Code, inst.depth)
	}

	res = get(t, h, "/api/instruments/BTCUSDT/bars?limit=2")
	var bars []models.FinalizedBar
	if err := json.Unmarshal(res.Body.Bytes(), &bars); err != nil {
		t.Fatalf("bars: %v", err)
	}
	if len(bars) != 2 || bars[0].StartTime != 60_000 {
		t.Fatalf("bars = %+v", bars)
	}

	res = get(t, h, "/api/instruments/BTCUSDT/trades?window=30s")
	if res.Code != http.StatusOK || inst.window != 30*time.Second {
		t.Fatalf("trades: code=%d window=%v", res.Code, inst.window)
	}

	res = get(t, h, "/api/instruments/BTCUSDT/profile")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"vwap":100.1`) {
		t.Fatalf("profile: %d %s", res.Code, res.Body.String())
	}
}

func TestInstrumentRouteErrors(t *testing.T) {
	inst := &fakeInstrument{symbol: "ETHUSDT"}
	h := newTestServer(t, inst)

	if res := get(t, h, "/api/instruments/XRPUSDT/status"); res.Code != http.StatusNotFound {
		t.Errorf("unknown instrument code = %d", res.Code)
	}
	if res := get(t, h, "/api/instruments/ETHUSDT/trades?window=soon"); res.Code != http.StatusBadRequest {
		t.Errorf("bad window code = %d", res.Code)
	}
	if res := get(t, h, "/api/instruments/ETHUSDT/bar"); res.Code != http.StatusNoContent {
		t.Errorf("no active bar code = %d", res.Code)
	}
	inst.stopped = true
	if res := get(t, h, "/api/instruments/ETHUSDT/status"); res.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped code = %d", res.Code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	h := newTestServer(t, &fakeInstrument{symbol: "BTCUSDT"})
	res := get(t, h, "/metrics")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "go_goroutines") {
		t.Fatalf("metrics: %d", res.Code)
	}
}
