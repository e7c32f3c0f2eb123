package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/models"
)

func testConfig(wsURL, restURL string) *config.Config {
	return &config.Config{
		Reader: config.ReaderConfig{
			Timeout: 2 * time.Second,
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold:    2,
				RecoveryTimeout:     time.Minute,
				HalfOpenMaxRequests: 1,
			},
		},
		Source: config.SourceConfig{
			Binance: config.BinanceSourceConfig{
				ConnectionPool: config.ConnectionPoolConfig{
					MaxIdleConns:    1,
					MaxConnsPerHost: 1,
					IdleConnTimeout: time.Second,
				},
				RestURL:        restURL,
				WsURL:          wsURL,
				DepthLimit:     5,
				DepthSpeed:     "100ms",
				ReconnectDelay: 10 * time.Millisecond,
			},
		},
	}
}

var testInstrument = config.InstrumentConfig{Symbol: "BTCUSDT", TickSize: 0.1, Interval: "1m"}

// frameServer writes frames[path suffix] once per connection and then holds
// the connection open until the client leaves.
func frameServer(t *testing.T, frames map[string][]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for suffix, msgs := range frames {
			if !strings.HasSuffix(r.URL.Path, suffix) {
				continue
			}
			for _, m := range msgs {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
					return
				}
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestStreamNames(t *testing.T) {
	r := NewStreamReader(testConfig("wss://example.com/ws", ""), testInstrument, channel.NewChannels("BTCUSDT", 1, 1))
	streams := r.Streams()
	want := map[models.Stream]string{
		models.StreamDepth: "btcusdt@depth@100ms",
		models.StreamTrade: "btcusdt@aggTrade",
		models.StreamKline: "btcusdt@kline_1m",
	}
	for kind, name := range want {
		if streams[kind] != name {
			t.Errorf("stream %s = %q, want %q", kind, streams[kind], name)
		}
	}
	if got := r.streamURL(streams[models.StreamTrade]); got != "wss://example.com/ws/btcusdt@aggTrade" {
		t.Errorf("streamURL = %s", got)
	}
}

func TestStreamReaderForwardsFrames(t *testing.T) {
	srv := frameServer(t, map[string][]string{
		"@aggTrade":    {`{"e":"aggTrade","s":"BTCUSDT","p":"100","q":"1","T":1}`},
		"@depth@100ms": {`{"e":"depthUpdate","s":"BTCUSDT","U":1,"u":2}`},
		"@kline_1m":    {`{"e":"kline","s":"BTCUSDT"}`},
	})
	defer srv.Close()

	ch := channel.NewChannels("BTCUSDT", 10, 10)
	r := NewStreamReader(testConfig(wsURL(srv), ""), testInstrument, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	seen := map[models.Stream]models.RawMessage{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case msg := <-ch.Raw:
			seen[msg.Stream] = msg
		case <-deadline:
			cancel()
			t.Fatalf("only received %d streams", len(seen))
		}
	}
	cancel()
	r.Stop()

	trade := seen[models.StreamTrade]
	if trade.Symbol != "BTCUSDT" || trade.Provenance != models.ProvenanceLive || trade.Exchange != "binance" {
		t.Errorf("unexpected trade message: %+v", trade)
	}
	if !strings.Contains(string(trade.Data), "aggTrade") {
		t.Errorf("trade payload = %s", trade.Data)
	}
	if r.Frames() != 3 {
		t.Errorf("Frames = %d, want 3", r.Frames())
	}
	if _, attempts := r.weights.Stats(); attempts < 3 {
		t.Errorf("connection attempts = %d, want >= 3", attempts)
	}
}

func TestStreamReaderDropsWhenRawFull(t *testing.T) {
	srv := frameServer(t, map[string][]string{
		"@depth@100ms": {`{"u":1}`, `{"u":2}`, `{"u":3}`},
	})
	defer srv.Close()

	ch := channel.NewChannels("BTCUSDT", 1, 1)
	r := NewStreamReader(testConfig(wsURL(srv), ""), testInstrument, ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ch.GetStats().RawDropped < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want 2 drops", ch.GetStats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	r.Stop()

	if got := ch.GetStats().RawSent; got != 1 {
		t.Errorf("RawSent = %d, want 1", got)
	}
}

func TestStreamReaderReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "@aggTrade") {
			http.Error(w, "no", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade"}`))
		conn.Close()
	}))
	defer srv.Close()

	ch := channel.NewChannels("BTCUSDT", 100, 1)
	r := NewStreamReader(testConfig(wsURL(srv), ""), testInstrument, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch.Raw:
			if msg.Stream != models.StreamTrade {
				t.Fatalf("unexpected stream %s", msg.Stream)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d not received after reconnect", i)
		}
	}
	cancel()
	r.Stop()
}
